package main // Entry point package

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/config"
	"github.com/iliyamo/session-gateway/internal/handler"
	"github.com/iliyamo/session-gateway/internal/logging"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/queue"
	"github.com/iliyamo/session-gateway/internal/repository"
	"github.com/iliyamo/session-gateway/internal/router"
	"github.com/iliyamo/session-gateway/internal/store"
	"github.com/iliyamo/session-gateway/internal/ws"
)

func main() {
	_ = godotenv.Load() // .env is optional; real deployments use the environment

	cfg := config.Load()

	log, err := logging.Init(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("store unreachable; check STORE_URL / REDIS_HOST")
	}

	// Assemble the core: store gateway, batcher, bus, registries.
	st := store.New(rdb, log)
	batcher := store.NewBatcher(st, log, cfg.FlushInterval)
	bus := pubsub.NewBus(st, log)
	users := repository.NewUserRepo(st, bus, log, cfg.BcryptCost, cfg.IsBootstrapAdmin)
	sessions := repository.NewSessionRepo(st, batcher, bus, log,
		cfg.SessionTimeout, cfg.SweepInterval, cfg.GatewayID)
	conns := repository.NewConnectionRepo(st, batcher, bus, log,
		cfg.SessionTimeout, cfg.PingInterval, cfg.StaleSweepInterval, cfg.GatewayID)
	audit := queue.NewPublisher(cfg.AMQPURL, cfg.GatewayID, cfg.AuditEnabled, log)
	wsm := ws.NewManager(cfg, log, sessions, conns, bus, batcher)

	authH := handler.NewAuthHandler(cfg, users, sessions, conns, bus, audit, log)
	sessionH := handler.NewSessionHandler(cfg, sessions, conns, audit, log)
	adminH := handler.NewAdminHandler(cfg, users, sessions, conns, batcher, audit, log)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.NewHTTPErrorHandler(log)
	router.RegisterRoutes(e, cfg, authH, sessionH, adminH, wsm)

	// Background tasks share one lifecycle context.
	bg, stopBG := context.WithCancel(context.Background())
	go batcher.Run(bg)
	go bus.Run(bg)
	go sessions.RunSweeper(bg)
	go conns.RunStaleSweeper(bg)
	go wsm.RunCacheCleanup(bg)
	if cfg.AuditEnabled {
		go queue.StartAuditConsumer(cfg.AMQPURL, log)
	}

	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("gateway_id", cfg.GatewayID))
		if err := e.Start(addr); err != nil {
			log.Warn("server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")

	// Two-phase stop: refuse new work and drain sockets, then the HTTP
	// listener, then the background loops, and the batcher last so every
	// queued write reaches the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsm.Shutdown(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stopBG()
	if err := batcher.Drain(shutdownCtx); err != nil {
		log.Warn("batcher drain incomplete", zap.Error(err))
	}
	log.Info("goodbye")
}
