// Package ws runs the per-socket state machine: handshake, heartbeats,
// role-gated dispatch, pub/sub fan-in, and at-most-once cleanup.  Sockets
// live in this replica's memory only; the store sees a flag and a gateway
// id.
package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/config"
	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/repository"
	"github.com/iliyamo/session-gateway/internal/store"
	"github.com/iliyamo/session-gateway/internal/utils"
)

const (
	dedupTTL             = 5 * time.Minute
	dedupCleanupInterval = 30 * time.Second
	shutdownDrainWindow  = 5 * time.Second
)

// Manager accepts WebSocket connections and supervises their lifecycles.
type Manager struct {
	cfg      config.Config
	log      *zap.Logger
	sessions *repository.SessionRepo
	conns    *repository.ConnectionRepo
	bus      *pubsub.Bus
	batcher  *store.Batcher
	dedup    *dedupCache
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[*socket]struct{}

	closing atomic.Bool
	started time.Time
}

func NewManager(cfg config.Config, log *zap.Logger, sessions *repository.SessionRepo,
	conns *repository.ConnectionRepo, bus *pubsub.Bus, batcher *store.Batcher) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log.Named("ws"),
		sessions: sessions,
		conns:    conns,
		bus:      bus,
		batcher:  batcher,
		dedup:    newDedupCache(dedupTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway sits behind TLS termination; origin policy is the
			// load balancer's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets: make(map[*socket]struct{}),
		started: time.Now(),
	}
}

// RunCacheCleanup starts the dedup cache sweeper.
func (m *Manager) RunCacheCleanup(ctx context.Context) {
	m.dedup.RunCleanup(ctx, dedupCleanupInterval)
}

// Connect is the /ws/connect handler.  The handshake authenticates the
// token, checks session ownership, registers the connection, subscribes to
// both topics and sends the welcome frame; any failure closes 1008.
func (m *Manager) Connect(c echo.Context) error {
	if m.closing.Load() {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	conn, err := m.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // upgrader already wrote the response
	}

	sid := c.QueryParam("session_id")
	token := c.QueryParam("token")

	principal, err := m.authenticate(c.Request().Context(), sid, token)
	if err != nil {
		m.log.Warn("handshake rejected", zap.String("session_id", sid), zap.Error(err))
		reject(conn, err.Error())
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		m:      m,
		conn:   conn,
		log:    m.log,
		sid:    sid,
		userID: principal.Username,
		role:   principal.Role,
		out:    newSendQueue(outboundDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	now := time.Now().UnixNano()
	s.lastPong.Store(now)
	s.lastActivity.Store(now)
	s.state.Store(stateActive)

	m.conns.Register(ctx, sid, m.cfg.GatewayID)
	m.conns.MarkConnected(ctx, sid, true)

	s.evUser, s.offUser = m.bus.Subscribe(ctx, pubsub.UserTopic(principal.Username), outboundDepth)
	s.evSession, s.offSession = m.bus.Subscribe(ctx, pubsub.SessionTopic(sid), outboundDepth)

	m.mu.Lock()
	m.sockets[s] = struct{}{}
	m.mu.Unlock()

	s.send(model.ServerFrame{
		Type:              model.EventConnected,
		Message:           "WebSocket connection established",
		UserID:            principal.Username,
		SessionID:         sid,
		GatewayID:         m.cfg.GatewayID,
		PingInterval:      int(m.cfg.PingInterval / time.Second),
		InactivityTimeout: int(m.cfg.InactivityTimeout / time.Second),
	})
	m.log.Info("socket connected", zap.String("session_id", sid),
		zap.String("user_id", principal.Username), zap.String("role", principal.Role))

	go s.writeLoop()
	go s.controlLoop()
	s.readLoop()
	return nil
}

// authenticate runs the handshake checks: token validity, session
// existence, and ownership.
func (m *Manager) authenticate(ctx context.Context, sid, token string) (model.Principal, error) {
	if sid == "" || token == "" {
		return model.Principal{}, repository.ErrUnauthorized
	}
	principal, err := utils.ParseToken(m.cfg.SecretKey, token)
	if err != nil {
		return model.Principal{}, repository.ErrUnauthorized
	}
	sess, err := m.sessions.Get(ctx, sid)
	if err != nil {
		return model.Principal{}, repository.ErrNotFound
	}
	if sess.UserID != principal.Username {
		return model.Principal{}, repository.ErrForbidden
	}
	return principal, nil
}

func reject(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (m *Manager) remove(s *socket) {
	m.mu.Lock()
	delete(m.sockets, s)
	m.mu.Unlock()
}

// SocketCount reports the live sockets on this replica.
func (m *Manager) SocketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sockets)
}

// Health is the /ws/health handler.
func (m *Manager) Health(c echo.Context) error {
	cacheSessions, cacheMessages := m.dedup.stats()
	return c.JSON(http.StatusOK, echo.Map{
		"status":             "healthy",
		"gateway_id":         m.cfg.GatewayID,
		"active_connections": m.SocketCount(),
		"cache_sessions":     cacheSessions,
		"cache_messages":     cacheMessages,
		"batcher":            m.batcher.Snapshot(),
		"uptime_seconds":     int(time.Since(m.started) / time.Second),
		"config": echo.Map{
			"ping_interval":      int(m.cfg.PingInterval / time.Second),
			"pong_timeout":       int(m.cfg.PongTimeout / time.Second),
			"inactivity_timeout": int(m.cfg.InactivityTimeout / time.Second),
		},
	})
}

// Shutdown implements the socket half of the two-phase stop: refuse new
// connections, hand every local socket a server_shutdown frame, and give
// them a bounded window to drain before the caller tears the listener
// down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.closing.Store(true)

	m.mu.Lock()
	sockets := make([]*socket, 0, len(m.sockets))
	for s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.mu.Unlock()

	for _, s := range sockets {
		s.send(model.ServerFrame{Type: model.EventServerShutdown, Message: "server shutting down"})
		s.drain(websocket.CloseNormalClosure, "server shutdown")
	}

	deadline := time.Now().Add(shutdownDrainWindow)
	for time.Now().Before(deadline) {
		if m.SocketCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	m.log.Warn("shutdown drain window elapsed", zap.Int("remaining", m.SocketCount()))
}
