package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
)

// Socket lifecycle states.
const (
	stateHandshaking int32 = iota
	stateActive
	stateDraining
	stateClosed
)

const (
	outboundDepth = 64
	writeTimeout  = 10 * time.Second
	drainTimeout  = 2 * time.Second
	checkInterval = time.Second
)

// socket is the per-connection state machine.  The reader goroutine owns
// inbound frames, the writer goroutine owns the wire, and the control
// goroutine owns timers and bus events; everything else talks to the
// socket through the outbound queue.
type socket struct {
	m    *Manager
	conn *websocket.Conn
	log  *zap.Logger

	sid    string
	userID string

	mu   sync.Mutex
	role string

	out *sendQueue

	state        atomic.Int32
	lastPong     atomic.Int64 // unix nanos
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	evUser    <-chan model.Event
	evSession <-chan model.Event
	offUser   func()
	offSession func()

	drainOnce   sync.Once
	cleanupOnce sync.Once
	closeCode   int
}

func (s *socket) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *socket) setRole(role string) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

func (s *socket) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// send serializes and enqueues a frame.  Lifecycle frames are critical:
// they displace a queued non-critical frame instead of being dropped.
func (s *socket) send(f model.ServerFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Error("frame marshal failed", zap.Error(err))
		return
	}
	s.sendRaw(data, isCritical(f.Type))
}

func (s *socket) sendRaw(data []byte, critical bool) {
	if !s.out.push(data, critical) {
		s.log.Warn("outbound backpressure, frame dropped",
			zap.String("session_id", s.sid), zap.Uint64("dropped", s.out.droppedCount()))
	}
}

func isCritical(frameType string) bool {
	switch frameType {
	case model.EventLogout, model.EventSessionClosed, model.EventServerShutdown,
		model.EventAccountDeleted, model.EventDisconnected:
		return true
	}
	return false
}

func (s *socket) sendError(msg string) {
	s.send(model.ServerFrame{Type: model.EventError, Message: msg})
}

// drain moves the socket to Draining exactly once: inbound stops, the
// outbound queue is flushed by the writer, and a deadline forces the
// underlying connection shut if the flush stalls.
func (s *socket) drain(code int, reason string) {
	s.drainOnce.Do(func() {
		s.state.Store(stateDraining)
		s.closeCode = code
		s.log.Debug("draining", zap.String("session_id", s.sid),
			zap.Int("code", code), zap.String("reason", reason))
		s.out.close()
		go func() {
			select {
			case <-time.After(drainTimeout):
				if s.conn != nil {
					_ = s.conn.Close()
				}
			case <-s.ctx.Done():
			}
		}()
	})
}

// writeLoop is the single writer on the wire.  It exits when the queue is
// closed and drained, then performs the close handshake and cleanup.
func (s *socket) writeLoop() {
	for {
		data, ok := s.out.pop(s.ctx)
		if !ok {
			break
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.drain(websocket.CloseInternalServerErr, "write failed")
			break
		}
	}
	code := s.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
	s.cancel()
	s.cleanup()
}

// readLoop owns inbound frames.  Any inbound message resets the inactivity
// timer and heartbeats the connection record.
func (s *socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.drain(websocket.CloseNormalClosure, "client closed")
			return
		}
		if s.state.Load() >= stateDraining {
			return
		}
		s.touch()
		s.m.conns.Heartbeat(s.ctx, s.sid)
		s.m.handleFrame(s.ctx, s, data)
	}
}

// controlLoop owns the three timers and the bus subscriptions.
func (s *socket) controlLoop() {
	ping := time.NewTicker(s.m.cfg.PingInterval)
	check := time.NewTicker(checkInterval)
	defer ping.Stop()
	defer check.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ping.C:
			s.send(model.ServerFrame{Type: model.EventPing, TS: float64(time.Now().Unix())})
		case <-check.C:
			now := time.Now()
			if now.Sub(time.Unix(0, s.lastPong.Load())) > s.m.cfg.PongTimeout {
				s.drain(websocket.CloseNormalClosure, "pong timeout")
				return
			}
			if now.Sub(time.Unix(0, s.lastActivity.Load())) > s.m.cfg.InactivityTimeout {
				s.drain(websocket.CloseNormalClosure, "inactivity timeout")
				return
			}
		case ev, ok := <-s.evUser:
			if !ok {
				return
			}
			s.handleUserEvent(ev)
		case ev, ok := <-s.evSession:
			if !ok {
				return
			}
			s.handleSessionEvent(ev)
		}
	}
}

// handleUserEvent reacts to fan-out on user:<username>.
func (s *socket) handleUserEvent(ev model.Event) {
	switch ev.Type {
	case model.EventLogout:
		s.sendRaw(ev.Raw, true)
		s.drain(websocket.CloseNormalClosure, "logout")
	case model.EventAccountDeleted:
		s.sendRaw(ev.Raw, true)
		s.drain(websocket.CloseNormalClosure, "account deleted")
	case model.EventServerShutdown:
		s.sendRaw(ev.Raw, true)
		s.drain(websocket.CloseNormalClosure, "server shutdown")
	case model.EventRoleChanged:
		if role := ev.Field("role"); role != "" {
			s.setRole(role)
		}
		s.sendRaw(ev.Raw, false)
	default:
		s.sendRaw(ev.Raw, false)
	}
}

// handleSessionEvent reacts to fan-out on session:<sid>.
func (s *socket) handleSessionEvent(ev model.Event) {
	switch ev.Type {
	case model.EventSessionClosed:
		s.sendRaw(ev.Raw, true)
		s.drain(websocket.CloseNormalClosure, "session closed")
	case model.EventDisconnected:
		// Our own cleanup echo, or another replica's sweeper; nothing to do.
	case model.EventSessionUpdated, model.EventChatMessage:
		if ev.Field("origin") == s.m.cfg.GatewayID {
			return
		}
		s.sendRaw(ev.Raw, false)
	default:
		s.sendRaw(ev.Raw, false)
	}
}

// cleanup runs exactly once on entry to Closed: unsubscribe both topics,
// clear the live flag, announce the disconnect, release timers.
func (s *socket) cleanup() {
	s.cleanupOnce.Do(func() {
		s.state.Store(stateClosed)
		s.cancel()
		if s.offUser != nil {
			s.offUser()
		}
		if s.offSession != nil {
			s.offSession()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.m.conns.MarkConnected(ctx, s.sid, false)
		err := s.m.bus.Publish(ctx, pubsub.SessionTopic(s.sid), map[string]any{
			"type":       model.EventDisconnected,
			"session_id": s.sid,
			"user_id":    s.userID,
			"gateway_id": s.m.cfg.GatewayID,
		})
		if err != nil {
			s.log.Warn("disconnect publish failed", zap.String("session_id", s.sid), zap.Error(err))
		}
		s.m.dedup.forgetSession(s.sid)
		s.m.remove(s)
		s.log.Info("socket closed", zap.String("session_id", s.sid), zap.String("user_id", s.userID))
	})
}
