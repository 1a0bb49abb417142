package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
)

// messageRoles is the static type -> allowed-roles table.  A type missing
// here is unsupported; a role missing for a type is a permission denial
// without state change.
var messageRoles = map[string]map[string]bool{
	model.MsgPing:         {model.RoleUser: true, model.RoleAdmin: true},
	model.MsgPong:         {model.RoleUser: true, model.RoleAdmin: true},
	model.MsgUpdateAPIKey: {model.RoleUser: true, model.RoleAdmin: true},
	model.MsgChatMessage:  {model.RoleUser: true, model.RoleAdmin: true},
	model.MsgAdminCommand: {model.RoleAdmin: true},
}

// handleFrame decodes one inbound frame and routes it through the dispatch
// table.  Malformed input never tears the socket down; the client gets an
// error frame and the connection stays open.
func (m *Manager) handleFrame(ctx context.Context, s *socket, data []byte) {
	var frame model.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError("invalid JSON")
		return
	}
	if frame.Type == "" {
		s.sendError("missing message type")
		return
	}

	allowed, known := messageRoles[frame.Type]
	if !known {
		s.sendError("unsupported message type")
		return
	}
	if !allowed[s.Role()] {
		m.log.Warn("message denied", zap.String("session_id", s.sid),
			zap.String("role", s.Role()), zap.String("type", frame.Type))
		s.sendError("not permitted")
		return
	}

	switch frame.Type {
	case model.MsgPong:
		s.lastPong.Store(time.Now().UnixNano())
	case model.MsgPing:
		s.send(model.ServerFrame{Type: model.EventPong, TS: frame.TS})
	case model.MsgUpdateAPIKey:
		m.handleAPIKeyUpdate(ctx, s, frame)
	case model.MsgChatMessage:
		m.handleChatMessage(ctx, s, frame)
	case model.MsgAdminCommand:
		m.handleAdminCommand(ctx, s, frame)
	}
}

// handleAPIKeyUpdate merges the new key into the session's data blob via
// the batcher and acks immediately.  A repeat of the same key within the
// dedup TTL re-acks without another store write.
func (m *Manager) handleAPIKeyUpdate(ctx context.Context, s *socket, frame model.ClientFrame) {
	ack := model.ServerFrame{
		Type:      model.EventAck,
		Message:   "API key update acknowledged",
		APIKey:    frame.Key,
		SessionID: s.sid,
		GatewayID: m.cfg.GatewayID,
	}
	if m.dedup.isDuplicate(s.sid, model.MsgUpdateAPIKey, frame.Key) {
		s.send(ack)
		return
	}
	m.dedup.remember(s.sid, model.MsgUpdateAPIKey, frame.Key)

	if _, err := m.sessions.Update(ctx, s.sid, "", map[string]any{"api_key": frame.Key}); err != nil {
		m.log.Error("api key update failed", zap.String("session_id", s.sid), zap.Error(err))
		// Allow a retry to reach the store.
		m.dedup.forget(s.sid, model.MsgUpdateAPIKey)
		s.sendError("internal error")
		return
	}
	s.send(ack)
}

// handleChatMessage bumps activity and republishes on the session topic so
// sockets for the same session on other replicas see it.
func (m *Manager) handleChatMessage(ctx context.Context, s *socket, frame model.ClientFrame) {
	m.sessions.Touch(ctx, s.sid)
	err := m.bus.Publish(ctx, pubsub.SessionTopic(s.sid), map[string]any{
		"type":       model.EventChatMessage,
		"session_id": s.sid,
		"user_id":    s.userID,
		"content":    frame.Content,
		"origin":     m.cfg.GatewayID,
	})
	if err != nil {
		m.log.Warn("chat republish failed", zap.String("session_id", s.sid), zap.Error(err))
	}
}

// handleAdminCommand dispatches the admin subcommands.
func (m *Manager) handleAdminCommand(ctx context.Context, s *socket, frame model.ClientFrame) {
	switch frame.Command {
	case "stats":
		cacheSessions, cacheMessages := m.dedup.stats()
		s.send(model.ServerFrame{
			Type:      model.EventAck,
			Message:   "stats",
			SessionID: s.sid,
			GatewayID: m.cfg.GatewayID,
			Data: map[string]any{
				"active_connections": m.SocketCount(),
				"cache_sessions":     cacheSessions,
				"cache_messages":     cacheMessages,
				"batcher":            m.batcher.Snapshot(),
				"uptime_seconds":     int(time.Since(m.started) / time.Second),
			},
		})
	case "cleanup_sessions":
		removed, err := m.sessions.SweepExpired(ctx)
		if err != nil {
			m.log.Error("admin cleanup failed", zap.Error(err))
			s.sendError("internal error")
			return
		}
		s.send(model.ServerFrame{
			Type:      model.EventAck,
			Message:   "cleanup_sessions",
			SessionID: s.sid,
			Data:      map[string]any{"removed": removed},
		})
	default:
		s.sendError("unknown admin command")
	}
}
