package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection timing constants, unchanged from the teacher's server.go:
// pongWait is reduced from the 60s default industry baselines use so a
// dead peer is detected within one missed ping; pingPeriod must stay
// below pongWait so a ping always lands before the deadline expires.
const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleWebSocket is the HTTP handler for the single /ws endpoint: CORS
// check, handshake admission (per-address + global rate limit, resource
// admitter), then the gobwas/ws upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !CORSAllowed(r, s.cfg.CORSOrigins) {
		s.metrics.ConnectionsFailed.WithLabelValues("cors_rejected").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	addr := sourceAddr(r)
	if !s.handshakeLimiter.Allow(addr) {
		s.metrics.ConnectionsFailed.WithLabelValues("handshake_rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.resourceAdmitter.Admit(); !ok {
		s.metrics.ConnectionsFailed.WithLabelValues(reason).Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	case <-time.After(5 * time.Second):
		s.metrics.ConnectionsFailed.WithLabelValues("at_capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		s.metrics.ConnectionsFailed.WithLabelValues("upgrade_failed").Inc()
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	// (implicit) connect, spec.md §4.5: attempt an identity check against
	// the external auth collaborator, silently falling back to guest.
	// Never fails the handshake — the guest path joins AUTHED directly.
	identity := s.authenticator.Authenticate(r.Context(), bearerToken(r))

	client := s.connPool.Get()
	client.ID = s.newSocketID()
	client.conn = conn
	client.RemoteIP = addr
	client.AccountID = identity.AccountID
	client.Guest = identity.Guest

	s.clients.Store(client.ID, client)
	atomic.AddInt64(&s.clientCount, 1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	go s.writePump(client)
	go s.readPump(client)
}

// readPump is the socket's single long-lived reader, per spec.md §9's
// design note: every inbound frame for this socket is handled
// sequentially here, so join/sync/send state transitions never race with
// each other on the same socket.
func (s *Server) readPump(c *Client) {
	defer s.disconnectClient(c, "read_loop_ended")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleFrame(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump is the socket's single writer, serializing outbound frames
// and periodic pings so two goroutines never write to the same conn at
// once.
func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() {
			if c.conn != nil {
				c.conn.Close()
			}
		})
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// disconnectClient implements the implicit-disconnect side effects from
// spec.md §4.5: clear the delay queue, drop rate-limit state, best-effort
// disconnectSession, removeUser, broadcast user-left.
func (s *Server) disconnectClient(c *Client, reason string) {
	s.clients.Delete(c.ID)
	atomic.AddInt64(&s.clientCount, -1)
	s.metrics.ConnectionsActive.Dec()
	select {
	case <-s.connSem:
	default:
	}

	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})

	s.delayQueue.ClearQueue(c.ID)
	s.msgLimiters.Remove(c.ID)

	if c.SessionID != "" {
		go func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.store.DisconnectSession(ctx, sessionID); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("async disconnectSession failed")
				s.metrics.StoreAsyncFailures.Inc()
			}
		}(c.SessionID)
	}

	if c.RoomCode != "" {
		result := s.registry.RemoveUser(c.RoomCode, c.ID)
		s.broadcastToRoom(c.RoomCode, EventUserLeft, UserLeftEvent{SocketID: c.ID}, c.ID)
		for _, u := range result.ChangedUsers {
			s.broadcastToRoom(c.RoomCode, EventUserSynced, UserSyncedEvent{User: toUserView(u)}, "")
		}
		if result.RoomEmptied {
			s.metrics.RoomsActive.Set(float64(s.registry.RoomCount()))
		}
		s.metrics.UsersActive.Dec()
	}

	s.connPool.Put(c)
	s.logger.Debug().Str("socket_id", c.ID).Str("reason", reason).Msg("client disconnected")
}

// EmitDelayed implements delayqueue.Emitter: the dispatcher hands back a
// ready payload for a socket id, and this writes it to that socket's send
// buffer if it's still connected.
func (s *Server) EmitDelayed(socketID string, payload any) {
	v, ok := s.clients.Load(socketID)
	if !ok {
		return
	}
	c := v.(*Client)
	frame, ok := payload.(Frame)
	if !ok {
		return
	}
	s.writeFrame(c, frame)
}

func (s *Server) writeFrame(c *Client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	if !c.trySend(data) {
		if c.strikes() >= slowClientStrikeLimit {
			go s.disconnectClient(c, "slow_client")
		}
	}
}

func (s *Server) sendError(c *Client, kind string, message string) {
	s.logger.Debug().Str("socket_id", c.ID).Str("kind", kind).Msg(message)
	s.writeFrame(c, Frame{Event: EventError, Data: ErrorEvent{Message: message}})
}

// broadcastToRoom sends event/data to every live user in roomCode except
// exceptSocketID (pass "" to exempt no one).
func (s *Server) broadcastToRoom(roomCode, event string, data any, exceptSocketID string) {
	for _, u := range s.registry.Users(roomCode) {
		if u.SocketID == exceptSocketID {
			continue
		}
		v, ok := s.clients.Load(u.SocketID)
		if !ok {
			continue
		}
		s.writeFrame(v.(*Client), Frame{Event: event, Data: data})
	}
}
