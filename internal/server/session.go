package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lobbyrelay/lobbyrelay/internal/auth"
	"github.com/lobbyrelay/lobbyrelay/internal/protocol"
	"github.com/lobbyrelay/lobbyrelay/internal/relay"
)

// Session lifecycle states. Transitions only move forward; Closed is
// terminal.
const (
	stateConnecting int32 = iota
	stateAuthenticating
	stateAuthenticated
	stateClosed
)

// Session owns one client connection: its lifecycle state, the inbound frame
// pump, and the bounded outbound queue drained by the write pump. Inbound
// frames are processed strictly in arrival order by the one read loop.
type Session struct {
	id   string
	srv  *LobbyServer
	conn *websocket.Conn

	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	overflow  atomic.Int32
	closeOnce sync.Once

	mu          sync.RWMutex
	identity    auth.Identity
	displayName string
	connectedAt time.Time
}

var _ relay.Target = (*Session)(nil)

func (s *LobbyServer) newSession(parent context.Context, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(parent)
	sess := &Session{
		id:     uuid.NewString(),
		srv:    s,
		conn:   conn,
		sendCh: make(chan []byte, s.cfg.Session.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.connectedAt = time.Now()
	sess.state.Store(stateConnecting)
	return sess
}

// SessionID returns the process-unique id assigned at connect time.
func (s *Session) SessionID() string {
	return s.id
}

// UserID returns the bound identity, empty until Authenticated.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.UserID
}

// Deliver enqueues a relayed chat event without blocking the fan-out loop.
func (s *Session) Deliver(ev relay.ChatEvent) {
	if s.state.Load() != stateAuthenticated {
		return
	}
	s.enqueue(protocol.EncodeChat(ev.Room, ev.SenderID, ev.SenderName, ev.Text, ev.SentAt))
}

// DeliverFailure reports an exhausted publish back to the originating
// session as a delivery error; the session's other activity is unaffected.
func (s *Session) DeliverFailure(ev relay.ChatEvent, _ error) {
	s.srv.metrics.recordCommandError(protocol.CodeRelayUnavailable)
	s.enqueue(protocol.EncodeErrorFrame(protocol.CodeRelayUnavailable, "chat to "+ev.Room+" was not delivered"))
}

// enqueue is non-blocking. Persistent overflow is backpressure the engine
// cannot absorb: after queueFullLimit consecutive drops the session is
// force-closed so it cannot stall fan-out or grow unbounded memory.
func (s *Session) enqueue(frame []byte) {
	if s.state.Load() == stateClosed {
		return
	}
	select {
	case s.sendCh <- frame:
		s.overflow.Store(0)
	default:
		s.srv.metrics.recordQueueOverflow()
		if s.overflow.Add(1) >= int32(s.srv.cfg.Session.QueueFullLimit) {
			s.srv.closeSession(s, websocket.CloseTryAgainLater, "backpressure")
		}
	}
}

func (s *Session) setIdentity(id auth.Identity, display string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	s.displayName = display
}

func (s *Session) display() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// readLoop consumes inbound frames until the connection dies or a fatal
// protocol/auth condition closes the session. It is the single point where
// the Authenticated-only dispatch invariant is enforced.
func (s *LobbyServer) readLoop(sess *Session, preAuthToken string) {
	sess.conn.SetReadLimit(s.cfg.Session.MaxFrameBytes)

	// A token presented on the upgrade request counts as the auth frame
	// arriving at connect time.
	if preAuthToken != "" {
		sess.state.Store(stateAuthenticating)
		if !s.authenticate(sess, preAuthToken) {
			return
		}
	}

	if sess.state.Load() != stateAuthenticated {
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.AuthTimeout))
	}

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			s.handleReadError(sess, err)
			return
		}
		if fatal := s.handleFrame(sess, raw); fatal {
			return
		}
	}
}

func (s *LobbyServer) handleReadError(sess *Session, err error) {
	if sess.state.Load() != stateAuthenticated {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.metrics.recordAuthFailure("timeout")
			s.closeSession(sess, websocket.ClosePolicyViolation, "auth_timeout")
			return
		}
		s.closeSession(sess, websocket.CloseNormalClosure, "pre_auth_disconnect")
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("session transport error", zap.String("session_id", sess.id), zap.Error(err))
	}
	s.closeSession(sess, websocket.CloseNormalClosure, "remote_close")
}

// handleFrame routes one inbound frame. The return value reports a fatal
// condition after which the read loop must stop.
func (s *LobbyServer) handleFrame(sess *Session, raw []byte) bool {
	start := time.Now()
	cmd, perr := protocol.Parse(raw)

	if sess.state.Load() != stateAuthenticated {
		if sess.state.Load() == stateConnecting {
			sess.state.Store(stateAuthenticating)
		}
		// The handshake admits exactly one shape of first frame.
		if perr != nil || cmd.Type != protocol.CmdAuth {
			s.metrics.recordAuthFailure("bad_handshake")
			sess.enqueue(protocol.EncodeErrorFrame(protocol.CodeUnauthorized, "first frame must be auth"))
			s.closeSession(sess, websocket.ClosePolicyViolation, "bad_handshake")
			return true
		}
		ok := s.authenticate(sess, cmd.Token)
		s.metrics.observeLatency("auth", time.Since(start))
		return !ok
	}

	if perr != nil {
		// Protocol-level user error: report and keep the connection open.
		s.metrics.recordCommandError(protocol.CodeProtocolError)
		sess.enqueue(protocol.EncodeErrorFrame(protocol.CodeProtocolError, perr.Error()))
		return false
	}

	fatal := s.dispatch(sess, cmd)
	s.metrics.observeLatency(string(cmd.Type), time.Since(start))
	return fatal
}

func (s *LobbyServer) dispatch(sess *Session, cmd protocol.Command) bool {
	switch cmd.Type {
	case protocol.CmdAuth:
		// Mid-session re-authentication: verification is pure, so rerunning
		// it is safe; a failed re-auth must not leave a stale identity live.
		identity, err := s.gate.Verify(cmd.Token)
		if err != nil {
			s.metrics.recordAuthFailure(authReason(err))
			sess.enqueue(protocol.EncodeErrorFrame(protocol.CodeUnauthorized, "re-authentication failed"))
			s.closeSession(sess, websocket.ClosePolicyViolation, "reauth_failed")
			return true
		}
		sess.setIdentity(identity, s.resolveDisplay(sess.ctx, identity.UserID))
		s.metrics.recordCommand("auth")

	case protocol.CmdJoin:
		s.registry.Join(sess.id, cmd.Room)
		s.metrics.recordCommand("join")

	case protocol.CmdLeave:
		s.registry.Leave(sess.id, cmd.Room)
		s.metrics.recordCommand("leave")

	case protocol.CmdPing:
		sess.enqueue(protocol.EncodePong())
		s.metrics.recordCommand("ping")

	case protocol.CmdChat:
		if !s.registry.InRoom(sess.id, cmd.Room) {
			s.metrics.recordCommandError(protocol.CodeNotInRoom)
			sess.enqueue(protocol.EncodeErrorFrame(protocol.CodeNotInRoom, "join "+cmd.Room+" before chatting"))
			return false
		}
		ev := relay.ChatEvent{
			Room:       cmd.Room,
			SenderID:   sess.UserID(),
			SenderName: sess.display(),
			Text:       cmd.Text,
		}
		if err := s.relay.Publish(ev, sess); err != nil {
			s.metrics.recordCommandError(protocol.CodeRelayUnavailable)
			sess.enqueue(protocol.EncodeErrorFrame(protocol.CodeRelayUnavailable, "relay unavailable, try again"))
			return false
		}
		s.metrics.recordCommand("chat")
	}
	return false
}

// authenticate verifies the token, binds the identity, registers the session
// and completes the handshake. Reports success; on failure the session is
// already closed.
func (s *LobbyServer) authenticate(sess *Session, token string) bool {
	identity, err := s.gate.Verify(token)
	if err != nil {
		s.metrics.recordAuthFailure(authReason(err))
		sess.enqueue(protocol.EncodeErrorFrame(protocol.CodeUnauthorized, authReason(err)))
		s.closeSession(sess, websocket.ClosePolicyViolation, "auth_rejected")
		return false
	}

	sess.setIdentity(identity, s.resolveDisplay(sess.ctx, identity.UserID))

	if err := s.registry.Register(sess); err != nil {
		s.log.Error("register session", zap.String("session_id", sess.id), zap.Error(err))
		s.closeSession(sess, websocket.CloseInternalServerErr, "register_failed")
		return false
	}
	sess.state.Store(stateAuthenticated)

	// Switch from the handshake deadline to pong-based liveness.
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.PongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.PongTimeout))
	})

	sess.enqueue(protocol.EncodeWelcome(sess.id, identity.UserID, sess.display()))
	s.log.Info("session authenticated",
		zap.String("session_id", sess.id),
		zap.String("user", identity.UserID))
	return true
}

func (s *LobbyServer) resolveDisplay(ctx context.Context, userID string) string {
	if s.dir == nil {
		return userID
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	profile, err := s.dir.Resolve(ctx, userID)
	if err != nil || profile.DisplayName == "" {
		// Lookup failures degrade to the raw id, never block the handshake.
		return userID
	}
	return profile.DisplayName
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. One writer per connection; nothing else writes data frames.
func (s *LobbyServer) writePump(sess *Session) {
	pingPeriod := s.cfg.Session.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case frame := <-sess.sendCh:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.closeSession(sess, websocket.CloseAbnormalClosure, "write_error")
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeSession(sess, websocket.CloseAbnormalClosure, "ping_failed")
				return
			}
		}
	}
}

// closeSession is idempotent; the first caller performs teardown and later
// callers no-op. The registry entry is removed before the transport is
// released so fan-out never sees a dead session.
func (s *LobbyServer) closeSession(sess *Session, code int, cause string) {
	sess.closeOnce.Do(func() {
		sess.state.Store(stateClosed)
		s.registry.Deregister(sess.id)

		deadline := time.Now().Add(s.cfg.Session.WriteTimeout)
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, cause), deadline)

		sess.cancel()
		_ = sess.conn.Close()

		s.removeSession(sess.id)
		s.metrics.decSession()
		switch cause {
		case "backpressure", "auth_timeout", "auth_rejected", "reauth_failed", "bad_handshake":
			s.metrics.recordForcedClose(cause)
		}
		s.log.Info("session closed",
			zap.String("session_id", sess.id),
			zap.String("cause", cause))
	})
}

func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	case errors.Is(err, auth.ErrBadSignature):
		return "bad-signature"
	default:
		return "malformed"
	}
}
