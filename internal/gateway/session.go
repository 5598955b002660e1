// ABOUTME: Websocket chat sessions: read turns, rate limit them, and stream events back
// ABOUTME: Each session is a registry.Sink with a bounded send buffer and its own writer

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/intake-gateway/internal/event"
	"github.com/2389/intake-gateway/internal/intake"
)

const sessionWriteTimeout = 10 * time.Second

// Messages returned to the client for rejected input.
const (
	msgInvalidFrame   = "Invalid message format."
	msgMissingConvID  = "conversation_id is required."
	msgMissingContent = "A message or attachment_url is required."
	msgRateLimited    = "You are sending messages too quickly. Please wait a moment."
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

// session is one connected chat client.
type session struct {
	id      string
	conn    *websocket.Conn
	send    chan event.Outbound
	done    chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, buffer int, limit rate.Limit, burst int, logger *slog.Logger) *session {
	id := uuid.New().String()
	return &session{
		id:      id,
		conn:    conn,
		send:    make(chan event.Outbound, buffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("session_id", id),
	}
}

// ID returns the session id.
func (s *session) ID() string {
	return s.id
}

// Send queues ev without blocking.
func (s *session) Send(ev event.Outbound) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- ev:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// writeLoop serializes queued events onto the socket until the session closes.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event", "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), sessionWriteTimeout)
			err = s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("write failed, closing session", "error", err)
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// close stops the writer and closes the socket. Safe to call repeatedly.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

// sessionSet tracks live sessions so shutdown can close them.
type sessionSet struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionSet() *sessionSet {
	return &sessionSet{sessions: make(map[string]*session)}
}

func (ss *sessionSet) add(s *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[s.id] = s
}

func (ss *sessionSet) remove(s *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, s.id)
}

func (ss *sessionSet) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

// closeAll closes every session concurrently and waits for them.
func (ss *sessionSet) closeAll() {
	ss.mu.Lock()
	all := make([]*session, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		all = append(all, s)
	}
	ss.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.close(websocket.StatusGoingAway, "server shutting down")
		}(s)
	}
	wg.Wait()
}

// handleWebSocket upgrades the request and runs the session read loop.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	if g.config.Sessions.MaxMessageBytes > 0 {
		conn.SetReadLimit(g.config.Sessions.MaxMessageBytes)
	}

	s := newSession(conn, g.config.Sessions.SendBuffer,
		rate.Limit(g.config.Sessions.TurnRate), g.config.Sessions.TurnBurst, g.logger)
	g.sessions.add(s)
	s.logger.Info("session connected", "remote", r.RemoteAddr)

	go s.writeLoop()

	defer func() {
		released := g.registry.Unbind(s.id)
		g.sessions.remove(s)
		s.close(websocket.StatusNormalClosure, "")
		s.logger.Info("session disconnected", "conversation_id", released)
	}()

	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			g.reject(s, msgInvalidFrame)
			continue
		}
		g.handleFrame(s, data)
	}
}

// handleFrame validates one inbound frame and starts its turn.
func (g *Gateway) handleFrame(s *session, data []byte) {
	var turn event.Turn
	if err := json.Unmarshal(data, &turn); err != nil {
		g.reject(s, msgInvalidFrame)
		return
	}
	turn.Normalize()

	switch {
	case turn.ConversationID == "":
		g.reject(s, msgMissingConvID)
		return
	case turn.Message == "" && turn.AttachmentURL == "":
		g.reject(s, msgMissingContent)
		return
	}

	if !s.limiter.Allow() {
		s.logger.Warn("turn rate limited", "conversation_id", turn.ConversationID)
		g.reject(s, msgRateLimited)
		return
	}

	if prev, ok := g.registry.Lookup(turn.ConversationID); ok && prev != s.id {
		s.logger.Info("conversation moved to this session", "conversation_id", turn.ConversationID, "previous_session", prev)
	}
	g.registry.Bind(turn.ConversationID, s)

	started := g.startTurn(func(ctx context.Context) {
		if err := g.machine.HandleTurn(ctx, turn); err != nil {
			if errors.Is(err, intake.ErrInvalidTurn) {
				s.logger.Debug("turn rejected", "error", err)
				return
			}
			s.logger.Error("turn failed", "conversation_id", turn.ConversationID, "error", err)
		}
	})
	if !started {
		g.reject(s, intake.ErrorMessage)
	}
}

// reject sends a terminal error event straight to the session.
func (g *Gateway) reject(s *session, msg string) {
	if err := s.Send(event.Error(msg)); err != nil {
		s.logger.Debug("dropping error event", "error", err)
	}
}

// startTurn runs fn in a tracked goroutine. It returns false once shutdown
// has begun waiting for turns.
func (g *Gateway) startTurn(fn func(ctx context.Context)) bool {
	g.turnsMu.Lock()
	defer g.turnsMu.Unlock()
	if g.draining {
		return false
	}
	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		fn(g.ctx)
	}()
	return true
}
