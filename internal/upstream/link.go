// ABOUTME: Maintains the single persistent connection to the fulfillment service
// ABOUTME: Handles reconnect, keepalive, retrying sends, and routing downstream events

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/intake-gateway/internal/dedupe"
	"github.com/2389/intake-gateway/internal/event"
	"github.com/2389/intake-gateway/internal/registry"
	"github.com/2389/intake-gateway/internal/store"
)

var (
	// ErrSendFailed is returned when a handoff could not be written within
	// the retry budget.
	ErrSendFailed = errors.New("upstream send failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("upstream link closed")
	// ErrNotConnected is returned when a connection vanished between
	// connecting and writing.
	ErrNotConnected = errors.New("upstream not connected")
)

// State is the connection state of the link.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Persister stores forwarded downstream events.
type Persister interface {
	AppendMessage(ctx context.Context, msg *store.Message) error
}

// Deliverer routes events to the conversation's live session.
type Deliverer interface {
	Deliver(conversationID string, ev event.Outbound) registry.Outcome
}

// Config holds link timing. Zero values take the defaults below.
type Config struct {
	ConnectTimeout time.Duration // default 5s
	RetryDelay     time.Duration // default 3s
	PingInterval   time.Duration // default 30s
	PingTimeout    time.Duration // default 10s
	SendTimeout    time.Duration // default 10s
	SendRetryPause time.Duration // default 1s
	SendAttempts   int           // default 3
	PersistTimeout time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.SendRetryPause <= 0 {
		c.SendRetryPause = time.Second
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

// connection pairs a Conn with the signal that it has been dropped.
type connection struct {
	conn Conn
	done chan struct{}
	once sync.Once
}

// Link owns the one connection to the fulfillment service. Create it with New,
// call Start to run the reconnect supervisor, and Close to shut it down.
type Link struct {
	cfg    Config
	dialer Dialer
	store  Persister
	out    Deliverer
	seen   *dedupe.Cache
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	current *connection
	closed  bool

	connects singleflight.Group
	lost     chan struct{}

	activeMu sync.RWMutex
	active   map[string]string // conversation id -> record id

	started   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Link. seen may be nil to disable replay suppression.
func New(cfg Config, dialer Dialer, persister Persister, out Deliverer, seen *dedupe.Cache, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		store:  persister,
		out:    out,
		seen:   seen,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		lost:   make(chan struct{}, 1),
		active: make(map[string]string),
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start launches the supervisor that keeps the link connected.
// Calling it more than once has no effect.
func (l *Link) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.wg.Add(1)
	go l.supervise()
}

// supervise reconnects whenever the link is down, waiting RetryDelay between
// failed attempts.
func (l *Link) supervise() {
	defer l.wg.Done()

	for {
		if l.State() != Connected {
			if err := l.Connect(l.ctx); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				l.logger.Warn("connect to fulfillment service failed, retrying",
					"error", err,
					"retry_in", l.cfg.RetryDelay,
				)
				select {
				case <-time.After(l.cfg.RetryDelay):
					continue
				case <-l.ctx.Done():
					return
				}
			}
		}

		select {
		case <-l.lost:
		case <-l.ctx.Done():
			return
		}
	}
}

// Connect establishes the connection if it is not already up. Concurrent
// callers share one dial attempt. The caller's ctx only bounds how long it
// waits; the shared attempt is bounded by ConnectTimeout.
func (l *Link) Connect(ctx context.Context) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	if l.State() == Connected {
		return nil
	}

	ch := l.connects.DoChan("connect", func() (any, error) {
		return nil, l.dial()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) dial() error {
	l.mu.Lock()
	if l.state == Connected {
		l.mu.Unlock()
		return nil
	}
	l.state = Connecting
	l.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(l.ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dialer.Dial(dialCtx)
	if err != nil {
		l.mu.Lock()
		l.state = Disconnected
		l.mu.Unlock()
		return fmt.Errorf("dialing fulfillment service: %w", err)
	}

	c := &connection{conn: conn, done: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.state = Disconnected
		l.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	l.current = c
	l.state = Connected
	l.wg.Add(2)
	l.mu.Unlock()

	go l.readLoop(c)
	go l.keepalive(c)

	l.logger.Info("=== UPSTREAM CONNECTED ===")
	return nil
}

// drop tears down c once. If c is still the current connection the link
// becomes Disconnected and the supervisor is woken.
func (l *Link) drop(c *connection, reason error) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		l.mu.Lock()
		wasCurrent := l.current == c
		if wasCurrent {
			l.current = nil
			l.state = Disconnected
		}
		l.mu.Unlock()

		if !wasCurrent {
			return
		}
		if l.ctx.Err() != nil {
			l.logger.Info("upstream connection closed")
			return
		}
		l.logger.Warn("=== UPSTREAM DISCONNECTED ===", "error", reason)
		select {
		case l.lost <- struct{}{}:
		default:
		}
	})
}

func (l *Link) currentConn() *connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Link) readLoop(c *connection) {
	defer l.wg.Done()

	for {
		data, err := c.conn.Read(l.ctx)
		if err != nil {
			l.drop(c, fmt.Errorf("reading: %w", err))
			return
		}
		l.dispatch(data)
	}
}

func (l *Link) keepalive(c *connection) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, l.cfg.PingTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				l.drop(c, fmt.Errorf("keepalive ping: %w", err))
				return
			}
		}
	}
}

// Send submits a completed request. When the link is down it reconnects,
// making up to SendAttempts tries with SendRetryPause between them.
func (l *Link) Send(ctx context.Context, h Handoff) error {
	data, err := encodeFrame(EventSubmitRequest, h)
	if err != nil {
		return fmt.Errorf("encoding handoff: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.SendAttempts; attempt++ {
		if l.ctx.Err() != nil {
			return ErrClosed
		}

		lastErr = l.sendOnce(ctx, data)
		if lastErr == nil {
			l.logger.Info("handoff sent to fulfillment service",
				"conversation_id", h.ConversationID,
				"attempt", attempt,
			)
			return nil
		}

		l.logger.Warn("handoff attempt failed",
			"conversation_id", h.ConversationID,
			"attempt", attempt,
			"max_attempts", l.cfg.SendAttempts,
			"error", lastErr,
		)

		if attempt < l.cfg.SendAttempts {
			select {
			case <-time.After(l.cfg.SendRetryPause):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
			case <-l.ctx.Done():
				return ErrClosed
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrSendFailed, l.cfg.SendAttempts, lastErr)
}

func (l *Link) sendOnce(ctx context.Context, data []byte) error {
	c := l.currentConn()
	if c == nil {
		if err := l.Connect(ctx); err != nil {
			return err
		}
		if c = l.currentConn(); c == nil {
			return ErrNotConnected
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()

	if err := c.conn.Write(writeCtx, data); err != nil {
		l.drop(c, fmt.Errorf("writing: %w", err))
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Track marks conversationID as awaiting fulfillment events, which will be
// recorded against recordID.
func (l *Link) Track(conversationID, recordID string) {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	l.active[conversationID] = recordID
}

// Forget stops forwarding events for conversationID.
func (l *Link) Forget(conversationID string) {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	delete(l.active, conversationID)
}

// Active returns the number of conversations awaiting fulfillment events.
func (l *Link) Active() int {
	l.activeMu.RLock()
	defer l.activeMu.RUnlock()
	return len(l.active)
}

func (l *Link) activeRecord(conversationID string) (string, bool) {
	l.activeMu.RLock()
	defer l.activeMu.RUnlock()
	id, ok := l.active[conversationID]
	return id, ok
}

func (l *Link) dispatch(data []byte) {
	ev, err := DecodeDownstream(data)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			l.logger.Debug("ignoring downstream event", "error", err)
		} else {
			l.logger.Warn("dropping malformed downstream frame", "error", err)
		}
		return
	}
	l.handle(ev)
}

func (l *Link) handle(ev Downstream) {
	conversationID := ev.Conversation()

	recordID, ok := l.activeRecord(conversationID)
	if !ok {
		l.logger.Info("dropping event for inactive conversation",
			"conversation_id", conversationID,
			"event_id", ev.ID(),
		)
		return
	}

	if id := ev.ID(); id != "" && l.seen != nil && l.seen.Seen(conversationID+":"+id) {
		l.logger.Debug("dropping replayed event", "conversation_id", conversationID, "event_id", id)
		return
	}

	switch e := ev.(type) {
	case *SearchStatus:
		l.out.Deliver(conversationID, event.SearchStatus(e.Content))

	case *SearchResults:
		done := e.IsDone()
		l.persist(recordID, conversationID, e.EventID, e.Content, e.Products)
		l.out.Deliver(conversationID, event.SearchResults(e.Content, e.Products, done))
		if done {
			l.Forget(conversationID)
		}

	case *SearchError:
		l.persist(recordID, conversationID, e.EventID, e.Content, nil)
		l.out.Deliver(conversationID, event.SearchError(e.Content))
		l.Forget(conversationID)
	}
}

// persist records a forwarded event as an assistant message. Events with an
// id get a stable message id so a replay beyond the dedupe window is still a
// no-op in the store.
func (l *Link) persist(recordID, conversationID, eventID, content string, products []json.RawMessage) {
	msgID := uuid.New().String()
	if eventID != "" {
		msgID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(conversationID+":"+eventID)).String()
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.PersistTimeout)
	defer cancel()

	err := l.store.AppendMessage(ctx, &store.Message{
		ID:             msgID,
		ConversationID: recordID,
		Sender:         store.SenderAssistant,
		Type:           store.MessageTypeText,
		Content:        content,
		Products:       products,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		l.logger.Error("failed to persist downstream event",
			"conversation_id", conversationID,
			"record_id", recordID,
			"error", err,
		)
	}
}

// Close stops the supervisor, closes the connection and waits for the link's
// goroutines. It is safe to call multiple times.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		c := l.current
		l.mu.Unlock()

		l.cancel()
		if c != nil {
			l.drop(c, ErrClosed)
		}
		l.wg.Wait()
		l.logger.Info("upstream link closed")
	})
	return nil
}
