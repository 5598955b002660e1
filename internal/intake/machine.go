// ABOUTME: Slot-filling conversation state machine driving each user turn
// ABOUTME: Interprets, commits atomically, replies, and hands completed requests upstream

package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/event"
	"github.com/2389/intake-gateway/internal/interpreter"
	"github.com/2389/intake-gateway/internal/registry"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/upstream"
)

// ErrorMessage is the apology shown when a turn cannot be processed.
const ErrorMessage = "An error occurred while processing your request. Please try again."

// ErrInvalidTurn is returned for turns without a conversation id or content.
var ErrInvalidTurn = errors.New("invalid turn")

// ErrUnsupportedProvider is returned for turns naming a provider with no
// registered interpreter. It wraps ErrInvalidTurn.
var ErrUnsupportedProvider = fmt.Errorf("%w: unsupported provider", ErrInvalidTurn)

// Interpreter reads a user turn in context.
type Interpreter interface {
	Interpret(ctx context.Context, req interpreter.Request) (interpreter.Result, error)
}

// Deliverer sends events to the conversation's live session.
type Deliverer interface {
	Deliver(conversationID string, ev event.Outbound) registry.Outcome
}

// Dispatcher hands completed requests to the fulfillment service.
type Dispatcher interface {
	Track(conversationID, recordID string)
	Forget(conversationID string)
	Send(ctx context.Context, h upstream.Handoff) error
}

// Extractor pulls text out of an attachment. It is optional.
type Extractor interface {
	Extract(ctx context.Context, attachmentURL string, kind store.MessageType) (string, error)
}

// Config tunes the machine. Zero values take defaults.
type Config struct {
	InterpretTimeout time.Duration // default 30s
	HistoryLimit     int           // default 20
	DefaultLanguage  string        // default "en"
	DefaultProvider  string        // default "gemini"
	DefaultModel     string        // default interpreter.DefaultModel
}

func (c Config) withDefaults() Config {
	if c.InterpretTimeout <= 0 {
		c.InterpretTimeout = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = interpreter.ProviderGemini
	}
	if c.DefaultModel == "" {
		c.DefaultModel = interpreter.DefaultModel
	}
	return c
}

// Machine processes turns. Turns for the same conversation id run one at a
// time; different ids run in parallel.
type Machine struct {
	cfg       Config
	store     store.Store
	interps   map[string]Interpreter
	out       Deliverer
	upstream  Dispatcher
	extractor Extractor
	locks     *keyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Machine. interps maps provider names to interpreters; the
// default provider must be among them.
func New(cfg Config, s store.Store, interps map[string]Interpreter, out Deliverer, dispatcher Dispatcher, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:      cfg.withDefaults(),
		store:    s,
		interps:  interps,
		out:      out,
		upstream: dispatcher,
		locks:    newKeyedMutex(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// meta is the effective channel metadata for one turn.
type meta struct {
	language string
	provider string
	model    string
}

// HandleTurn processes one user turn end to end. Every accepted turn ends
// with exactly one event carrying done=true, either on the session directly
// or, after a handoff, from the fulfillment service.
func (m *Machine) HandleTurn(ctx context.Context, turn event.Turn) error {
	turn.Normalize()
	if turn.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidTurn)
	}
	if turn.Message == "" && turn.AttachmentURL == "" {
		return fmt.Errorf("%w: message or attachment_url is required", ErrInvalidTurn)
	}
	if turn.Provider != "" {
		if _, ok := m.interps[turn.Provider]; !ok {
			m.out.Deliver(turn.ConversationID, event.Error(fmt.Sprintf("Provider %q is not available.", turn.Provider)))
			return fmt.Errorf("%w: %q", ErrUnsupportedProvider, turn.Provider)
		}
	}

	unlock := m.locks.Lock(turn.ConversationID)
	defer unlock()

	logger := m.logger.With("conversation_id", turn.ConversationID)

	conv, err := m.resolve(ctx, turn)
	if err != nil {
		m.out.Deliver(turn.ConversationID, event.Error(ErrorMessage))
		return fmt.Errorf("resolving conversation: %w", err)
	}
	md := m.metaFor(conv, turn)
	interp, ok := m.interps[md.provider]
	if !ok {
		// Record carries a provider that is no longer configured.
		logger.Warn("falling back to default provider", "record_provider", md.provider)
		md.provider, md.model = m.cfg.DefaultProvider, m.cfg.DefaultModel
		interp = m.interps[md.provider]
	}

	history, err := m.store.GetMessages(ctx, conv.ID, m.cfg.HistoryLimit)
	if err != nil {
		m.out.Deliver(turn.ConversationID, event.Error(ErrorMessage))
		return fmt.Errorf("loading history: %w", err)
	}

	kind := messageType(turn.AttachmentURL)
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Sender:         store.SenderUser,
		Type:           kind,
		Content:        turn.Message,
		AttachmentURL:  turn.AttachmentURL,
		CreatedAt:      m.now(),
	}

	req := interpreter.Request{
		Message:  m.composeText(ctx, turn, kind, logger),
		History:  history,
		Stage:    conv.Stage,
		Slots:    conv.Slots.Clone(),
		Language: md.language,
		Model:    md.model,
	}

	res, err := m.interpret(ctx, interp, req)
	if err != nil {
		logger.Warn("interpreter failed", "error", err, "stage", conv.Stage)
		return m.failTurn(ctx, conv, userMsg)
	}

	slots := mergeSlots(conv.Slots, res.Slots)
	stage, ready := deriveStage(slots, res)

	at := m.now()
	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Sender:         store.SenderAssistant,
		Type:           store.MessageTypeText,
		Content:        res.Response,
		CreatedAt:      at,
	}

	err = m.store.CommitTurn(ctx, &store.Turn{
		ConversationID: conv.ID,
		Messages:       []*store.Message{userMsg, reply},
		Slots:          slots,
		Stage:          stage,
		Complete:       ready,
		At:             at,
	})
	if err != nil {
		m.out.Deliver(turn.ConversationID, event.Error(ErrorMessage))
		return fmt.Errorf("committing turn: %w", err)
	}

	logger.Info("turn processed", "record_id", conv.ID, "from", conv.Stage, "to", stage, "ready", ready)

	if !ready {
		m.out.Deliver(turn.ConversationID, event.Text(res.Response, true))
		return nil
	}

	m.out.Deliver(turn.ConversationID, event.Text(res.Response, false))
	m.handoff(ctx, conv, turn, slots, md, logger)
	return nil
}

// interpret bounds the interpreter call by InterpretTimeout even when the
// interpreter ignores its context. A late result is discarded.
func (m *Machine) interpret(ctx context.Context, interp Interpreter, req interpreter.Request) (interpreter.Result, error) {
	ictx, cancel := context.WithTimeout(ctx, m.cfg.InterpretTimeout)
	defer cancel()

	type outcome struct {
		res interpreter.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := interp.Interpret(ictx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ictx.Done():
		return interpreter.Result{}, fmt.Errorf("interpreting turn: %w", ictx.Err())
	}
}

// resolve returns the active record for the turn's conversation id, starting
// a new intake cycle when there is none.
func (m *Machine) resolve(ctx context.Context, turn event.Turn) (*store.Conversation, error) {
	conv, err := m.store.GetActiveConversation(ctx, turn.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	md := m.metaFor(nil, turn)
	conv = &store.Conversation{
		ID:         uuid.New().String(),
		ExternalID: turn.ConversationID,
		Status:     store.StatusActive,
		Stage:      store.StageProduct,
		Language:   md.language,
		Provider:   md.provider,
		Model:      md.model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = m.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrActiveConversationExists) {
		return m.store.GetActiveConversation(ctx, turn.ConversationID)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("started intake", "conversation_id", conv.ExternalID, "record_id", conv.ID)
	return conv, nil
}

// metaFor prefers values on the turn, then the record, then defaults.
func (m *Machine) metaFor(conv *store.Conversation, turn event.Turn) meta {
	md := meta{language: turn.Language, provider: turn.Provider, model: turn.Model}
	if conv != nil {
		md.language = firstNonEmpty(md.language, conv.Language)
		md.provider = firstNonEmpty(md.provider, conv.Provider)
		md.model = firstNonEmpty(md.model, conv.Model)
	}
	md.language = firstNonEmpty(md.language, m.cfg.DefaultLanguage)
	md.provider = firstNonEmpty(md.provider, m.cfg.DefaultProvider)
	md.model = firstNonEmpty(md.model, m.cfg.DefaultModel)
	return md
}

func (m *Machine) composeText(ctx context.Context, turn event.Turn, kind store.MessageType, logger *slog.Logger) string {
	if turn.AttachmentURL == "" {
		return turn.Message
	}

	parts := []string{}
	if turn.Message != "" {
		parts = append(parts, turn.Message)
	}

	extracted := ""
	if m.extractor != nil {
		text, err := m.extractor.Extract(ctx, turn.AttachmentURL, kind)
		if err != nil {
			logger.Warn("attachment extraction failed", "error", err, "type", kind)
		}
		extracted = strings.TrimSpace(text)
	}

	if extracted != "" {
		parts = append(parts, fmt.Sprintf("Attached %s content:\n%s", kind, extracted))
	} else {
		parts = append(parts, fmt.Sprintf("[Attached %s: %s]", kind, turn.AttachmentURL))
	}
	return strings.Join(parts, "\n\n")
}

// failTurn records the user message with an apology, keeps slots and stage
// as they were, and sends one terminal error event.
func (m *Machine) failTurn(ctx context.Context, conv *store.Conversation, userMsg *store.Message) error {
	at := m.now()
	err := m.store.CommitTurn(ctx, &store.Turn{
		ConversationID: conv.ID,
		Messages: []*store.Message{userMsg, {
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Sender:         store.SenderAssistant,
			Type:           store.MessageTypeText,
			Content:        ErrorMessage,
			CreatedAt:      at,
		}},
		Slots: conv.Slots,
		Stage: conv.Stage,
		At:    at,
	})

	m.out.Deliver(conv.ExternalID, event.Error(ErrorMessage))
	if err != nil {
		return fmt.Errorf("recording failed turn: %w", err)
	}
	return nil
}

func (m *Machine) handoff(ctx context.Context, conv *store.Conversation, turn event.Turn, slots store.Slots, md meta, logger *slog.Logger) {
	m.upstream.Track(conv.ExternalID, conv.ID)

	err := m.upstream.Send(ctx, upstream.Handoff{
		ConversationID: conv.ExternalID,
		Request:        slots,
		Message:        turn.Message,
		Language:       md.language,
		Provider:       md.provider,
		Model:          md.model,
	})
	if err == nil {
		logger.Info("request handed off", "record_id", conv.ID)
		return
	}

	logger.Error("handoff failed", "record_id", conv.ID, "error", err)
	m.upstream.Forget(conv.ExternalID)

	perr := m.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Sender:         store.SenderAssistant,
		Type:           store.MessageTypeText,
		Content:        ErrorMessage,
		CreatedAt:      m.now(),
	})
	if perr != nil {
		logger.Error("failed to record handoff failure", "record_id", conv.ID, "error", perr)
	}
	m.out.Deliver(conv.ExternalID, event.Error(ErrorMessage))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
