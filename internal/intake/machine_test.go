// ABOUTME: Tests for the intake state machine using fake collaborators
// ABOUTME: Covers slot collection, handoff, failure paths and per-conversation ordering

package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/intake-gateway/internal/event"
	"github.com/2389/intake-gateway/internal/interpreter"
	"github.com/2389/intake-gateway/internal/registry"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/upstream"
)

type interpretFunc func(ctx context.Context, req interpreter.Request) (interpreter.Result, error)

// fakeInterpreter replays scripted results and records requests.
type fakeInterpreter struct {
	mu       sync.Mutex
	fn       interpretFunc
	requests []interpreter.Request
}

func (f *fakeInterpreter) Interpret(ctx context.Context, req interpreter.Request) (interpreter.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeInterpreter) last() interpreter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeInterpreter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func scripted(results ...interpreter.Result) interpretFunc {
	var i atomic.Int32
	return func(ctx context.Context, req interpreter.Request) (interpreter.Result, error) {
		n := int(i.Add(1)) - 1
		if n >= len(results) {
			return interpreter.Result{}, errors.New("script exhausted")
		}
		return results[n], nil
	}
}

type fakeDeliverer struct {
	mu     sync.Mutex
	events map[string][]event.Outbound
}

func (f *fakeDeliverer) Deliver(conversationID string, ev event.Outbound) registry.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string][]event.Outbound)
	}
	f.events[conversationID] = append(f.events[conversationID], ev)
	return registry.Delivered
}

func (f *fakeDeliverer) get(conversationID string) []event.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Outbound(nil), f.events[conversationID]...)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sendErr error
	tracked map[string]string
	sent    []upstream.Handoff
	forgot  []string
}

func (f *fakeDispatcher) Track(conversationID, recordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tracked == nil {
		f.tracked = make(map[string]string)
	}
	f.tracked[conversationID] = recordID
}

func (f *fakeDispatcher) Forget(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracked, conversationID)
	f.forgot = append(f.forgot, conversationID)
}

func (f *fakeDispatcher) Send(ctx context.Context, h upstream.Handoff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, h)
	return nil
}

type fixture struct {
	machine  *Machine
	store    *store.MockStore
	interp   *fakeInterpreter
	out      *fakeDeliverer
	dispatch *fakeDispatcher
}

func newFixture(fn interpretFunc) *fixture {
	f := &fixture{
		store:    store.NewMockStore(),
		interp:   &fakeInterpreter{fn: fn},
		out:      &fakeDeliverer{},
		dispatch: &fakeDispatcher{},
	}
	f.machine = New(Config{InterpretTimeout: time.Second}, f.store, map[string]Interpreter{
		interpreter.ProviderGemini: f.interp,
	}, f.out, f.dispatch, nil)
	return f
}

func (f *fixture) turn(t *testing.T, conversationID, message string) {
	t.Helper()
	require.NoError(t, f.machine.HandleTurn(context.Background(), event.Turn{
		ConversationID: conversationID,
		Message:        message,
	}))
}

func (f *fixture) active(t *testing.T, conversationID string) *store.Conversation {
	t.Helper()
	conv, err := f.store.GetActiveConversation(context.Background(), conversationID)
	require.NoError(t, err)
	return conv
}

func str(v string) *string { return &v }
func num(v int) *int       { return &v }

func TestHandleTurn_FirstTurnStartsIntake(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{
		Response: "How many laptops do you need?",
		Stage:    store.StageQuantity,
		Slots:    store.Slots{Product: str("laptops")},
	}))

	f.turn(t, "c1", "I need laptops")

	conv := f.active(t, "c1")
	assert.Equal(t, store.StageQuantity, conv.Stage)
	assert.Equal(t, "laptops", *conv.Slots.Product)
	assert.Equal(t, "en", conv.Language)
	assert.Equal(t, "gemini", conv.Provider)

	events := f.out.get("c1")
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeText, events[0].Type)
	assert.True(t, events[0].Done)
	assert.Equal(t, "How many laptops do you need?", events[0].Content)

	msgs, err := f.store.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, store.SenderAssistant, msgs[1].Sender)
}

func TestHandleTurn_AllRequiredInOneMessageSkipsToOptional(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{
		Response: "Any optional details?",
		Stage:    store.StageOptional,
		Slots: store.Slots{
			Product:      str("laptops"),
			Quantity:     num(25),
			SupplierType: str("Both"),
		},
	}))

	f.turn(t, "c1", "I need 25 laptops from both private and public suppliers")

	conv := f.active(t, "c1")
	assert.Equal(t, store.StageOptional, conv.Stage)
	assert.Equal(t, 25, *conv.Slots.Quantity)
	assert.Equal(t, "both", *conv.Slots.SupplierType)
	assert.Empty(t, f.dispatch.sent)
}

func TestHandleTurn_StageFollowsFirstMissingRequiredSlot(t *testing.T) {
	// The interpreter claims completion, but supplier_type is missing.
	f := newFixture(scripted(interpreter.Result{
		Response:        "Done!",
		Stage:           store.StageComplete,
		ReadyForHandoff: true,
		Slots:           store.Slots{Product: str("chairs"), Quantity: num(10)},
	}))

	f.turn(t, "c1", "10 chairs")

	conv := f.active(t, "c1")
	assert.Equal(t, store.StageSupplierType, conv.Stage)
	assert.Empty(t, f.dispatch.sent)
}

func TestHandleTurn_InvalidValuesDiscarded(t *testing.T) {
	f := newFixture(scripted(
		interpreter.Result{
			Response: "Which suppliers?",
			Slots:    store.Slots{Product: str("chairs"), Quantity: num(10)},
		},
		interpreter.Result{
			Response: "Hmm",
			Slots: store.Slots{
				Product:      str("   "),
				Quantity:     num(-3),
				SupplierType: str("offshore"),
			},
		},
	))

	f.turn(t, "c1", "10 chairs")
	f.turn(t, "c1", "offshore, and make it -3")

	conv := f.active(t, "c1")
	assert.Equal(t, "chairs", *conv.Slots.Product)
	assert.Equal(t, 10, *conv.Slots.Quantity)
	assert.Nil(t, conv.Slots.SupplierType)
	assert.Equal(t, store.StageSupplierType, conv.Stage)
}

func TestHandleTurn_NilNeverClearsFilledSlot(t *testing.T) {
	f := newFixture(scripted(
		interpreter.Result{Response: "How many?", Slots: store.Slots{Product: str("desks")}},
		interpreter.Result{Response: "Which suppliers?", Slots: store.Slots{Quantity: num(4)}},
	))

	f.turn(t, "c1", "desks")
	f.turn(t, "c1", "4")

	conv := f.active(t, "c1")
	assert.Equal(t, "desks", *conv.Slots.Product)
	assert.Equal(t, 4, *conv.Slots.Quantity)
}

func TestHandleTurn_InterpreterReceivesStateAndHistory(t *testing.T) {
	f := newFixture(scripted(
		interpreter.Result{Response: "How many?", Slots: store.Slots{Product: str("desks")}},
		interpreter.Result{Response: "Which suppliers?", Slots: store.Slots{Quantity: num(4)}},
	))

	f.turn(t, "c1", "desks")
	require.NoError(t, f.machine.HandleTurn(context.Background(), event.Turn{
		ConversationID: "c1",
		Message:        "4",
		Provider:       "gemini",
		Model:          "gemini-1.5-pro",
		Language:       "AR",
	}))

	req := f.interp.last()
	assert.Equal(t, "4", req.Message)
	assert.Equal(t, store.StageQuantity, req.Stage)
	assert.Equal(t, "desks", *req.Slots.Product)
	assert.Len(t, req.History, 2)
	assert.Equal(t, "ar", req.Language)
	assert.Equal(t, "gemini-1.5-pro", req.Model)
}

func TestHandleTurn_UnknownProviderRejected(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{Response: "ok"}))

	err := f.machine.HandleTurn(context.Background(), event.Turn{
		ConversationID: "c1",
		Message:        "hello",
		Provider:       "openai",
		Model:          "gpt-4o",
	})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
	assert.ErrorIs(t, err, ErrInvalidTurn)

	events := f.out.get("c1")
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
	assert.True(t, events[0].Done)
	assert.Contains(t, events[0].Content, "openai")

	assert.Zero(t, f.interp.count(), "interpreter is not called")
	assert.Empty(t, f.dispatch.sent)
	_, err = f.store.GetActiveConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleTurn_HandoffReportsProviderThatRan(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{
		Response:        "Creating request.",
		Stage:           store.StageComplete,
		ReadyForHandoff: true,
		Slots:           store.Slots{Product: str("desks"), Quantity: num(3), SupplierType: str("public")},
	}))

	// A record left over from a provider that is no longer configured.
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateConversation(context.Background(), &store.Conversation{
		ID:         "rec-legacy",
		ExternalID: "c1",
		Status:     store.StatusActive,
		Stage:      store.StageProduct,
		Language:   "en",
		Provider:   "legacy",
		Model:      "legacy-large",
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	f.turn(t, "c1", "3 desks, public suppliers, that's all")

	assert.Equal(t, interpreter.DefaultModel, f.interp.last().Model)
	require.Len(t, f.dispatch.sent, 1)
	assert.Equal(t, interpreter.ProviderGemini, f.dispatch.sent[0].Provider)
	assert.Equal(t, interpreter.DefaultModel, f.dispatch.sent[0].Model)
}

func TestHandleTurn_CompletionHandsOff(t *testing.T) {
	f := newFixture(scripted(
		interpreter.Result{
			Response: "Any optional details?",
			Slots:    store.Slots{Product: str("laptops"), Quantity: num(25), SupplierType: str("both")},
		},
		interpreter.Result{
			Response:        "Creating your request for 25 laptops.",
			Stage:           store.StageComplete,
			ReadyForHandoff: true,
		},
	))

	f.turn(t, "c1", "25 laptops from both")
	first := f.active(t, "c1")
	f.turn(t, "c1", "No, that's all")

	conv, err := f.store.GetConversation(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, conv.Status)
	assert.Equal(t, store.StageComplete, conv.Stage)
	assert.NotNil(t, conv.CompletedAt)

	events := f.out.get("c1")
	require.Len(t, events, 2)
	assert.True(t, events[0].Done)
	assert.Equal(t, "Creating your request for 25 laptops.", events[1].Content)
	assert.False(t, events[1].Done, "search events follow the handoff reply")

	require.Len(t, f.dispatch.sent, 1)
	h := f.dispatch.sent[0]
	assert.Equal(t, "c1", h.ConversationID)
	assert.Equal(t, "laptops", *h.Request.Product)
	assert.Equal(t, 25, *h.Request.Quantity)
	assert.Equal(t, "gemini", h.Provider)
	assert.Equal(t, first.ID, f.dispatch.tracked["c1"])
}

func TestHandleTurn_AllOptionalFilledCompletes(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{
		Response: "Creating your request.",
		Stage:    store.StageOptional,
		Slots: store.Slots{
			Product:          str("chairs"),
			Quantity:         num(50),
			SupplierType:     str("private"),
			Brand:            str("Herman Miller"),
			Model:            str("Aeron"),
			Description:      str("ergonomic"),
			DeliveryLocation: str("Dubai office"),
			DeliveryTimeline: str("2 weeks"),
			SupplierListName: str("preferred"),
		},
	}))

	f.turn(t, "c1", "everything at once")

	_, err := f.store.GetActiveConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.dispatch.sent, 1)
}

func TestHandleTurn_NewCycleAfterCompletion(t *testing.T) {
	f := newFixture(scripted(
		interpreter.Result{
			Response:        "Creating request.",
			Stage:           store.StageComplete,
			ReadyForHandoff: true,
			Slots:           store.Slots{Product: str("pens"), Quantity: num(100), SupplierType: str("public")},
		},
		interpreter.Result{Response: "What do you need?"},
	))

	f.turn(t, "c1", "100 pens from public suppliers, nothing else")
	f.turn(t, "c1", "hello again")

	conv := f.active(t, "c1")
	assert.Equal(t, store.StageProduct, conv.Stage)
	assert.Nil(t, conv.Slots.Product)

	all, err := f.store.ListConversations(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHandleTurn_InterpreterTimeoutLeavesStateUnchanged(t *testing.T) {
	f := newFixture(func(ctx context.Context, req interpreter.Request) (interpreter.Result, error) {
		<-ctx.Done()
		return interpreter.Result{}, ctx.Err()
	})
	f.machine.cfg.InterpretTimeout = 20 * time.Millisecond

	f.turn(t, "c1", "I need laptops")

	conv := f.active(t, "c1")
	assert.Equal(t, store.StageProduct, conv.Stage)
	assert.Nil(t, conv.Slots.Product)

	events := f.out.get("c1")
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
	assert.True(t, events[0].Done)
	assert.Equal(t, ErrorMessage, events[0].Content)

	msgs, err := f.store.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "I need laptops", msgs[0].Content)
	assert.Equal(t, ErrorMessage, msgs[1].Content)
}

func TestHandleTurn_InterpreterIgnoringContextIsCutOff(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newFixture(func(ctx context.Context, req interpreter.Request) (interpreter.Result, error) {
		<-release
		return interpreter.Result{Response: "late", Slots: store.Slots{Product: str("laptops")}}, nil
	})
	f.machine.cfg.InterpretTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- f.machine.HandleTurn(context.Background(), event.Turn{ConversationID: "c1", Message: "I need laptops"})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleTurn waited on an interpreter past its timeout")
	}

	events := f.out.get("c1")
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
	assert.True(t, events[0].Done)

	conv := f.active(t, "c1")
	assert.Nil(t, conv.Slots.Product)
	assert.Equal(t, store.StageProduct, conv.Stage)

	msgs, err := f.store.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ErrorMessage, msgs[1].Content)
}

func TestHandleTurn_CommitFailureReportsError(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{Response: "How many?", Slots: store.Slots{Product: str("desks")}}))
	f.store.CommitErr = errors.New("disk full")

	err := f.machine.HandleTurn(context.Background(), event.Turn{ConversationID: "c1", Message: "desks"})
	require.Error(t, err)

	events := f.out.get("c1")
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)

	conv := f.active(t, "c1")
	assert.Nil(t, conv.Slots.Product)
}

func TestHandleTurn_HandoffFailure(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{
		Response:        "Creating request.",
		Stage:           store.StageComplete,
		ReadyForHandoff: true,
		Slots:           store.Slots{Product: str("pens"), Quantity: num(100), SupplierType: str("public")},
	}))
	f.dispatch.sendErr = upstream.ErrSendFailed

	f.turn(t, "c1", "100 pens from public suppliers")

	events := f.out.get("c1")
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeText, events[0].Type)
	assert.False(t, events[0].Done)
	assert.Equal(t, event.TypeError, events[1].Type)
	assert.True(t, events[1].Done)

	assert.Equal(t, []string{"c1"}, f.dispatch.forgot)
	assert.Empty(t, f.dispatch.tracked)

	all, err := f.store.ListConversations(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, store.StatusCompleted, all[0].Status)

	msgs, err := f.store.GetMessages(context.Background(), all[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, ErrorMessage, msgs[2].Content)
}

func TestHandleTurn_RejectsInvalidTurn(t *testing.T) {
	f := newFixture(scripted())

	err := f.machine.HandleTurn(context.Background(), event.Turn{Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	err = f.machine.HandleTurn(context.Background(), event.Turn{ConversationID: "c1", Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidTurn)
}

type fakeExtractor struct{ text string }

func (e fakeExtractor) Extract(ctx context.Context, attachmentURL string, kind store.MessageType) (string, error) {
	return e.text, nil
}

func TestHandleTurn_AttachmentTaggedAndExtracted(t *testing.T) {
	f := newFixture(scripted(interpreter.Result{Response: "How many?", Slots: store.Slots{Product: str("toner")}}))
	f.machine.extractor = fakeExtractor{text: "HP 26A toner cartridge"}

	require.NoError(t, f.machine.HandleTurn(context.Background(), event.Turn{
		ConversationID: "c1",
		Message:        "see attached",
		AttachmentURL:  "https://files.example.com/quote.PDF?sig=abc",
	}))

	req := f.interp.last()
	assert.Contains(t, req.Message, "see attached")
	assert.Contains(t, req.Message, "HP 26A toner cartridge")

	conv := f.active(t, "c1")
	msgs, err := f.store.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeFile, msgs[0].Type)
	assert.Equal(t, "https://files.example.com/quote.PDF?sig=abc", msgs[0].AttachmentURL)
}

func TestHandleTurn_SameConversationSerialized(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	f := newFixture(func(ctx context.Context, req interpreter.Request) (interpreter.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxSeen.Load()
			if n <= prev || maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return interpreter.Result{Response: "ok"}, nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.machine.HandleTurn(context.Background(), event.Turn{ConversationID: "c1", Message: "hi"})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	conv := f.active(t, "c1")
	msgs, err := f.store.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
	assert.Equal(t, 0, f.machine.locks.size())
}

func TestHandleTurn_DifferentConversationsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	var entered atomic.Int32
	f := newFixture(func(ctx context.Context, req interpreter.Request) (interpreter.Result, error) {
		entered.Add(1)
		<-release
		return interpreter.Result{Response: "ok"}, nil
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.machine.HandleTurn(context.Background(), event.Turn{ConversationID: id, Message: "hi"})
		}()
	}

	require.Eventually(t, func() bool { return entered.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}
