// ABOUTME: Unit tests for slot merging, stage derivation and attachment typing
// ABOUTME: Also checks that keyed locks are released

package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/intake-gateway/internal/interpreter"
	"github.com/2389/intake-gateway/internal/store"
)

func TestMergeSlots_TrimsAndNormalizes(t *testing.T) {
	got := mergeSlots(store.Slots{}, store.Slots{
		Product:      str("  laptops "),
		SupplierType: str(" PUBLIC "),
		Brand:        str(" Dell "),
	})

	assert.Equal(t, "laptops", *got.Product)
	assert.Equal(t, "public", *got.SupplierType)
	assert.Equal(t, "Dell", *got.Brand)
}

func TestMergeSlots_LastWriterWins(t *testing.T) {
	prev := store.Slots{Product: str("laptops"), Quantity: num(5)}
	got := mergeSlots(prev, store.Slots{Quantity: num(7)})

	assert.Equal(t, 7, *got.Quantity)
	assert.Equal(t, 5, *prev.Quantity, "previous slots must not be mutated")
}

func TestMergeSlots_BlankOptionalIgnored(t *testing.T) {
	got := mergeSlots(store.Slots{Brand: str("Dell")}, store.Slots{Brand: str("")})
	assert.Equal(t, "Dell", *got.Brand)
}

func TestDeriveStage(t *testing.T) {
	required := store.Slots{Product: str("laptops"), Quantity: num(25), SupplierType: str("both")}

	tests := []struct {
		name      string
		slots     store.Slots
		res       interpreter.Result
		wantStage store.Stage
		wantReady bool
	}{
		{"empty", store.Slots{}, interpreter.Result{}, store.StageProduct, false},
		{"product only", store.Slots{Product: str("x")}, interpreter.Result{}, store.StageQuantity, false},
		{"missing supplier", store.Slots{Product: str("x"), Quantity: num(1)}, interpreter.Result{}, store.StageSupplierType, false},
		{"required done", required, interpreter.Result{Stage: store.StageOptional}, store.StageOptional, false},
		{"complete without ready", required, interpreter.Result{Stage: store.StageComplete}, store.StageOptional, false},
		{"ready without complete", required, interpreter.Result{ReadyForHandoff: true}, store.StageOptional, false},
		{"complete and ready", required, interpreter.Result{Stage: store.StageComplete, ReadyForHandoff: true}, store.StageComplete, true},
		{"premature completion", store.Slots{Product: str("x")}, interpreter.Result{Stage: store.StageComplete, ReadyForHandoff: true}, store.StageQuantity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, ready := deriveStage(tt.slots, tt.res)
			assert.Equal(t, tt.wantStage, stage)
			assert.Equal(t, tt.wantReady, ready)
		})
	}
}

func TestMessageType(t *testing.T) {
	tests := map[string]store.MessageType{
		"":                                     store.MessageTypeText,
		"https://cdn.example.com/photo.JPG":    store.MessageTypeImage,
		"https://cdn.example.com/a.png?x=1":    store.MessageTypeImage,
		"https://cdn.example.com/note.ogg":     store.MessageTypeVoice,
		"https://cdn.example.com/memo.m4a":     store.MessageTypeVoice,
		"https://cdn.example.com/spec.pdf":     store.MessageTypeFile,
		"https://cdn.example.com/no-extension": store.MessageTypeFile,
	}

	for in, want := range tests {
		assert.Equal(t, want, messageType(in), in)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
