// ABOUTME: Contract between the intake flow and the language model interpreter
// ABOUTME: Decodes the model's structured JSON reply into a Result

package interpreter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/intake-gateway/internal/store"
)

// ErrMalformed is returned when the model reply cannot be turned into a Result.
var ErrMalformed = errors.New("malformed interpreter output")

// Request is everything the interpreter sees for one turn.
type Request struct {
	Message  string
	History  []*store.Message
	Stage    store.Stage
	Slots    store.Slots
	Language string
	// Model overrides the configured model when non-empty.
	Model string
}

// Result is the interpreter's reading of a turn. Slots holds only what the
// model reported; merging with prior state is the caller's job.
type Result struct {
	Response        string
	Slots           store.Slots
	Stage           store.Stage
	ReadyForHandoff bool
}

// reply mirrors the JSON object the model is asked to produce.
type reply struct {
	Response        string     `json:"response"`
	Stage           string     `json:"stage"`
	ReadyForHandoff bool       `json:"ready_for_handoff"`
	Slots           replySlots `json:"slots"`
}

type replySlots struct {
	Product          *string      `json:"product"`
	Quantity         *json.Number `json:"quantity"`
	SupplierType     *string      `json:"supplier_type"`
	Brand            *string      `json:"brand"`
	Model            *string      `json:"model"`
	Description      *string      `json:"description"`
	DeliveryLocation *string      `json:"delivery_location"`
	DeliveryTimeline *string      `json:"delivery_timeline"`
	SupplierListName *string      `json:"supplier_list_name"`
}

// Decode parses a model reply. Code fences around the JSON are tolerated.
// A quantity that is not a whole number is reported as absent.
func Decode(raw []byte) (Result, error) {
	body := stripFences(raw)
	if len(body) == 0 {
		return Result{}, fmt.Errorf("%w: empty reply", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var r reply
	if err := dec.Decode(&r); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	response := strings.TrimSpace(r.Response)
	if response == "" {
		return Result{}, fmt.Errorf("%w: missing response text", ErrMalformed)
	}

	stage := store.Stage(strings.ToLower(strings.TrimSpace(r.Stage)))
	if stage != "" && !stage.Valid() {
		return Result{}, fmt.Errorf("%w: unknown stage %q", ErrMalformed, r.Stage)
	}

	return Result{
		Response:        response,
		Stage:           stage,
		ReadyForHandoff: r.ReadyForHandoff,
		Slots: store.Slots{
			Product:          r.Slots.Product,
			Quantity:         wholeNumber(r.Slots.Quantity),
			SupplierType:     r.Slots.SupplierType,
			Brand:            r.Slots.Brand,
			Model:            r.Slots.Model,
			Description:      r.Slots.Description,
			DeliveryLocation: r.Slots.DeliveryLocation,
			DeliveryTimeline: r.Slots.DeliveryTimeline,
			SupplierListName: r.Slots.SupplierListName,
		},
	}, nil
}

func wholeNumber(n *json.Number) *int {
	if n == nil {
		return nil
	}
	v, err := n.Int64()
	if err != nil {
		return nil
	}
	i := int(v)
	return &i
}

func stripFences(raw []byte) []byte {
	body := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(body, []byte("```")) {
		return body
	}
	body = bytes.TrimPrefix(body, []byte("```"))
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	body = bytes.TrimSuffix(bytes.TrimSpace(body), []byte("```"))
	return bytes.TrimSpace(body)
}
