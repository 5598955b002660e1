// ABOUTME: Slot merging and stage derivation for the intake flow
// ABOUTME: Invalid interpreter values are discarded and filled slots are never cleared

package intake

import (
	"net/url"
	"path"
	"strings"

	"github.com/2389/intake-gateway/internal/interpreter"
	"github.com/2389/intake-gateway/internal/store"
)

// mergeSlots applies the interpreter's values on top of prev. A nil or
// invalid value leaves the previous value in place.
func mergeSlots(prev, next store.Slots) store.Slots {
	out := prev.Clone()

	if v, ok := cleanString(next.Product); ok {
		out.Product = &v
	}
	if next.Quantity != nil && *next.Quantity > 0 {
		q := *next.Quantity
		out.Quantity = &q
	}
	if next.SupplierType != nil {
		v := strings.ToLower(strings.TrimSpace(*next.SupplierType))
		if store.ValidSupplierType(v) {
			out.SupplierType = &v
		}
	}

	mergeOptional(&out.Brand, next.Brand)
	mergeOptional(&out.Model, next.Model)
	mergeOptional(&out.Description, next.Description)
	mergeOptional(&out.DeliveryLocation, next.DeliveryLocation)
	mergeOptional(&out.DeliveryTimeline, next.DeliveryTimeline)
	mergeOptional(&out.SupplierListName, next.SupplierListName)

	return out
}

func mergeOptional(dst **string, v *string) {
	if s, ok := cleanString(v); ok {
		*dst = &s
	}
}

func cleanString(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	s := strings.TrimSpace(*v)
	return s, s != ""
}

// deriveStage picks the next stage from the merged slots. Required slots are
// solicited in order; once they are filled the flow stays in optional until
// the interpreter reports completion or every optional slot is filled.
func deriveStage(s store.Slots, res interpreter.Result) (store.Stage, bool) {
	switch {
	case s.Product == nil:
		return store.StageProduct, false
	case s.Quantity == nil:
		return store.StageQuantity, false
	case s.SupplierType == nil:
		return store.StageSupplierType, false
	}

	if (res.Stage == store.StageComplete && res.ReadyForHandoff) || optionalFilled(s) {
		return store.StageComplete, true
	}
	return store.StageOptional, false
}

func optionalFilled(s store.Slots) bool {
	return s.Brand != nil && s.Model != nil && s.Description != nil &&
		s.DeliveryLocation != nil && s.DeliveryTimeline != nil && s.SupplierListName != nil
}

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true, ".bmp": true}
	voiceExts = map[string]bool{".mp3": true, ".wav": true, ".ogg": true, ".oga": true, ".opus": true, ".m4a": true, ".aac": true, ".webm": true}
)

// messageType infers the medium of a turn from its attachment.
func messageType(attachmentURL string) store.MessageType {
	if attachmentURL == "" {
		return store.MessageTypeText
	}

	p := attachmentURL
	if u, err := url.Parse(attachmentURL); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))

	switch {
	case imageExts[ext]:
		return store.MessageTypeImage
	case voiceExts[ext]:
		return store.MessageTypeVoice
	default:
		return store.MessageTypeFile
	}
}
