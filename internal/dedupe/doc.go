// Package dedupe provides a bounded TTL window of recently seen keys.
//
// The fulfillment service may resend events after the upstream link
// reconnects. Events that carry an event_id are checked against this window
// and dropped when already seen:
//
//	if id != "" && cache.Seen(id) {
//	    return // replay
//	}
//
// Seen checks and records in one step, so two concurrent callers with the same
// key never both observe it as new.
package dedupe
