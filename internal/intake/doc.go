// Package intake runs the slot-filling conversation that turns free-form user
// messages into a structured procurement request.
//
// # Flow
//
// Each turn loads the active record for the conversation id (or starts a new
// one), asks the interpreter to read the message against the current slots,
// merges the result, and commits the user message, reply, slots and stage in
// one store transaction. Required slots are collected in order:
//
//	product -> quantity -> supplier_type -> optional -> complete
//
// A turn that reaches complete is handed to the fulfillment service through
// the Dispatcher. The reply for that turn is sent with done=false since
// search events follow.
//
// # Failures
//
// When the interpreter fails the user message and an apology are recorded,
// slots and stage stay as they were, and one error event is delivered.
package intake
