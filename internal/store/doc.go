// Package store provides persistent storage for intake conversations.
//
// # Architecture
//
// Store is the only persistence boundary. Two implementations exist:
//
//   - SQLiteStore: modernc.org/sqlite backed, used by the gateway binary
//   - MockStore: in-memory, used by tests in other packages
//
// # Data Models
//
//   - Conversation: one intake cycle. ExternalID is the conversation id
//     clients and the fulfillment service use; a single ExternalID owns a
//     series of records, of which at most one is active.
//   - Message: an immutable history entry, optionally carrying the raw
//     product objects returned by fulfillment.
//   - Slots: the structured request, every field nullable until filled.
//
// # Writes
//
// Messages are append-only and appending an existing message ID is a no-op.
// Conversation state changes only through CommitTurn, which writes the turn's
// messages together with the new slots and stage in one transaction:
//
//	err := s.CommitTurn(ctx, &store.Turn{
//	    ConversationID: conv.ID,
//	    Messages:       []*store.Message{userMsg, assistantMsg},
//	    Slots:          slots,
//	    Stage:          store.StageOptional,
//	    At:             time.Now(),
//	})
//
// A failed commit leaves no partial state behind.
//
// # Timestamps
//
// Times are stored as RFC3339 text in UTC. Message order is append order,
// not timestamp order.
package store
