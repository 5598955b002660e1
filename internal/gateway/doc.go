// Package gateway orchestrates the intake-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the intake-gateway
// server. It owns the data store, the connection registry, the upstream link
// to the fulfillment service, the intake state machine, and the HTTP server
// that chat clients connect to.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config      *config.Config
//	    store       store.Store
//	    registry    *registry.Registry
//	    link        *upstream.Link
//	    machine     *intake.Machine
//	    interpreter intake.Interpreter
//	    httpServer  *http.Server
//	    // ... and more
//	}
//
// NewWithDeps accepts a pre-built store, interpreter and upstream dialer, so
// tests can run the whole gateway against in-memory fakes.
//
// # Chat Sessions
//
// Clients connect to /ws and send one JSON turn per text frame:
//
//	{"conversation_id": "c-1", "message": "I need 20 laptops", "language": "en"}
//
// Each turn binds the conversation id to the session and runs in its own
// goroutine. Replies and downstream search events arrive as:
//
//	{"done": true, "type": "text", "content": "...", "sender": "ai"}
//
// Turns are rate limited per session. A session's outbound buffer is bounded;
// events for a session that cannot keep up are dropped.
//
// # HTTP API
//
//	GET /health                               - Liveness probe
//	GET /health/ready                         - 200 once the upstream link is connected
//	GET /ws                                   - Chat websocket
//	GET /api/conversations?conversation_id=X  - Intake records for a conversation id
//	GET /api/conversations/{id}               - One record
//	GET /api/conversations/{id}/messages      - Message history (?limit=N)
//	GET /api/conversations/{id}/transcript    - HTML transcript
//
// # Lifecycle
//
// Run starts the upstream supervisor and the HTTP listener (plain TCP or a
// tailscale node) and blocks until its context is canceled. Shutdown stops
// the HTTP server, closes sessions, waits for in-flight turns, then closes
// the upstream link and the store.
package gateway
