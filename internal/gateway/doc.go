// Package gateway wires the support-gateway server together and exposes it
// over HTTP.
//
// # Overview
//
// The gateway owns the component graph: SQLite store, presence tracker,
// websocket hub, conversation queue, claim coordinator, delivery engine, and
// the conversation router that fronts them. NewServer builds the graph from
// config; Run serves until the context is cancelled, then shuts down the
// listener, live connections, timers, and store in that order.
//
// # HTTP API
//
//   - POST /api/login - exchange credentials for a JWT
//   - GET  /api/conversations - the caller's conversations with unread counts
//   - POST /api/conversations - open a conversation (support types enqueue)
//   - GET  /api/conversations/unassigned - the waiting queue (support only)
//   - POST /api/conversations/{id}/claim - claim, 409 on conflict
//   - POST /api/conversations/{id}/unclaim - release back to the queue
//   - POST /api/conversations/{id}/resolve - close the conversation
//   - POST /api/conversations/{id}/reopen - back to active, requeue if unheld
//   - POST /api/conversations/{id}/read - ack everything unread
//   - GET  /api/conversations/{id}/messages - history in seq order
//   - POST /api/messages - send a message
//   - GET  /healthz - liveness check
//   - GET  /ws - websocket upgrade
//
// # Status Mapping
//
// Sentinel errors from the core map onto statuses in sendError: 404 for
// missing entities, 403 for role or membership failures, 409 for claim
// conflicts and closed conversations, 400 for invalid input, 500 for
// everything unexpected.
package gateway
