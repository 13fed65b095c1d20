// Package transport implements the websocket hub and wire event types.
//
// # Connections
//
// Each websocket connection must authenticate with its first frame:
//
//	{"event": "authenticate", "data": {"token": "..."}}
//
// Anything else closes the connection. After auth the connection is
// registered under its user id and the presence tracker sees it.
//
// # Delivery Semantics
//
// SendToUser reports whether any of the user's connections accepted the
// event. Each connection has a bounded send buffer; a consumer that cannot
// keep up is disconnected rather than allowed to stall the hub. There is no
// replay on reconnect: clients resync over the REST API.
//
// # Inbound Events
//
// typing:started, typing:stopped, and message:read frames are routed to the
// Handler (the conversation router). Everything else is server-to-client.
package transport
