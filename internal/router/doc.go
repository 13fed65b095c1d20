// Package router exposes the single facade the HTTP and websocket surfaces
// call into.
//
// Authorization lives here: support-or-admin role for queue and claim
// operations, participant membership for sending, reading, and history.
// The core packages below it (queue, claim, delivery) trust their callers.
package router
