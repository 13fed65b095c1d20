// Package claim decides which support agent owns a waiting conversation.
//
// # Atomicity
//
// At most one agent ever wins a conversation, no matter how many claim it
// concurrently. The database is the arbiter: inserting the support
// participant hits a partial unique index, and exactly one insert succeeds.
// The per-conversation mutex in this package only serializes the surrounding
// bookkeeping (queue removal, broadcasts); correctness does not depend on it,
// so a future multi-instance deployment does not regress.
//
// # Errors
//
// Losing the race is ErrAlreadyClaimed, an expected outcome the HTTP layer
// maps to 409. ErrNotClaimable covers resolved or non-support conversations;
// ErrNotOwner covers releasing someone else's claim without admin rights.
package claim
