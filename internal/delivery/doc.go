// Package delivery drives the message lifecycle and typing indicators.
//
// # Message States
//
// A message moves monotonically through three states:
//
//	sent       persisted, seq assigned
//	delivered  at least one recipient connection accepted the push
//	read       a recipient acknowledged viewing it
//
// Read implies delivered: acking a message that was never pushed backfills
// delivered_at. Both transitions happen at most once; repeated acks are
// silent no-ops.
//
// # Ordering
//
// Fan-out happens under a per-conversation lock, so recipients observe
// messages in seq order. Slow consumers cannot stall it because the hub's
// per-connection writes are buffered.
//
// # Typing Indicators
//
// Typing state is ephemeral and TTL-bound. A fresh start broadcasts
// typing:started; refreshes within the TTL are silent; the tracker itself
// broadcasts typing:stopped when the TTL lapses, so a crashed client cannot
// leave a stuck indicator.
package delivery
