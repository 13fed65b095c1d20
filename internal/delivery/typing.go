// ABOUTME: TTL tracker for typing indicators
// ABOUTME: Expiry fires a callback so a crashed client cannot leave a stuck indicator

package delivery

import (
	"sync"
	"time"
)

// typingKey identifies one user typing in one conversation.
type typingKey struct {
	conversationID string
	userID         string
}

// typingEntry pairs the timer with the deadline it protects. The deadline is
// the authority: a timer that fires while a refresh is in flight checks it
// and re-arms instead of expiring.
type typingEntry struct {
	timer    *time.Timer
	deadline time.Time
}

// TypingTracker holds live typing indicators with per-entry timers. Start
// within the TTL refreshes the deadline; when a deadline genuinely lapses the
// tracker calls onExpire so the owner can broadcast typing:stopped without
// any client involvement.
type TypingTracker struct {
	mu       sync.Mutex
	entries  map[typingKey]*typingEntry
	ttl      time.Duration
	onExpire func(conversationID, userID string)
	closed   bool
}

// NewTypingTracker creates a tracker with the given TTL.
func NewTypingTracker(ttl time.Duration, onExpire func(conversationID, userID string)) *TypingTracker {
	return &TypingTracker{
		entries:  make(map[typingKey]*typingEntry),
		ttl:      ttl,
		onExpire: onExpire,
	}
}

// Start registers or refreshes a typing indicator. Returns true only on a
// fresh start; refreshes return false so callers broadcast once per burst.
func (t *TypingTracker) Start(conversationID, userID string) bool {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	if entry, ok := t.entries[key]; ok {
		entry.deadline = time.Now().Add(t.ttl)
		entry.timer.Reset(t.ttl)
		return false
	}

	t.entries[key] = &typingEntry{
		deadline: time.Now().Add(t.ttl),
		timer: time.AfterFunc(t.ttl, func() {
			t.expire(key)
		}),
	}
	return true
}

// Stop clears an indicator. Returns true if it was live (caller broadcasts
// typing:stopped); stopping an absent indicator is a no-op.
func (t *TypingTracker) Stop(conversationID, userID string) bool {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		entry.timer.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()
	return ok
}

// Active reports whether the user currently shows as typing.
func (t *TypingTracker) Active(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{conversationID, userID}]
	return ok
}

// expire runs on the timer goroutine when a timer fires.
func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	if remaining := time.Until(entry.deadline); remaining > 0 {
		// A refresh raced the firing timer; honor the new deadline.
		entry.timer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(key.conversationID, key.userID)
	}
}

// Close stops all timers. Indicators die silently; clients reconnecting
// after a restart resync anyway.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, key)
	}
}
