// ABOUTME: Tracks which users currently have at least one live connection.
// ABOUTME: Reference-counted so multiple tabs per user are handled correctly.

package presence

import (
	"log/slog"
	"sync"
	"time"
)

// record holds the connection count and last activity time for one user.
type record struct {
	connections int
	lastActive  time.Time
}

// Tracker maintains presence state for all connected users. A user is online
// iff their connection count is greater than zero. State is ephemeral and
// rebuilt as clients reconnect; nothing here is persisted.
type Tracker struct {
	mu     sync.RWMutex
	users  map[string]*record
	notify func(userID string, online bool)
	logger *slog.Logger
}

// NewTracker creates a presence tracker. The notify callback fires on
// offline-to-online and online-to-offline transitions only, never on
// additional connections from an already-online user. Pass nil to disable
// notifications.
func NewTracker(notify func(userID string, online bool), logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		users:  make(map[string]*record),
		notify: notify,
		logger: logger.With("component", "presence"),
	}
}

// Connect registers a new connection for the user. Returns true if this
// brought the user online.
func (t *Tracker) Connect(userID string) bool {
	t.mu.Lock()
	rec, ok := t.users[userID]
	if !ok {
		rec = &record{}
		t.users[userID] = rec
	}
	rec.connections++
	rec.lastActive = time.Now()
	cameOnline := rec.connections == 1
	t.mu.Unlock()

	if cameOnline {
		t.logger.Debug("user online", "user_id", userID)
		if t.notify != nil {
			t.notify(userID, true)
		}
	}
	return cameOnline
}

// Disconnect drops one connection for the user. Returns true if this took
// the user offline. Disconnecting an unknown user is a no-op.
func (t *Tracker) Disconnect(userID string) bool {
	t.mu.Lock()
	rec, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	rec.connections--
	wentOffline := rec.connections <= 0
	if wentOffline {
		delete(t.users, userID)
	}
	t.mu.Unlock()

	if wentOffline {
		t.logger.Debug("user offline", "user_id", userID)
		if t.notify != nil {
			t.notify(userID, false)
		}
	}
	return wentOffline
}

// Touch updates the user's last activity time.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.users[userID]; ok {
		rec.lastActive = time.Now()
	}
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	return ok && rec.connections > 0
}

// LastActive returns the user's last activity time and whether they are known.
func (t *Tracker) LastActive(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastActive, true
}

// ListOnline returns the set of currently online user IDs.
func (t *Tracker) ListOnline() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	online := make([]string, 0, len(t.users))
	for userID := range t.users {
		online = append(online, userID)
	}
	return online
}
