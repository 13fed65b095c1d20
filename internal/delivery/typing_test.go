// ABOUTME: Tests for the typing indicator TTL tracker
// ABOUTME: Covers fresh start, refresh, explicit stop, and expiry

package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiryRecorder struct {
	mu      sync.Mutex
	expired []string
}

func (r *expiryRecorder) record(conversationID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, conversationID+"/"+userID)
}

func (r *expiryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expired)
}

func TestTypingTracker_FreshStartThenRefresh(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTypingTracker(time.Minute, rec.record)
	defer tracker.Close()

	assert.True(t, tracker.Start("c1", "u1"), "first start is fresh")
	assert.False(t, tracker.Start("c1", "u1"), "refresh is not fresh")
	assert.True(t, tracker.Active("c1", "u1"))
	assert.True(t, tracker.Start("c1", "u2"), "different user is independent")
	assert.True(t, tracker.Start("c2", "u1"), "different conversation is independent")
}

func TestTypingTracker_StopReportsLiveness(t *testing.T) {
	tracker := NewTypingTracker(time.Minute, nil)
	defer tracker.Close()

	assert.False(t, tracker.Stop("c1", "u1"), "stop without start is a no-op")

	tracker.Start("c1", "u1")
	assert.True(t, tracker.Stop("c1", "u1"))
	assert.False(t, tracker.Active("c1", "u1"))
	assert.False(t, tracker.Stop("c1", "u1"), "second stop is a no-op")
}

func TestTypingTracker_ExpiresAfterTTL(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTypingTracker(20*time.Millisecond, rec.record)
	defer tracker.Close()

	tracker.Start("c1", "u1")

	require.Eventually(t, func() bool {
		return rec.count() == 1 && !tracker.Active("c1", "u1")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTypingTracker_RefreshPostponesExpiry(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTypingTracker(60*time.Millisecond, rec.record)
	defer tracker.Close()

	tracker.Start("c1", "u1")
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tracker.Start("c1", "u1")
	}
	assert.Zero(t, rec.count(), "refreshed indicator must not expire")
	assert.True(t, tracker.Active("c1", "u1"))

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTypingTracker_StopBeatsExpiry(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTypingTracker(30*time.Millisecond, rec.record)
	defer tracker.Close()

	tracker.Start("c1", "u1")
	tracker.Stop("c1", "u1")

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count(), "stopped indicator never fires expiry")
}

func TestTypingTracker_CloseSilencesTimers(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTypingTracker(20*time.Millisecond, rec.record)

	tracker.Start("c1", "u1")
	tracker.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.False(t, tracker.Start("c1", "u1"), "closed tracker accepts nothing")
}
