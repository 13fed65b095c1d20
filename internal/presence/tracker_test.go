// ABOUTME: Tests for the presence tracker
// ABOUTME: Covers refcounting, transition notifications, and concurrency

package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_MultipleConnections(t *testing.T) {
	tr := NewTracker(nil, nil)

	assert.True(t, tr.Connect("user-1"), "first connection brings user online")
	assert.False(t, tr.Connect("user-1"), "second tab is not a transition")
	assert.True(t, tr.IsOnline("user-1"))

	assert.False(t, tr.Disconnect("user-1"), "one tab left, still online")
	assert.True(t, tr.IsOnline("user-1"))

	assert.True(t, tr.Disconnect("user-1"), "last connection takes user offline")
	assert.False(t, tr.IsOnline("user-1"))
}

func TestTracker_NotifiesOnTransitionsOnly(t *testing.T) {
	type change struct {
		userID string
		online bool
	}
	var mu sync.Mutex
	var changes []change

	tr := NewTracker(func(userID string, online bool) {
		mu.Lock()
		changes = append(changes, change{userID, online})
		mu.Unlock()
	}, nil)

	tr.Connect("user-1")
	tr.Connect("user-1")
	tr.Disconnect("user-1")
	tr.Disconnect("user-1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []change{{"user-1", true}, {"user-1", false}}, changes)
}

func TestTracker_DisconnectUnknownUser(t *testing.T) {
	tr := NewTracker(nil, nil)
	assert.False(t, tr.Disconnect("ghost"))
}

func TestTracker_ListOnline(t *testing.T) {
	tr := NewTracker(nil, nil)

	tr.Connect("a")
	tr.Connect("b")
	tr.Connect("b")
	tr.Connect("c")
	tr.Disconnect("c")

	online := tr.ListOnline()
	assert.ElementsMatch(t, []string{"a", "b"}, online)
}

func TestTracker_LastActive(t *testing.T) {
	tr := NewTracker(nil, nil)

	_, known := tr.LastActive("user-1")
	assert.False(t, known)

	tr.Connect("user-1")
	first, known := tr.LastActive("user-1")
	assert.True(t, known)

	tr.Touch("user-1")
	second, _ := tr.LastActive("user-1")
	assert.False(t, second.Before(first))
}

func TestTracker_ConcurrentChurn(t *testing.T) {
	tr := NewTracker(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Connect("user-1")
				tr.Touch("user-1")
				tr.Disconnect("user-1")
			}
		}()
	}
	wg.Wait()

	assert.False(t, tr.IsOnline("user-1"))
}
