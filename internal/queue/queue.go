// ABOUTME: In-memory ordered view over unclaimed support conversations.
// ABOUTME: Advisory cache; the store's unassigned query is the ground truth.

package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/store"
)

// Priority labels derived from wait duration at read time.
const (
	PriorityLow    = "low"    // waiting under 15 minutes
	PriorityMedium = "medium" // 15 to 30 minutes
	PriorityHigh   = "high"   // over 30 minutes
)

const (
	mediumThreshold = 15 * time.Minute
	highThreshold   = 30 * time.Minute
)

// Item is a queued conversation annotated with its current wait and priority.
type Item struct {
	ConversationID string
	Type           string
	CreatedAt      time.Time
	Waiting        time.Duration
	Priority       string
}

// UnassignedLister defines what the queue needs from storage.
type UnassignedLister interface {
	ListUnassigned(ctx context.Context) ([]*store.Conversation, error)
}

// Queue holds the unclaimed support conversations, ordered by creation time.
// It is a cache over the store's unassigned query: any store error marks the
// cache stale, and the next read rebuilds it. All operations are idempotent
// because concurrent agents race on the same items as a matter of course.
type Queue struct {
	mu      sync.Mutex
	items   map[string]*store.Conversation
	fresh   bool
	lister  UnassignedLister
	logger  *slog.Logger
	nowFunc func() time.Time // overridable for tests
}

// New creates a queue backed by the given store.
func New(lister UnassignedLister, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:   make(map[string]*store.Conversation),
		lister:  lister,
		logger:  logger.With("component", "queue"),
		nowFunc: time.Now,
	}
}

// Enqueue adds a conversation to the queue. Re-enqueueing an already-queued
// conversation is a no-op.
func (q *Queue) Enqueue(conv *store.Conversation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[conv.ID]; exists {
		return
	}
	c := *conv
	q.items[conv.ID] = &c
	q.logger.Debug("conversation enqueued", "conversation_id", conv.ID, "type", conv.Type)
}

// Remove drops a conversation from the queue. Removing an absent id is a
// no-op: under concurrent claims the loser often removes an item the winner
// already took.
func (q *Queue) Remove(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[conversationID]; !exists {
		return
	}
	delete(q.items, conversationID)
	q.logger.Debug("conversation removed from queue", "conversation_id", conversationID)
}

// List returns queue items in FIFO order by creation time, each annotated
// with a priority derived from how long it has been waiting. If the cache is
// stale it is rebuilt from the store first; a store error is returned as-is
// (retryable) and leaves the cache stale.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.fresh {
		if err := q.rebuildLocked(ctx); err != nil {
			return nil, err
		}
	}

	now := q.nowFunc()
	items := make([]*Item, 0, len(q.items))
	for _, conv := range q.items {
		waiting := now.Sub(conv.CreatedAt)
		items = append(items, &Item{
			ConversationID: conv.ID,
			Type:           conv.Type,
			CreatedAt:      conv.CreatedAt,
			Waiting:        waiting,
			Priority:       priorityFor(waiting),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Rebuild discards the cache and reloads from the store.
func (q *Queue) Rebuild(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rebuildLocked(ctx)
}

// Invalidate marks the cache stale so the next List rebuilds from the store.
// Called after any persistence error that may have diverged the cache.
func (q *Queue) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fresh = false
}

func (q *Queue) rebuildLocked(ctx context.Context) error {
	convs, err := q.lister.ListUnassigned(ctx)
	if err != nil {
		q.fresh = false
		return err
	}

	q.items = make(map[string]*store.Conversation, len(convs))
	for _, conv := range convs {
		c := *conv
		q.items[conv.ID] = &c
	}
	q.fresh = true
	q.logger.Debug("queue rebuilt", "size", len(q.items))
	return nil
}

// Len returns the number of queued conversations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func priorityFor(waiting time.Duration) string {
	switch {
	case waiting > highThreshold:
		return PriorityHigh
	case waiting >= mediumThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
