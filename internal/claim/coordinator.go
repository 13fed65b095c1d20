// ABOUTME: Grants at-most-one agent ownership of a queued support conversation
// ABOUTME: The store's conditional participant insert is the arbiter; losing is expected

package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// ErrAlreadyClaimed is returned when another agent won the claim race.
// Expected under concurrent agents working the same queue; callers recover
// by refreshing their queue view.
var ErrAlreadyClaimed = errors.New("conversation already claimed")

// ErrNotClaimable is returned for conversations that never pass through the
// queue (wrong type) or are no longer active.
var ErrNotClaimable = errors.New("conversation is not claimable")

// ErrNotOwner is returned when an agent tries to unclaim a conversation
// assigned to someone else.
var ErrNotOwner = errors.New("conversation is claimed by another agent")

// ConversationStore defines what the coordinator needs from storage.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AddParticipant(ctx context.Context, p *store.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	SupportParticipant(ctx context.Context, conversationID string) (*store.Participant, error)
}

// QueueView defines what the coordinator needs from the conversation queue.
type QueueView interface {
	Enqueue(conv *store.Conversation)
	Remove(conversationID string)
	Invalidate()
}

// Notifier defines what the coordinator needs from the transport layer.
type Notifier interface {
	BroadcastToRole(role string, event transport.Event)
}

// Handle is returned from a successful claim; the caller uses it to open the
// conversation.
type Handle struct {
	ConversationID string
	AgentID        string
	ClaimedAt      time.Time
}

// Coordinator serializes claim and unclaim per conversation in-process and
// delegates the actual exclusivity decision to the store's atomic conditional
// write, so correctness holds even if another process writes to the same
// database.
type Coordinator struct {
	store    ConversationStore
	queue    QueueView
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-conversation
}

// New creates a claim coordinator.
func New(cs ConversationStore, q QueueView, n Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    cs,
		queue:    q,
		notifier: n,
		logger:   logger.With("component", "claim"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one conversation.
// Lock entries are never reclaimed; the set of conversations an instance
// touches is bounded by its working set.
func (c *Coordinator) lockFor(conversationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[conversationID] = l
	}
	return l
}

// Claim attempts to make agentID the sole support participant of the
// conversation. Exactly one of N concurrent claims succeeds; the rest get
// ErrAlreadyClaimed. On success the queue item is removed and
// conversation:claimed is broadcast to all support users, in that order,
// before Claim returns.
func (c *Coordinator) Claim(ctx context.Context, conversationID, agentID string) (*Handle, error) {
	l := c.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsSupportType() || conv.Status != store.StatusActive {
		return nil, ErrNotClaimable
	}

	now := time.Now()
	err = c.store.AddParticipant(ctx, &store.Participant{
		ConversationID: conversationID,
		UserID:         agentID,
		Role:           store.RoleSupport,
		JoinedAt:       now,
	})
	if err != nil {
		if errors.Is(err, store.ErrSupportTaken) {
			// Lost the race. The winner's broadcast converges every queue
			// view, including this caller's.
			c.queue.Remove(conversationID)
			return nil, ErrAlreadyClaimed
		}
		if errors.Is(err, store.ErrDuplicateParticipant) {
			// The agent is already in the conversation in another role;
			// treat as not claimable rather than corrupting membership.
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("claiming conversation: %w", err)
	}

	c.queue.Remove(conversationID)
	c.notifier.BroadcastToRole(store.RoleSupport, transport.NewEvent(
		transport.EventConversationClaimed,
		transport.ClaimedPayload{ConversationID: conversationID, AgentID: agentID},
	))

	c.logger.Info("conversation claimed",
		"conversation_id", conversationID,
		"agent_id", agentID)

	return &Handle{
		ConversationID: conversationID,
		AgentID:        agentID,
		ClaimedAt:      now,
	}, nil
}

// Unclaim releases the conversation back to the queue. Only the owning agent
// may unclaim (force bypasses the ownership check for the disconnect-requeue
// policy). Unclaiming an unclaimed conversation is a no-op.
func (c *Coordinator) Unclaim(ctx context.Context, conversationID, agentID string, force bool) error {
	l := c.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	current, err := c.store.SupportParticipant(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up support participant: %w", err)
	}
	if !force && current.UserID != agentID {
		return ErrNotOwner
	}

	if err := c.store.RemoveParticipant(ctx, conversationID, current.UserID); err != nil {
		// The cache may now disagree with the store.
		c.queue.Invalidate()
		return fmt.Errorf("removing support participant: %w", err)
	}

	if conv.Status == store.StatusActive {
		c.queue.Enqueue(conv)
	}
	c.notifier.BroadcastToRole(store.RoleSupport, transport.NewEvent(
		transport.EventConversationUnclaimed,
		transport.ClaimedPayload{ConversationID: conversationID, AgentID: current.UserID},
	))

	c.logger.Info("conversation unclaimed",
		"conversation_id", conversationID,
		"agent_id", current.UserID,
		"forced", force)
	return nil
}
