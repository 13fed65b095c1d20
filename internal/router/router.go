// ABOUTME: ConversationRouter, the single entry point the HTTP and websocket
// ABOUTME: surfaces call into; enforces authorization before touching the core

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/claim"
	"github.com/2389/support-gateway/internal/delivery"
	"github.com/2389/support-gateway/internal/queue"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// ErrUnauthorized is returned when the caller's role or membership does not
// permit the operation.
var ErrUnauthorized = errors.New("not authorized for this operation")

// ErrInvalidInput is returned for malformed requests (unknown conversation
// type, empty or oversized message content).
var ErrInvalidInput = errors.New("invalid input")

// ErrConversationClosed is returned when sending into a conversation that is
// not active.
var ErrConversationClosed = errors.New("conversation is not active")

// maxContentLength bounds a single message body.
const maxContentLength = 4000

// Store defines what the router needs from storage.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, status string) error
	AddParticipant(ctx context.Context, p *store.Participant) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	SupportParticipant(ctx context.Context, conversationID string) (*store.Participant, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*store.ConversationSummary, error)
}

// Broadcaster defines what the router needs from the transport layer.
type Broadcaster interface {
	BroadcastAll(event transport.Event)
}

// Router wires the queue, claim coordinator, and delivery engine behind
// role and membership checks. It implements transport.Handler for inbound
// websocket frames and receives presence transitions from the tracker.
type Router struct {
	store    Store
	queue    *queue.Queue
	claims   *claim.Coordinator
	delivery *delivery.Engine
	hub      Broadcaster
	logger   *slog.Logger

	// requeueOnDisconnect controls whether a support agent going offline
	// releases their active conversations back to the queue. Off by
	// default: an assigned conversation keeps its agent context across a
	// flaky connection.
	requeueOnDisconnect bool
}

// New creates a router.
func New(s Store, q *queue.Queue, c *claim.Coordinator, d *delivery.Engine, hub Broadcaster, requeueOnDisconnect bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:               s,
		queue:               q,
		claims:              c,
		delivery:            d,
		hub:                 hub,
		logger:              logger.With("component", "router"),
		requeueOnDisconnect: requeueOnDisconnect,
	}
}

func validConversationType(t string) bool {
	switch t {
	case store.ConversationStudentSupport,
		store.ConversationDriverSupport,
		store.ConversationStudentDriver,
		store.ConversationAdminMonitor:
		return true
	}
	return false
}

// CreateConversation opens a conversation with the caller as its first
// participant. Support-type conversations go straight onto the queue;
// admin monitor conversations are admin-only and never queued.
func (r *Router) CreateConversation(ctx context.Context, user *auth.AuthContext, convType string) (*store.Conversation, error) {
	if !validConversationType(convType) {
		return nil, fmt.Errorf("%w: unknown conversation type %q", ErrInvalidInput, convType)
	}
	if convType == store.ConversationAdminMonitor && user.Role != store.RoleAdmin {
		return nil, ErrUnauthorized
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		Type:      convType,
		Status:    store.StatusActive,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	if err := r.store.AddParticipant(ctx, &store.Participant{
		ConversationID: conv.ID,
		UserID:         user.UserID,
		Role:           user.Role,
		JoinedAt:       time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("adding creator: %w", err)
	}

	if conv.IsSupportType() {
		r.queue.Enqueue(conv)
	}

	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"created_by", user.UserID)
	return conv, nil
}

// Queue returns the waiting conversations, oldest first. Support only.
func (r *Router) Queue(ctx context.Context, user *auth.AuthContext) ([]*queue.Item, error) {
	if !user.IsSupport() {
		return nil, ErrUnauthorized
	}
	return r.queue.List(ctx)
}

// Claim assigns the conversation to the calling agent. Support only; losing
// the race surfaces claim.ErrAlreadyClaimed.
func (r *Router) Claim(ctx context.Context, user *auth.AuthContext, conversationID string) (*claim.Handle, error) {
	if !user.IsSupport() {
		return nil, ErrUnauthorized
	}
	return r.claims.Claim(ctx, conversationID, user.UserID)
}

// Unclaim releases the conversation back to the queue. Agents release their
// own claims; admins can release anyone's.
func (r *Router) Unclaim(ctx context.Context, user *auth.AuthContext, conversationID string) error {
	if !user.IsSupport() {
		return ErrUnauthorized
	}
	force := user.Role == store.RoleAdmin
	return r.claims.Unclaim(ctx, conversationID, user.UserID, force)
}

// Resolve closes the conversation. Any participant may resolve their own
// conversation; admins may resolve any.
func (r *Router) Resolve(ctx context.Context, user *auth.AuthContext, conversationID string) error {
	if err := r.requireMember(ctx, user, conversationID); err != nil {
		return err
	}
	if err := r.store.UpdateConversationStatus(ctx, conversationID, store.StatusResolved); err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	r.queue.Remove(conversationID)
	r.logger.Info("conversation resolved",
		"conversation_id", conversationID,
		"by", user.UserID)
	return nil
}

// Reopen sets a resolved conversation back to active. If no agent holds it
// and it is a support type it is re-enqueued.
func (r *Router) Reopen(ctx context.Context, user *auth.AuthContext, conversationID string) error {
	if err := r.requireMember(ctx, user, conversationID); err != nil {
		return err
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == store.StatusActive {
		return nil
	}
	if err := r.store.UpdateConversationStatus(ctx, conversationID, store.StatusActive); err != nil {
		return fmt.Errorf("reopening conversation: %w", err)
	}
	conv.Status = store.StatusActive

	if conv.IsSupportType() {
		if _, err := r.store.SupportParticipant(ctx, conversationID); errors.Is(err, store.ErrNotFound) {
			r.queue.Enqueue(conv)
		}
	}
	r.logger.Info("conversation reopened",
		"conversation_id", conversationID,
		"by", user.UserID)
	return nil
}

// SendMessage validates and routes a message through the delivery engine.
// Sender must be a participant and the conversation must be active.
func (r *Router) SendMessage(ctx context.Context, user *auth.AuthContext, conversationID, clientID, content string) (*store.Message, error) {
	if content == "" || len(content) > maxContentLength {
		return nil, fmt.Errorf("%w: content must be 1-%d bytes", ErrInvalidInput, maxContentLength)
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusActive {
		return nil, ErrConversationClosed
	}
	member, err := r.store.IsParticipant(ctx, conversationID, user.UserID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrUnauthorized
	}

	return r.delivery.Send(ctx, conversationID, user.UserID, clientID, content)
}

// History returns a conversation's messages in seq order. Participants see
// their own conversations; admins see any.
func (r *Router) History(ctx context.Context, user *auth.AuthContext, conversationID string, limit int) ([]*store.Message, error) {
	if err := r.requireMember(ctx, user, conversationID); err != nil {
		return nil, err
	}
	return r.store.GetConversationMessages(ctx, conversationID, limit)
}

// MyConversations returns the caller's conversations with unread counts.
func (r *Router) MyConversations(ctx context.Context, user *auth.AuthContext) ([]*store.ConversationSummary, error) {
	return r.store.ListConversationsForUser(ctx, user.UserID)
}

// MarkConversationRead acks everything unread in the conversation for the
// caller, for clients that report per-conversation instead of per-message.
// Acking mutates read state, so unlike History there is no admin bypass:
// only actual participants may produce receipts.
func (r *Router) MarkConversationRead(ctx context.Context, user *auth.AuthContext, conversationID string) error {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	if !r.isMember(ctx, user, conversationID) {
		return ErrUnauthorized
	}
	messages, err := r.store.GetConversationMessages(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	return r.delivery.MarkConversationRead(ctx, conversationID, user.UserID, messages)
}

// requireMember allows participants and admins through, everyone else gets
// ErrUnauthorized. Missing conversations surface store.ErrNotFound so the
// HTTP layer can distinguish 404 from 403.
func (r *Router) requireMember(ctx context.Context, user *auth.AuthContext, conversationID string) error {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	if user.Role == store.RoleAdmin {
		return nil
	}
	member, err := r.store.IsParticipant(ctx, conversationID, user.UserID)
	if err != nil {
		return err
	}
	if !member {
		return ErrUnauthorized
	}
	return nil
}

// OnTypingStarted handles an inbound typing frame. Non-members are ignored
// rather than erroring: typing is best-effort.
func (r *Router) OnTypingStarted(ctx context.Context, user *auth.AuthContext, conversationID string) {
	if !r.isMember(ctx, user, conversationID) {
		return
	}
	r.delivery.StartTyping(ctx, conversationID, user.UserID)
}

// OnTypingStopped handles an inbound typing-stop frame.
func (r *Router) OnTypingStopped(ctx context.Context, user *auth.AuthContext, conversationID string) {
	if !r.isMember(ctx, user, conversationID) {
		return
	}
	r.delivery.StopTyping(ctx, conversationID, user.UserID)
}

// OnMessageRead handles an inbound read ack from a recipient.
func (r *Router) OnMessageRead(ctx context.Context, user *auth.AuthContext, messageID string) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return
	}
	if !r.isMember(ctx, user, msg.ConversationID) {
		return
	}
	if err := r.delivery.MarkRead(ctx, messageID, user.UserID); err != nil {
		r.logger.Error("failed to mark message read",
			"error", err,
			"message_id", messageID,
			"reader_id", user.UserID)
	}
}

func (r *Router) isMember(ctx context.Context, user *auth.AuthContext, conversationID string) bool {
	member, err := r.store.IsParticipant(ctx, conversationID, user.UserID)
	if err != nil {
		return false
	}
	return member
}

// PresenceChanged receives connect/disconnect transitions from the presence
// tracker and announces them. When requeue-on-disconnect is enabled, a
// support agent going offline releases their active conversations back to
// the queue; otherwise assignments survive the disconnect.
func (r *Router) PresenceChanged(userID string, online bool) {
	r.hub.BroadcastAll(transport.NewEvent(transport.EventPresenceUpdate, transport.PresencePayload{
		UserID: userID,
		Online: online,
	}))

	if online || !r.requeueOnDisconnect {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil || user.Role != store.RoleSupport {
		return
	}
	summaries, err := r.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		r.logger.Error("failed to list conversations for requeue",
			"error", err,
			"user_id", userID)
		return
	}
	for _, s := range summaries {
		if !s.Conversation.IsSupportType() || s.Conversation.Status != store.StatusActive {
			continue
		}
		holds := false
		for _, p := range s.Participants {
			if p.UserID == userID && p.Role == store.RoleSupport {
				holds = true
			}
		}
		if !holds {
			continue
		}
		if err := r.claims.Unclaim(ctx, s.Conversation.ID, userID, true); err != nil {
			r.logger.Error("failed to requeue on disconnect",
				"error", err,
				"conversation_id", s.Conversation.ID,
				"agent_id", userID)
		}
	}
}
