// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines User, Conversation, Participant, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSupportTaken is returned when a conversation already has a support
// participant. The partial unique index on participants(conversation_id)
// WHERE role='support' is the arbiter; this error is the expected outcome
// of losing a claim race, not a failure.
var ErrSupportTaken = errors.New("conversation already has a support participant")

// ErrDuplicateParticipant is returned when adding a participant that is
// already a member of the conversation.
var ErrDuplicateParticipant = errors.New("participant already exists")

// UserRole constants for user roles
const (
	RoleStudent = "student"
	RoleDriver  = "driver"
	RoleSupport = "support"
	RoleAdmin   = "admin"
)

// ConversationType constants
const (
	ConversationStudentSupport = "student_support"
	ConversationDriverSupport  = "driver_support"
	ConversationStudentDriver  = "student_driver"
	ConversationAdminMonitor   = "admin_monitor"
)

// ConversationStatus constants
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
	StatusArchived = "archived"
)

// User represents an authenticated account
type User struct {
	ID           string
	Username     string
	DisplayName  string
	Role         string // "student", "driver", "support", "admin"
	PasswordHash string // bcrypt hash
	CreatedAt    time.Time
}

// Conversation represents a chat between participants. Support-type
// conversations ("student_support", "driver_support") start with zero
// support participants and are queued until an agent claims them.
type Conversation struct {
	ID        string
	Type      string
	Status    string // "active", "resolved", "archived"
	CreatedAt time.Time
}

// IsSupportType reports whether the conversation is routed through the
// agent queue.
func (c *Conversation) IsSupportType() bool {
	return c.Type == ConversationStudentSupport || c.Type == ConversationDriverSupport
}

// Participant links a user to a conversation. LastReadSeq is the read
// watermark used to compute unread counts.
type Participant struct {
	ConversationID string
	UserID         string
	Role           string // role within the conversation, mirrors the user role
	JoinedAt       time.Time
	LastReadAt     *time.Time
	LastReadSeq    int64
}

// Message represents a single chat message. Seq is assigned by the store,
// strictly increasing per conversation, and defines delivery order.
// DeliveredAt/ReadAt are set at most once; ReadAt implies DeliveredAt.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	Content        string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// ConversationSummary is a conversation annotated with the caller's view:
// last message preview and unread count.
type ConversationSummary struct {
	Conversation *Conversation
	Participants []*Participant
	LastMessage  *Message
	UnreadCount  int64
}

// Store defines the interface for support-gateway persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, status string) error

	// ListUnassigned returns active support-type conversations with no
	// support participant, oldest first. This is the queue's ground truth.
	ListUnassigned(ctx context.Context) ([]*Conversation, error)

	// ListConversationsForUser returns conversations where the user is a
	// participant, annotated with last message and unread count, most
	// recently active first.
	ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationSummary, error)

	// Participants
	//
	// AddParticipant returns ErrSupportTaken when role is "support" and the
	// conversation already has a support participant (atomic at the schema
	// level), and ErrDuplicateParticipant when the user is already a member.
	AddParticipant(ctx context.Context, p *Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	GetParticipants(ctx context.Context, conversationID string) ([]*Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	SupportParticipant(ctx context.Context, conversationID string) (*Participant, error)
	UpdateLastRead(ctx context.Context, conversationID, userID string, seq int64, at time.Time) error

	// Messages
	//
	// SaveMessage assigns Seq and CreatedAt inside the insert transaction.
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// MarkMessageDelivered sets delivered_at if unset. No-op otherwise.
	MarkMessageDelivered(ctx context.Context, id string, at time.Time) error
	// MarkMessageRead sets read_at if unset, backfilling delivered_at so a
	// read message is always delivered. Reports whether this call set it;
	// once read, later calls return false so callers can suppress duplicate
	// receipts.
	MarkMessageRead(ctx context.Context, id string, at time.Time) (bool, error)

	Close() error
}
