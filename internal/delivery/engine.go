// ABOUTME: Drives the message lifecycle (sent, delivered, read) and typing indicators
// ABOUTME: Record first, then push: a message is persisted before any transport attempt

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// MessageStore defines what the engine needs from storage.
type MessageStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetParticipants(ctx context.Context, conversationID string) ([]*store.Participant, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	MarkMessageDelivered(ctx context.Context, id string, at time.Time) error
	MarkMessageRead(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateLastRead(ctx context.Context, conversationID, userID string, seq int64, at time.Time) error
}

// Channel defines what the engine needs from the transport layer.
type Channel interface {
	SendToUser(userID string, event transport.Event) bool
}

// Engine owns the send-deliver-read lifecycle. Per-conversation locking
// keeps fan-out in persisted order; the hub's buffered per-connection writes
// keep it from blocking on slow clients.
type Engine struct {
	store   MessageStore
	channel Channel
	typing  *TypingTracker
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-conversation
}

// NewEngine creates a delivery engine. typingTTL bounds how long a typing
// indicator survives without a refresh.
func NewEngine(ms MessageStore, ch Channel, typingTTL time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   ms,
		channel: ch,
		logger:  logger.With("component", "delivery"),
		locks:   make(map[string]*sync.Mutex),
	}
	e.typing = NewTypingTracker(typingTTL, e.typingExpired)
	return e
}

// Close stops the typing tracker's timers.
func (e *Engine) Close() {
	e.typing.Close()
}

func (e *Engine) lockFor(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[conversationID] = l
	}
	return l
}

// Send persists the message and pushes it to every other participant's live
// connections. The returned message carries the authoritative id and seq the
// caller echoes back (with clientID) so the optimistic copy is replaced, not
// duplicated. If no recipient is connected the message simply stays Sent;
// the sender only sees an error when persistence itself failed.
func (e *Engine) Send(ctx context.Context, conversationID, senderID, clientID, content string) (*store.Message, error) {
	sender, err := e.store.GetUser(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("looking up sender: %w", err)
	}

	l := e.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	// Record first, then act.
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	participants, err := e.store.GetParticipants(ctx, conversationID)
	if err != nil {
		// The message is durable; delivery will happen when the recipient
		// resyncs. Not an error for the sender.
		e.logger.Error("failed to load participants for delivery",
			"error", err,
			"conversation_id", conversationID,
			"message_id", msg.ID)
		return msg, nil
	}

	event := transport.NewEvent(transport.EventMessageNew, transport.MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     sender.DisplayName,
		Content:        msg.Content,
		Seq:            msg.Seq,
		CreatedAt:      msg.CreatedAt,
		ClientID:       clientID,
	})

	delivered := false
	for _, p := range participants {
		if p.UserID == senderID {
			continue
		}
		if e.channel.SendToUser(p.UserID, event) {
			delivered = true
		}
	}

	if delivered {
		e.markDelivered(msg.ID)
	}

	e.logger.Debug("message sent",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"seq", msg.Seq,
		"delivered", delivered)
	return msg, nil
}

// markDelivered records the delivery and confirms it to the sender. Runs with
// its own timeout context so a cancelled request cannot lose the confirmation
// once the transport accepted the message.
func (e *Engine) markDelivered(messageID string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.MarkMessageDelivered(saveCtx, messageID, time.Now()); err != nil {
		e.logger.Error("failed to mark delivered", "error", err, "message_id", messageID)
		return
	}

	msg, err := e.store.GetMessage(saveCtx, messageID)
	if err != nil {
		e.logger.Error("failed to reload message after delivery", "error", err, "message_id", messageID)
		return
	}
	e.channel.SendToUser(msg.SenderID, transport.NewEvent(
		transport.EventMessageDelivered,
		transport.DeliveredPayload{MessageID: messageID},
	))
}

// MarkRead records that readerID has viewed the message. Idempotent: once
// read_at is set further acks change nothing and emit nothing. Also advances
// the reader's last-read watermark so unread counts stay consistent.
func (e *Engine) MarkRead(ctx context.Context, messageID, readerID string) error {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == readerID {
		// Reading your own message is meaningless; drop it.
		return nil
	}
	if msg.ReadAt != nil {
		return nil
	}

	now := time.Now()
	updated, err := e.store.MarkMessageRead(ctx, messageID, now)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	if !updated {
		// A concurrent ack got here first; its receipt already went out.
		return nil
	}
	if err := e.store.UpdateLastRead(ctx, msg.ConversationID, readerID, msg.Seq, now); err != nil {
		e.logger.Error("failed to advance read watermark",
			"error", err,
			"conversation_id", msg.ConversationID,
			"reader_id", readerID)
	}

	e.channel.SendToUser(msg.SenderID, transport.NewEvent(
		transport.EventMessageRead,
		transport.ReadPayload{MessageID: messageID, ReaderID: readerID},
	))

	e.logger.Debug("message read",
		"message_id", messageID,
		"reader_id", readerID)
	return nil
}

// MarkConversationRead acks every unread message in the conversation up to
// and including the latest, for clients that report "viewed the conversation"
// rather than individual messages.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID, readerID string, messages []*store.Message) error {
	var lastErr error
	for _, msg := range messages {
		if msg.SenderID == readerID || msg.ReadAt != nil {
			continue
		}
		if err := e.MarkRead(ctx, msg.ID, readerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			lastErr = err
		}
	}
	return lastErr
}

// StartTyping registers or refreshes the typing indicator. Only the fresh
// start broadcasts typing:started; refreshes within the TTL are silent.
func (e *Engine) StartTyping(ctx context.Context, conversationID, userID string) {
	if e.typing.Start(conversationID, userID) {
		e.broadcastTyping(ctx, conversationID, userID, true)
	}
}

// StopTyping clears the indicator immediately. Honored but never required:
// the TTL expiry covers clients that crash or disconnect mid-keystroke.
func (e *Engine) StopTyping(ctx context.Context, conversationID, userID string) {
	if e.typing.Stop(conversationID, userID) {
		e.broadcastTyping(ctx, conversationID, userID, false)
	}
}

// typingExpired fires from the tracker when a TTL lapses without a refresh.
func (e *Engine) typingExpired(conversationID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.broadcastTyping(ctx, conversationID, userID, false)
}

func (e *Engine) broadcastTyping(ctx context.Context, conversationID, userID string, started bool) {
	participants, err := e.store.GetParticipants(ctx, conversationID)
	if err != nil {
		e.logger.Error("failed to load participants for typing broadcast",
			"error", err,
			"conversation_id", conversationID)
		return
	}

	name := transport.EventTypingStopped
	if started {
		name = transport.EventTypingStarted
	}
	event := transport.NewEvent(name, transport.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	})

	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		e.channel.SendToUser(p.UserID, event)
	}
}
