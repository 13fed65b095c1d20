// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User                   // keyed by user ID
	usernames     map[string]string                  // keyed by username -> user ID
	conversations map[string]*Conversation           // keyed by conversation ID
	participants  map[string]map[string]*Participant // conversationID -> userID -> participant
	messages      map[string][]*Message              // keyed by conversationID, ordered by seq
	messageIndex  map[string]*Message                // keyed by message ID

	// FailNext makes the next store call return this error, simulating a
	// persistence failure.
	FailNext error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		usernames:     make(map[string]string),
		conversations: make(map[string]*Conversation),
		participants:  make(map[string]map[string]*Participant),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
	}
}

func (m *MockStore) failNext() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	u := *user
	m.users[u.ID] = &u
	m.usernames[u.Username] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.users[id]
	return &result, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// UpdateConversationStatus updates a conversation's status.
func (m *MockStore) UpdateConversationStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

// ListUnassigned returns active support conversations without a support participant.
func (m *MockStore) ListUnassigned(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if !c.IsSupportType() || c.Status != StatusActive {
			continue
		}
		if m.supportParticipantLocked(c.ID) != nil {
			continue
		}
		result := *c
		convs = append(convs, &result)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
	return convs, nil
}

// ListConversationsForUser returns summaries for conversations the user belongs to.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var summaries []*ConversationSummary
	for convID, members := range m.participants {
		me, ok := members[userID]
		if !ok {
			continue
		}
		conv := m.conversations[convID]
		if conv == nil {
			continue
		}

		summary := &ConversationSummary{Conversation: &Conversation{}}
		*summary.Conversation = *conv
		for _, p := range members {
			cp := *p
			summary.Participants = append(summary.Participants, &cp)
		}
		msgs := m.messages[convID]
		if len(msgs) > 0 {
			last := *msgs[len(msgs)-1]
			summary.LastMessage = &last
		}
		for _, msg := range msgs {
			if msg.Seq > me.LastReadSeq && msg.SenderID != userID {
				summary.UnreadCount++
			}
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Conversation.CreatedAt.After(summaries[j].Conversation.CreatedAt)
	})
	return summaries, nil
}

// AddParticipant stores a participant, enforcing the single-support invariant.
func (m *MockStore) AddParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	members, ok := m.participants[p.ConversationID]
	if !ok {
		members = make(map[string]*Participant)
		m.participants[p.ConversationID] = members
	}
	if _, exists := members[p.UserID]; exists {
		return ErrDuplicateParticipant
	}
	if p.Role == RoleSupport && m.supportParticipantLocked(p.ConversationID) != nil {
		return ErrSupportTaken
	}

	cp := *p
	members[p.UserID] = &cp
	return nil
}

// RemoveParticipant deletes a participant. No-op if absent.
func (m *MockStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	if members, ok := m.participants[conversationID]; ok {
		delete(members, userID)
	}
	return nil
}

// GetParticipants returns participants of a conversation.
func (m *MockStore) GetParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var participants []*Participant
	for _, p := range m.participants[conversationID] {
		cp := *p
		participants = append(participants, &cp)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	return participants, nil
}

// IsParticipant reports membership.
func (m *MockStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members, ok := m.participants[conversationID]
	if !ok {
		return false, nil
	}
	_, ok = members[userID]
	return ok, nil
}

// SupportParticipant returns the support participant, or ErrNotFound.
func (m *MockStore) SupportParticipant(ctx context.Context, conversationID string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.supportParticipantLocked(conversationID)
	if p == nil {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

func (m *MockStore) supportParticipantLocked(conversationID string) *Participant {
	for _, p := range m.participants[conversationID] {
		if p.Role == RoleSupport {
			return p
		}
	}
	return nil
}

// UpdateLastRead advances the read watermark, never backwards.
func (m *MockStore) UpdateLastRead(ctx context.Context, conversationID, userID string, seq int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	members, ok := m.participants[conversationID]
	if !ok {
		return nil
	}
	p, ok := members[userID]
	if !ok {
		return nil
	}
	if seq > p.LastReadSeq {
		p.LastReadSeq = seq
		t := at
		p.LastReadAt = &t
	}
	return nil
}

// SaveMessage stores a message and assigns the next sequence number.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	msgs := m.messages[msg.ConversationID]
	msg.Seq = int64(len(msgs)) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	cp := *msg
	m.messages[msg.ConversationID] = append(msgs, &cp)
	m.messageIndex[msg.ID] = &cp
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// GetConversationMessages returns messages ascending by sequence.
func (m *MockStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

// MarkMessageDelivered sets delivered_at once.
func (m *MockStore) MarkMessageDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil
	}
	if msg.DeliveredAt == nil {
		t := at
		msg.DeliveredAt = &t
	}
	return nil
}

// MarkMessageRead sets read_at once, backfilling delivered_at. Reports
// whether this call performed the update.
func (m *MockStore) MarkMessageRead(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return false, err
	}

	msg, ok := m.messageIndex[id]
	if !ok {
		return false, nil
	}
	if msg.ReadAt != nil {
		return false, nil
	}
	t := at
	msg.ReadAt = &t
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &t
	}
	return true, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
