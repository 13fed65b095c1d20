// ABOUTME: Tests for the message delivery engine
// ABOUTME: Uses a recording fake channel and the in-memory store

package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// fakeChannel records every event pushed per user. Users not in the online
// set reject sends, like a hub with no live connection for them.
type fakeChannel struct {
	mu     sync.Mutex
	online map[string]bool
	sent   map[string][]transport.Event
}

func newFakeChannel(onlineUsers ...string) *fakeChannel {
	online := make(map[string]bool)
	for _, u := range onlineUsers {
		online[u] = true
	}
	return &fakeChannel{online: online, sent: make(map[string][]transport.Event)}
}

func (f *fakeChannel) SendToUser(userID string, event transport.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false
	}
	f.sent[userID] = append(f.sent[userID], event)
	return true
}

func (f *fakeChannel) eventsFor(userID string) []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Event(nil), f.sent[userID]...)
}

func (f *fakeChannel) countEvents(userID, name string) int {
	n := 0
	for _, ev := range f.eventsFor(userID) {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func seedConversation(t *testing.T, ms *store.MockStore, userIDs ...string) string {
	t.Helper()
	ctx := context.Background()
	conv := &store.Conversation{
		ID:        "conv-1",
		Type:      store.ConversationStudentSupport,
		Status:    store.StatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, ms.CreateConversation(ctx, conv))
	for i, id := range userIDs {
		role := store.RoleStudent
		if i > 0 {
			role = store.RoleSupport
		}
		require.NoError(t, ms.CreateUser(ctx, &store.User{
			ID:          id,
			Username:    id,
			DisplayName: "User " + id,
			Role:        role,
		}))
		require.NoError(t, ms.AddParticipant(ctx, &store.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           role,
			JoinedAt:       time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}
	return conv.ID
}

func TestSend_PersistsThenPushes(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")

	msg, err := engine.Send(context.Background(), convID, "alice", "tmp-123", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, int64(1), msg.Seq)

	// Recipient got message:new with the client id echoed.
	events := ch.eventsFor("bob")
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventMessageNew, events[0].Event)

	var payload transport.MessagePayload
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, msg.ID, payload.ID)
	assert.Equal(t, "tmp-123", payload.ClientID)
	assert.Equal(t, "User alice", payload.SenderName)

	// Sender got the delivery confirmation, not the message itself.
	assert.Equal(t, 1, ch.countEvents("alice", transport.EventMessageDelivered))
	assert.Equal(t, 0, ch.countEvents("alice", transport.EventMessageNew))

	stored, err := ms.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Nil(t, stored.ReadAt)
}

func TestSend_RecipientOfflineStaysSent(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice") // bob offline
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")

	msg, err := engine.Send(context.Background(), convID, "alice", "", "anyone there?")
	require.NoError(t, err)

	stored, err := ms.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.DeliveredAt, "no live recipient means no delivery")
	assert.Equal(t, 0, ch.countEvents("alice", transport.EventMessageDelivered))
}

func TestSend_PersistFailureReturnsError(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")

	ms.FailNext = assert.AnError
	_, err := engine.Send(context.Background(), convID, "alice", "", "lost")
	require.Error(t, err)
	assert.Empty(t, ch.eventsFor("bob"), "nothing fans out when persistence failed")
}

func TestSend_SequencesStayOrdered(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Send(context.Background(), convID, "alice", "", "msg")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events := ch.eventsFor("bob")
	require.Len(t, events, 10)
	for i, ev := range events {
		var payload transport.MessagePayload
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, int64(i+1), payload.Seq, "fan-out must follow persisted order")
	}
}

func TestMarkRead_NotifiesSenderOnce(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")
	msg, err := engine.Send(context.Background(), convID, "alice", "", "hi")
	require.NoError(t, err)

	require.NoError(t, engine.MarkRead(context.Background(), msg.ID, "bob"))
	require.NoError(t, engine.MarkRead(context.Background(), msg.ID, "bob"))

	assert.Equal(t, 1, ch.countEvents("alice", transport.EventMessageRead),
		"second ack is idempotent and emits nothing")

	stored, err := ms.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReadAt)
}

func TestMarkRead_ConcurrentAcksEmitOneReceipt(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")
	msg, err := engine.Send(context.Background(), convID, "alice", "", "hi")
	require.NoError(t, err)

	// Racing acks all load the message unread; the store arbitrates which
	// one flipped read_at and only that one may notify the sender.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.MarkRead(context.Background(), msg.ID, "bob"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ch.countEvents("alice", transport.EventMessageRead))
}

func TestMarkRead_ImpliesDelivered(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice") // bob offline at send time
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")
	msg, err := engine.Send(context.Background(), convID, "alice", "", "hi")
	require.NoError(t, err)

	require.NoError(t, engine.MarkRead(context.Background(), msg.ID, "bob"))

	stored, err := ms.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt, "read backfills delivered")
	assert.NotNil(t, stored.ReadAt)
}

func TestMarkRead_OwnMessageIsNoOp(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	convID := seedConversation(t, ms, "alice", "bob")
	msg, err := engine.Send(context.Background(), convID, "alice", "", "hi")
	require.NoError(t, err)

	require.NoError(t, engine.MarkRead(context.Background(), msg.ID, "alice"))

	stored, err := ms.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ReadAt)
	assert.Equal(t, 0, ch.countEvents("alice", transport.EventMessageRead))
}

func TestMarkRead_AdvancesWatermark(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	ctx := context.Background()
	convID := seedConversation(t, ms, "alice", "bob")

	_, err := engine.Send(ctx, convID, "alice", "", "one")
	require.NoError(t, err)
	second, err := engine.Send(ctx, convID, "alice", "", "two")
	require.NoError(t, err)

	require.NoError(t, engine.MarkRead(ctx, second.ID, "bob"))

	participants, err := ms.GetParticipants(ctx, convID)
	require.NoError(t, err)
	for _, p := range participants {
		if p.UserID == "bob" {
			assert.Equal(t, int64(2), p.LastReadSeq)
		}
	}
}

func TestMarkConversationRead_AcksOnlyForeignUnread(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	ctx := context.Background()
	convID := seedConversation(t, ms, "alice", "bob")

	first, err := engine.Send(ctx, convID, "alice", "", "one")
	require.NoError(t, err)
	_, err = engine.Send(ctx, convID, "bob", "", "from bob")
	require.NoError(t, err)
	require.NoError(t, engine.MarkRead(ctx, first.ID, "bob"))
	_, err = engine.Send(ctx, convID, "alice", "", "three")
	require.NoError(t, err)

	messages, err := ms.GetConversationMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.NoError(t, engine.MarkConversationRead(ctx, convID, "bob", messages))

	// Only one read event beyond the explicit ack: bob's own message and the
	// already-read one are skipped.
	assert.Equal(t, 2, ch.countEvents("alice", transport.EventMessageRead))
}

func TestTyping_StartBroadcastsOncePerBurst(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	ctx := context.Background()
	convID := seedConversation(t, ms, "alice", "bob")

	engine.StartTyping(ctx, convID, "alice")
	engine.StartTyping(ctx, convID, "alice")
	engine.StartTyping(ctx, convID, "alice")

	assert.Equal(t, 1, ch.countEvents("bob", transport.EventTypingStarted))
	assert.Equal(t, 0, ch.countEvents("alice", transport.EventTypingStarted),
		"typing never echoes to the typist")
}

func TestTyping_StopBroadcastsOnlyWhenLive(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, time.Minute, testLogger())
	defer engine.Close()

	ctx := context.Background()
	convID := seedConversation(t, ms, "alice", "bob")

	engine.StopTyping(ctx, convID, "alice")
	assert.Equal(t, 0, ch.countEvents("bob", transport.EventTypingStopped))

	engine.StartTyping(ctx, convID, "alice")
	engine.StopTyping(ctx, convID, "alice")
	assert.Equal(t, 1, ch.countEvents("bob", transport.EventTypingStopped))
}

func TestTyping_ExpiresWithoutRefresh(t *testing.T) {
	ms := store.NewMockStore()
	ch := newFakeChannel("alice", "bob")
	engine := NewEngine(ms, ch, 30*time.Millisecond, testLogger())
	defer engine.Close()

	ctx := context.Background()
	convID := seedConversation(t, ms, "alice", "bob")

	engine.StartTyping(ctx, convID, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.countEvents("bob", transport.EventTypingStopped) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected typing:stopped after TTL lapse")
}
