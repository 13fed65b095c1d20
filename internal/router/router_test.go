// ABOUTME: Tests for the conversation router facade
// ABOUTME: Exercises authorization and the end-to-end wiring over the mock store

package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/claim"
	"github.com/2389/support-gateway/internal/delivery"
	"github.com/2389/support-gateway/internal/queue"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// fakeHub satisfies every transport-facing interface the core needs and
// records what was pushed where.
type fakeHub struct {
	mu        sync.Mutex
	online    map[string]bool
	perUser   map[string][]transport.Event
	broadcast []transport.Event
	byRole    map[string][]transport.Event
}

func newFakeHub(onlineUsers ...string) *fakeHub {
	online := make(map[string]bool)
	for _, u := range onlineUsers {
		online[u] = true
	}
	return &fakeHub{
		online:  online,
		perUser: make(map[string][]transport.Event),
		byRole:  make(map[string][]transport.Event),
	}
}

func (f *fakeHub) SendToUser(userID string, event transport.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false
	}
	f.perUser[userID] = append(f.perUser[userID], event)
	return true
}

func (f *fakeHub) BroadcastToRole(role string, event transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRole[role] = append(f.byRole[role], event)
}

func (f *fakeHub) BroadcastAll(event transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, event)
}

func (f *fakeHub) eventCount(userID, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, ev := range f.perUser[userID] {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func (f *fakeHub) broadcastNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, ev := range f.broadcast {
		names = append(names, ev.Event)
	}
	return names
}

type fixture struct {
	store  *store.MockStore
	hub    *fakeHub
	queue  *queue.Queue
	router *Router
}

func newFixture(t *testing.T, requeueOnDisconnect bool, onlineUsers ...string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMockStore()
	hub := newFakeHub(onlineUsers...)
	q := queue.New(ms, logger)
	c := claim.New(ms, q, hub, logger)
	d := delivery.NewEngine(ms, hub, time.Minute, logger)
	t.Cleanup(d.Close)
	return &fixture{
		store:  ms,
		hub:    hub,
		queue:  q,
		router: New(ms, q, c, d, hub, requeueOnDisconnect, logger),
	}
}

func (f *fixture) addUser(t *testing.T, id, role string) *auth.AuthContext {
	t.Helper()
	require.NoError(t, f.store.CreateUser(context.Background(), &store.User{
		ID:          id,
		Username:    id,
		DisplayName: id,
		Role:        role,
	}))
	return &auth.AuthContext{UserID: id, Role: role, DisplayName: id}
}

func TestCreateConversation_EnqueuesSupportTypes(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)

	conv, err := f.router.CreateConversation(context.Background(), student, store.ConversationStudentSupport)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)

	items, err := f.queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, conv.ID, items[0].ConversationID)

	member, err := f.store.IsParticipant(context.Background(), conv.ID, "student-1")
	require.NoError(t, err)
	assert.True(t, member, "creator joins the conversation")
}

func TestCreateConversation_RejectsUnknownType(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)

	_, err := f.router.CreateConversation(context.Background(), student, "group_chat")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateConversation_AdminMonitorIsAdminOnlyAndUnqueued(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)
	admin := f.addUser(t, "admin-1", store.RoleAdmin)

	_, err := f.router.CreateConversation(context.Background(), student, store.ConversationAdminMonitor)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.router.CreateConversation(context.Background(), admin, store.ConversationAdminMonitor)
	require.NoError(t, err)
	assert.Zero(t, f.queue.Len(), "monitor conversations never queue")
}

func TestQueue_SupportOnly(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent := f.addUser(t, "agent-1", store.RoleSupport)

	_, err := f.router.Queue(context.Background(), student)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.router.Queue(context.Background(), agent)
	assert.NoError(t, err)
}

func TestClaim_RoleGateAndConflictPassThrough(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent1 := f.addUser(t, "agent-1", store.RoleSupport)
	agent2 := f.addUser(t, "agent-2", store.RoleSupport)

	conv, err := f.router.CreateConversation(context.Background(), student, store.ConversationStudentSupport)
	require.NoError(t, err)

	_, err = f.router.Claim(context.Background(), student, conv.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	handle, err := f.router.Claim(context.Background(), agent1, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", handle.AgentID)

	_, err = f.router.Claim(context.Background(), agent2, conv.ID)
	assert.ErrorIs(t, err, claim.ErrAlreadyClaimed)
}

func TestUnclaim_AdminForcesOthersClaims(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent1 := f.addUser(t, "agent-1", store.RoleSupport)
	agent2 := f.addUser(t, "agent-2", store.RoleSupport)
	admin := f.addUser(t, "admin-1", store.RoleAdmin)

	conv, err := f.router.CreateConversation(context.Background(), student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.Claim(context.Background(), agent1, conv.ID)
	require.NoError(t, err)

	err = f.router.Unclaim(context.Background(), agent2, conv.ID)
	assert.ErrorIs(t, err, claim.ErrNotOwner)

	require.NoError(t, f.router.Unclaim(context.Background(), admin, conv.ID))
	assert.Equal(t, 1, f.queue.Len(), "released conversation returns to the queue")
}

func TestSendMessage_MembershipAndStatusChecks(t *testing.T) {
	f := newFixture(t, false, "student-1", "agent-1")
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent := f.addUser(t, "agent-1", store.RoleSupport)
	outsider := f.addUser(t, "student-2", store.RoleStudent)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.Claim(ctx, agent, conv.ID)
	require.NoError(t, err)

	_, err = f.router.SendMessage(ctx, outsider, conv.ID, "", "let me in")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.router.SendMessage(ctx, student, conv.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	msg, err := f.router.SendMessage(ctx, student, conv.ID, "tmp-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	require.NoError(t, f.router.Resolve(ctx, student, conv.ID))
	_, err = f.router.SendMessage(ctx, student, conv.ID, "", "too late")
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	f := newFixture(t, false)
	student := f.addUser(t, "student-1", store.RoleStudent)

	_, err := f.router.SendMessage(context.Background(), student, "nope", "", "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveAndReopen_RequeuesOnlyWhenUnassigned(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent := f.addUser(t, "agent-1", store.RoleSupport)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.Claim(ctx, agent, conv.ID)
	require.NoError(t, err)

	require.NoError(t, f.router.Resolve(ctx, student, conv.ID))
	assert.Zero(t, f.queue.Len())

	// Agent still holds it, so reopening does not queue it.
	require.NoError(t, f.router.Reopen(ctx, student, conv.ID))
	assert.Zero(t, f.queue.Len())

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
}

func TestReopen_RequeuesWhenNoAgentHoldsIt(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)

	require.NoError(t, f.router.Resolve(ctx, student, conv.ID))
	require.NoError(t, f.router.Reopen(ctx, student, conv.ID))
	assert.Equal(t, 1, f.queue.Len())
}

func TestHistory_ParticipantsAndAdminsOnly(t *testing.T) {
	f := newFixture(t, false, "student-1")
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)
	outsider := f.addUser(t, "student-2", store.RoleStudent)
	admin := f.addUser(t, "admin-1", store.RoleAdmin)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.SendMessage(ctx, student, conv.ID, "", "hello?")
	require.NoError(t, err)

	_, err = f.router.History(ctx, outsider, conv.ID, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)

	msgs, err := f.router.History(ctx, admin, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = f.router.History(ctx, student, "missing", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkConversationRead_AdminMustBeParticipant(t *testing.T) {
	f := newFixture(t, false, "student-1", "agent-1")
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent := f.addUser(t, "agent-1", store.RoleSupport)
	admin := f.addUser(t, "admin-1", store.RoleAdmin)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.Claim(ctx, agent, conv.ID)
	require.NoError(t, err)
	msg, err := f.router.SendMessage(ctx, student, conv.ID, "", "anyone there?")
	require.NoError(t, err)

	err = f.router.MarkConversationRead(ctx, admin, conv.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReadAt, "non-participant ack must not consume the receipt")
	assert.Zero(t, f.hub.eventCount("student-1", transport.EventMessageRead))

	// The actual recipient's ack still lands.
	require.NoError(t, f.router.MarkConversationRead(ctx, agent, conv.ID))
	got, err = f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReadAt)
	assert.Equal(t, 1, f.hub.eventCount("student-1", transport.EventMessageRead))

	err = f.router.MarkConversationRead(ctx, admin, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOnMessageRead_IgnoresNonMembers(t *testing.T) {
	f := newFixture(t, false, "student-1", "agent-1")
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent := f.addUser(t, "agent-1", store.RoleSupport)
	outsider := f.addUser(t, "student-2", store.RoleStudent)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.Claim(ctx, agent, conv.ID)
	require.NoError(t, err)
	msg, err := f.router.SendMessage(ctx, student, conv.ID, "", "hello")
	require.NoError(t, err)

	f.router.OnMessageRead(ctx, outsider, msg.ID)
	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReadAt)

	f.router.OnMessageRead(ctx, agent, msg.ID)
	got, err = f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReadAt)
}

func TestPresenceChanged_BroadcastsUpdate(t *testing.T) {
	f := newFixture(t, false)
	f.addUser(t, "agent-1", store.RoleSupport)

	f.router.PresenceChanged("agent-1", true)
	f.router.PresenceChanged("agent-1", false)

	assert.Equal(t,
		[]string{transport.EventPresenceUpdate, transport.EventPresenceUpdate},
		f.hub.broadcastNames())
	assert.Zero(t, f.queue.Len(), "requeue-on-disconnect is off by default")
}

func TestPresenceChanged_RequeuePolicyReleasesClaims(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	student := f.addUser(t, "student-1", store.RoleStudent)
	agent := f.addUser(t, "agent-1", store.RoleSupport)

	conv, err := f.router.CreateConversation(ctx, student, store.ConversationStudentSupport)
	require.NoError(t, err)
	_, err = f.router.Claim(ctx, agent, conv.ID)
	require.NoError(t, err)
	require.Zero(t, f.queue.Len())

	f.router.PresenceChanged("agent-1", false)

	assert.Equal(t, 1, f.queue.Len(), "disconnect released the claim")
	_, err = f.store.SupportParticipant(ctx, conv.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
