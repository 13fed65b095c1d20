// ABOUTME: HTTP API handlers for the support conversation endpoints
// ABOUTME: JSON request/response types and sentinel-error to status mapping

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/claim"
	"github.com/2389/support-gateway/internal/router"
	"github.com/2389/support-gateway/internal/store"
)

// dummyHash keeps login timing uniform for unknown usernames.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse is the user object embedded in login responses.
type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Type string `json:"type"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ConversationSummaryResponse annotates a conversation with the caller's view.
type ConversationSummaryResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	UnreadCount  int64                `json:"unread_count"`
	LastMessage  *MessageResponse     `json:"last_message,omitempty"`
}

// QueueItemResponse is one waiting conversation in GET /api/conversations/unassigned.
type QueueItemResponse struct {
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	CreatedAt      string `json:"created_at"`
	WaitingSeconds int64  `json:"waiting_seconds"`
	Priority       string `json:"priority"`
}

// ClaimResponse is the JSON response for a successful claim.
type ClaimResponse struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	ClaimedAt      string `json:"claimed_at"`
}

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id,omitempty"`
	Content        string `json:"content"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	DeliveredAt    string `json:"delivered_at,omitempty"`
	ReadAt         string `json:"read_at,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

func messageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339Nano),
	}
	if msg.DeliveredAt != nil {
		resp.DeliveredAt = msg.DeliveredAt.Format(time.RFC3339Nano)
	}
	if msg.ReadAt != nil {
		resp.ReadAt = msg.ReadAt.Format(time.RFC3339Nano)
	}
	return resp
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        conv.ID,
		Type:      conv.Type,
		Status:    conv.Status,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := g.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		// Burn a compare anyway so missing users cost the same as bad
		// passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.verifier.Generate(user.ID, user.Role, user.DisplayName, g.tokenTTL)
	if err != nil {
		g.logger.Error("failed to generate token", "error", err, "user_id", user.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, LoginResponse{
		Token: token,
		User: UserResponse{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Role:        user.Role,
		},
	})
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	summaries, err := g.router.MyConversations(r.Context(), user)
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := make([]ConversationSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		item := ConversationSummaryResponse{
			Conversation: conversationResponse(s.Conversation),
			UnreadCount:  s.UnreadCount,
		}
		if s.LastMessage != nil {
			last := messageResponse(s.LastMessage)
			item.LastMessage = &last
		}
		resp = append(resp, item)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.router.CreateConversation(r.Context(), user, req.Type)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

func (g *Gateway) handleUnassigned(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	items, err := g.router.Queue(r.Context(), user)
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := make([]QueueItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, QueueItemResponse{
			ConversationID: item.ConversationID,
			Type:           item.Type,
			CreatedAt:      item.CreatedAt.Format(time.RFC3339Nano),
			WaitingSeconds: int64(item.Waiting.Seconds()),
			Priority:       item.Priority,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")

	handle, err := g.router.Claim(r.Context(), user, conversationID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ClaimResponse{
		ConversationID: handle.ConversationID,
		AgentID:        handle.AgentID,
		ClaimedAt:      handle.ClaimedAt.Format(time.RFC3339Nano),
	})
}

func (g *Gateway) handleUnclaim(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	if err := g.router.Unclaim(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	if err := g.router.Resolve(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (g *Gateway) handleReopen(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	if err := g.router.Reopen(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	if err := g.router.MarkConversationRead(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	messages, err := g.router.History(r.Context(), user, chi.URLParam(r, "id"), 0)
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		resp = append(resp, messageResponse(msg))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	msg, err := g.router.SendMessage(r.Context(), user, req.ConversationID, req.ClientID, req.Content)
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := messageResponse(msg)
	resp.ClientID = req.ClientID
	g.sendJSON(w, http.StatusOK, resp)
}

// sendError maps sentinel errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 without leaking internals.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, router.ErrUnauthorized), errors.Is(err, claim.ErrNotOwner):
		g.sendJSONError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, router.ErrInvalidInput):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, claim.ErrAlreadyClaimed):
		g.sendJSONError(w, http.StatusConflict, "conversation already claimed")
	case errors.Is(err, claim.ErrNotClaimable), errors.Is(err, router.ErrConversationClosed):
		g.sendJSONError(w, http.StatusConflict, "conversation is not active")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
