// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Claim atomicity comes from a partial unique index on support participants

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection avoids
	// SQLITE_BUSY under concurrent claim attempts.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL,
			role          TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL,

			CHECK (role IN ('student', 'driver', 'support', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,

			CHECK (type IN ('student_support', 'driver_support', 'student_driver', 'admin_monitor')),
			CHECK (status IN ('active', 'resolved', 'archived'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_type_status
			ON conversations(type, status);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			role            TEXT NOT NULL,
			joined_at       TEXT NOT NULL,
			last_read_at    TEXT,
			last_read_seq   INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		-- The claim arbiter: at most one support participant per conversation,
		-- enforced by the database regardless of how many processes race.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_support
			ON participants(conversation_id) WHERE role = 'support';

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			delivered_at    TEXT,
			read_at         TEXT,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, username, display_name, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.DisplayName,
		user.Role,
		user.PasswordHash,
		user.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "username", user.Username, "role", user.Role)
	return nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, role, password_hash, created_at
		FROM users WHERE id = ?
	`, id))
}

// GetUserByUsername retrieves a user by username. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, role, password_hash, created_at
		FROM users WHERE username = ?
	`, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var user User
	var createdAtStr string

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.Role,
		&user.PasswordHash,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, type, status, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Type,
		conv.Status,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "type", conv.Type)
	return nil
}

// GetConversation retrieves a conversation by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, created_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Type, &conv.Status, &createdAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

// UpdateConversationStatus updates the status of a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation status", "id", id, "status", status)
	return nil
}

// ListUnassigned returns active support-type conversations with no support
// participant, oldest first.
func (s *SQLiteStore) ListUnassigned(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.status, c.created_at
		FROM conversations c
		WHERE c.type IN ('student_support', 'driver_support')
		  AND c.status = 'active'
		  AND NOT EXISTS (
			SELECT 1 FROM participants p
			WHERE p.conversation_id = c.id AND p.role = 'support'
		  )
		ORDER BY c.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying unassigned conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string
		if err := rows.Scan(&conv.ID, &conv.Type, &conv.Status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// ListConversationsForUser returns conversations where the user participates,
// with last message and unread count, ordered by last activity.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.status, c.created_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id
		          AND m.seq > me.last_read_seq
		          AND m.sender_id != me.user_id) AS unread
		FROM conversations c
		JOIN participants me ON me.conversation_id = c.id AND me.user_id = ?
		ORDER BY (SELECT COALESCE(MAX(m.created_at), c.created_at)
		          FROM messages m WHERE m.conversation_id = c.id) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		var conv Conversation
		var createdAtStr string
		var unread int64
		if err := rows.Scan(&conv.ID, &conv.Type, &conv.Status, &createdAtStr, &unread); err != nil {
			return nil, fmt.Errorf("scanning conversation summary: %w", err)
		}
		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		summaries = append(summaries, &ConversationSummary{
			Conversation: &conv,
			UnreadCount:  unread,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Annotate with participants and last message. Done per conversation
	// rather than in one query; conversation lists are small.
	for _, summary := range summaries {
		participants, err := s.GetParticipants(ctx, summary.Conversation.ID)
		if err != nil {
			return nil, err
		}
		summary.Participants = participants

		msgs, err := s.getMessagesDesc(ctx, summary.Conversation.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			summary.LastMessage = msgs[0]
		}
	}
	return summaries, nil
}

// AddParticipant inserts a participant row. For role='support' the partial
// unique index makes this the atomic claim operation: exactly one concurrent
// insert succeeds, the rest get ErrSupportTaken.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participants (conversation_id, user_id, role, joined_at, last_read_seq)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ConversationID,
		p.UserID,
		p.Role,
		p.JoinedAt.UTC().Format(time.RFC3339Nano),
		p.LastReadSeq,
	)
	if err != nil {
		if isConstraintViolation(err) {
			if strings.Contains(err.Error(), "idx_participants_support") {
				return ErrSupportTaken
			}
			return ErrDuplicateParticipant
		}
		return fmt.Errorf("inserting participant: %w", err)
	}

	s.logger.Debug("added participant",
		"conversation_id", p.ConversationID,
		"user_id", p.UserID,
		"role", p.Role)
	return nil
}

// RemoveParticipant deletes a participant row. Removing a non-member is a no-op.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	return nil
}

// GetParticipants returns all participants of a conversation.
func (s *SQLiteStore) GetParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, last_read_at, last_read_seq
		FROM participants
		WHERE conversation_id = ?
		ORDER BY joined_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// IsParticipant reports whether the user is a member of the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return true, nil
}

// SupportParticipant returns the support participant of a conversation, or
// ErrNotFound if the conversation is unclaimed.
func (s *SQLiteStore) SupportParticipant(ctx context.Context, conversationID string) (*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, last_read_at, last_read_seq
		FROM participants
		WHERE conversation_id = ? AND role = 'support'
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying support participant: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanParticipant(rows)
}

func scanParticipant(rows *sql.Rows) (*Participant, error) {
	var p Participant
	var joinedAtStr string
	var lastReadAtStr sql.NullString

	if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &joinedAtStr, &lastReadAtStr, &p.LastReadSeq); err != nil {
		return nil, fmt.Errorf("scanning participant: %w", err)
	}

	var err error
	p.JoinedAt, err = time.Parse(time.RFC3339Nano, joinedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	if lastReadAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastReadAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_read_at: %w", err)
		}
		p.LastReadAt = &t
	}
	return &p, nil
}

// UpdateLastRead advances the participant's read watermark. The watermark
// only moves forward; stale acks are no-ops.
func (s *SQLiteStore) UpdateLastRead(ctx context.Context, conversationID, userID string, seq int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET last_read_seq = ?, last_read_at = ?
		WHERE conversation_id = ? AND user_id = ? AND last_read_seq < ?
	`, seq, at.UTC().Format(time.RFC3339Nano), conversationID, userID, seq)
	if err != nil {
		return fmt.Errorf("updating last read: %w", err)
	}
	return nil
}

// SaveMessage inserts a message, assigning the next per-conversation sequence
// number inside the transaction. The unique index on (conversation_id, seq)
// catches any write that slips past the transaction.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, msg.ConversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("assigning sequence: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		seq,
		msg.SenderID,
		msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.Seq = seq
	s.logger.Debug("saved message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", seq)
	return nil
}

// GetMessage retrieves a message by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, sender_id, content, created_at, delivered_at, read_at
		FROM messages WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanMessage(rows)
}

// GetConversationMessages returns messages ascending by sequence.
// A limit of 0 returns everything.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, seq, sender_id, content, created_at, delivered_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// getMessagesDesc returns the most recent messages, newest first.
func (s *SQLiteStore) getMessagesDesc(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, sender_id, content, created_at, delivered_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var createdAtStr string
	var deliveredAtStr, readAtStr sql.NullString

	err := rows.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderID,
		&msg.Content,
		&createdAtStr,
		&deliveredAtStr,
		&readAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if deliveredAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, deliveredAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing delivered_at: %w", err)
		}
		msg.DeliveredAt = &t
	}
	if readAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, readAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		msg.ReadAt = &t
	}
	return &msg, nil
}

// MarkMessageDelivered sets delivered_at if it is not already set.
func (s *SQLiteStore) MarkMessageDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at = ?
		WHERE id = ? AND delivered_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	return nil
}

// MarkMessageRead sets read_at if it is not already set, backfilling
// delivered_at with the same instant when the message skipped the delivered
// state (recipient was already viewing the conversation). The row count tells
// racing acks apart: only the one that flipped read_at sees true.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string, at time.Time) (bool, error) {
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
		WHERE id = ? AND read_at IS NULL
	`, ts, ts, id)
	if err != nil {
		return false, fmt.Errorf("marking message read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking message read: %w", err)
	}
	return n > 0, nil
}
