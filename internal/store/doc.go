// Package store provides SQLite persistence for users, conversations,
// participants, and messages.
//
// # Schema Highlights
//
// Message seq is assigned inside the insert transaction from MAX(seq)+1 and
// is unique per conversation, so delivery order is defined by the database
// rather than by wall clocks. The partial unique index on
// participants(conversation_id) WHERE role='support' makes the single-agent
// invariant a storage-level guarantee; AddParticipant maps the constraint
// violation to ErrSupportTaken.
//
// # Implementations
//
// SQLiteStore is the real store (modernc.org/sqlite, WAL mode, single
// writer). MockStore is an in-memory implementation for tests that enforces
// the same invariants.
package store
