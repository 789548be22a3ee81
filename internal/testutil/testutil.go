// Package testutil provides shared helpers for package tests: a
// throwaway relay database and an in-process HTTP client.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/flitsinc/agent-relay/internal/state"
)

// OpenTestDB opens a fresh relay database in a per-test temp dir with
// the full schema applied.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open test db %s: %v", path, err)
	}
	return db, func() { _ = db.Close() }
}

// SeedRun inserts the chat, message, and run rows a run-event append
// needs, so event-log tests can use fixed message ids without going
// through intake.
func SeedRun(t *testing.T, db *sql.DB, messageIDs ...string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range messageIDs {
		chatID := "chat-" + id
		if _, err := db.Exec(`INSERT INTO chats (id, last_interaction_at, created_at) VALUES (?, ?, ?)`, chatID, now, now); err != nil {
			t.Fatalf("seed chat for %s: %v", id, err)
		}
		if _, err := db.Exec(`INSERT INTO messages (id, chat_id, participant, parts, created_at) VALUES (?, ?, ?, ?, ?)`, id, chatID, state.AgentParticipant("seed"), "[]", now); err != nil {
			t.Fatalf("seed message %s: %v", id, err)
		}
		if _, err := db.Exec(`INSERT INTO runs (message_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`, id, state.RunPending, now, now); err != nil {
			t.Fatalf("seed run %s: %v", id, err)
		}
	}
}
