// Package history is the conversation-log boundary. The call subsystem uses
// it for exactly one thing: appending a "missed call" entry when an attempt
// ends without an answer (caller timeout or receiver decline).
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one conversation log line.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Kind           string    `json:"kind"` // e.g. "missed-call"
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversation log entries in SQLite.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the log database in the given directory.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS log_entries (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			author_id       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			text            TEXT NOT NULL,
			created_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_log_conversation
			ON log_entries (conversation_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create log table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// AppendLogEntry adds one entry to a conversation's log. ID and CreatedAt
// are filled in when empty.
func (s *Store) AppendLogEntry(conversationID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO log_entries (id, conversation_id, author_id, kind, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, conversationID, e.AuthorID, e.Kind, e.Text, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// List returns a conversation's entries, oldest first, capped at limit
// (0 means no cap).
func (s *Store) List(conversationID string, limit int) ([]Entry, error) {
	q := `
		SELECT id, author_id, kind, text, created_at
		FROM log_entries
		WHERE conversation_id = ?
		ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{ConversationID: conversationID}
		if err := rows.Scan(&e.ID, &e.AuthorID, &e.Kind, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
