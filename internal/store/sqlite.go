package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists chat history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat history database: %w", err)
	}
	// Writes for one thread are serialized upstream; a single connection
	// avoids SQLITE_BUSY between concurrent threads.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate chat history database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		meta TEXT,
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (thread_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread_turn ON messages(thread_id, turn);

	CREATE TABLE IF NOT EXISTS counters (
		thread_id TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage writes a single message to the log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, item Item) error {
	metaJSON, err := marshalMeta(item.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (thread_id, seq, role, content, ts, session_id, turn, meta, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ThreadID, item.Seq, item.Role, item.Content, item.Timestamp, item.SessionID, item.Turn, metaJSON, item.ExpiresAt)
	return err
}

// QueryRecent returns recent messages in ascending sequence order.
func (s *SQLiteStore) QueryRecent(ctx context.Context, threadID string, turns int) ([]Item, error) {
	limit := turns*2 + recentFetchSlack
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, seq, role, content, ts, session_id, turn, meta, expires_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	// Reverse so oldest is first (we queried DESC for LIMIT).
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// BatchWrite writes items in a transaction and returns the unprocessed subset.
func (s *SQLiteStore) BatchWrite(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return items, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO messages (thread_id, seq, role, content, ts, session_id, turn, meta, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return items, err
	}
	defer stmt.Close()

	var unprocessed []Item
	for _, item := range items {
		metaJSON, merr := marshalMeta(item.Meta)
		if merr != nil {
			unprocessed = append(unprocessed, item)
			continue
		}
		if _, err := stmt.ExecContext(ctx, item.ThreadID, item.Seq, item.Role, item.Content,
			item.Timestamp, item.SessionID, item.Turn, metaJSON, item.ExpiresAt); err != nil {
			unprocessed = append(unprocessed, item)
		}
	}

	if err := tx.Commit(); err != nil {
		return items, err
	}
	return unprocessed, nil
}

// NextSeq atomically increments and returns the thread's sequence counter.
func (s *SQLiteStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (thread_id, next_seq) VALUES (?, 1)
		ON CONFLICT(thread_id) DO UPDATE SET next_seq = next_seq + 1
		RETURNING next_seq
	`, threadID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// MaxTurn returns the highest turn index recorded for the thread.
func (s *SQLiteStore) MaxTurn(ctx context.Context, threadID string) (int64, error) {
	var turn sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(turn) FROM messages WHERE thread_id = ?", threadID).Scan(&turn)
	if err != nil {
		return 0, err
	}
	if !turn.Valid {
		return 0, nil
	}
	return turn.Int64, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalMeta(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	str := string(data)
	return &str, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var metaJSON sql.NullString
		var ts time.Time
		if err := rows.Scan(&it.ThreadID, &it.Seq, &it.Role, &it.Content, &ts,
			&it.SessionID, &it.Turn, &metaJSON, &it.ExpiresAt); err != nil {
			return nil, err
		}
		it.Timestamp = ts
		if metaJSON.Valid && metaJSON.String != "" {
			var meta map[string]string
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
				it.Meta = meta
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
