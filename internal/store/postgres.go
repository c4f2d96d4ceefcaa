package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists chat history in PostgreSQL, for deployments that
// share a database across instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database at url.
func NewPostgresStore(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat history database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate chat history database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL,
		turn BIGINT NOT NULL,
		meta JSONB,
		expires_at BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (thread_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread_turn ON messages(thread_id, turn);

	CREATE TABLE IF NOT EXISTS counters (
		thread_id TEXT PRIMARY KEY,
		next_seq BIGINT NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage writes a single message to the log.
func (s *PostgresStore) AppendMessage(ctx context.Context, item Item) error {
	metaJSON, err := marshalMeta(item.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (thread_id, seq, role, content, ts, session_id, turn, meta, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id, seq) DO UPDATE SET
			role = EXCLUDED.role, content = EXCLUDED.content, ts = EXCLUDED.ts,
			session_id = EXCLUDED.session_id, turn = EXCLUDED.turn,
			meta = EXCLUDED.meta, expires_at = EXCLUDED.expires_at
	`, item.ThreadID, item.Seq, item.Role, item.Content, item.Timestamp,
		item.SessionID, item.Turn, metaJSON, item.ExpiresAt)
	return err
}

// QueryRecent returns recent messages in ascending sequence order.
func (s *PostgresStore) QueryRecent(ctx context.Context, threadID string, turns int) ([]Item, error) {
	limit := turns*2 + recentFetchSlack
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, seq, role, content, ts, session_id, turn, meta, expires_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// BatchWrite writes items in a transaction and returns the unprocessed subset.
func (s *PostgresStore) BatchWrite(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return items, err
	}
	defer tx.Rollback()

	var unprocessed []Item
	for _, item := range items {
		metaJSON, merr := marshalMeta(item.Meta)
		if merr != nil {
			unprocessed = append(unprocessed, item)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (thread_id, seq, role, content, ts, session_id, turn, meta, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (thread_id, seq) DO NOTHING
		`, item.ThreadID, item.Seq, item.Role, item.Content, item.Timestamp,
			item.SessionID, item.Turn, metaJSON, item.ExpiresAt); err != nil {
			unprocessed = append(unprocessed, item)
		}
	}

	if err := tx.Commit(); err != nil {
		return items, err
	}
	return unprocessed, nil
}

// NextSeq atomically increments and returns the thread's sequence counter.
func (s *PostgresStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (thread_id, next_seq) VALUES ($1, 1)
		ON CONFLICT (thread_id) DO UPDATE SET next_seq = counters.next_seq + 1
		RETURNING next_seq
	`, threadID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// MaxTurn returns the highest turn index recorded for the thread.
func (s *PostgresStore) MaxTurn(ctx context.Context, threadID string) (int64, error) {
	var turn sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(turn) FROM messages WHERE thread_id = $1", threadID).Scan(&turn)
	if err != nil {
		return 0, err
	}
	if !turn.Valid {
		return 0, nil
	}
	return turn.Int64, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
