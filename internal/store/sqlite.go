package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/config"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id   TEXT    NOT NULL,
	step        INTEGER NOT NULL,
	parent_step INTEGER NOT NULL DEFAULT 0,
	source      TEXT    NOT NULL DEFAULT 'loop',
	messages    TEXT    NOT NULL DEFAULT '[]',
	created_at  TEXT    NOT NULL,
	PRIMARY KEY (thread_id, step)
);`

// SQLite stores checkpoints in a single local database file.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLite opens (creating if needed) the database at cfg.Path and applies
// the schema.
func NewSQLite(ctx context.Context, cfg config.SQLiteConfig, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps step assignment serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", cfg.Path))
	return &SQLite{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT step, parent_step, source, messages, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC
		LIMIT 1`, threadID)
	cp, err := scanSQLite(row, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	return cp, checkpoint.Wrap("get", threadID, err)
}

func (s *SQLite) Put(ctx context.Context, threadID string, messages []checkpoint.Message, meta checkpoint.Metadata) (*checkpoint.Checkpoint, error) {
	data, err := checkpoint.EncodeMessages(messages)
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}
	defer tx.Rollback()

	var parent int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step), 0) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&parent)
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}

	cp := &checkpoint.Checkpoint{
		ThreadID:   threadID,
		Step:       parent + 1,
		ParentStep: parent,
		Messages:   checkpoint.CloneMessages(messages),
		Metadata:   meta,
		CreatedAt:  s.now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, step, parent_step, source, messages, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, cp.Step, cp.ParentStep, string(meta.Source), string(data),
		cp.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}
	return cp, nil
}

func (s *SQLite) List(ctx context.Context, threadID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, parent_step, source, messages, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, checkpoint.Wrap("list", threadID, err)
	}
	defer rows.Close()

	var chain []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanSQLite(rows, threadID)
		if err != nil {
			return nil, checkpoint.Wrap("list", threadID, err)
		}
		chain = append(chain, cp)
	}
	return chain, checkpoint.Wrap("list", threadID, rows.Err())
}

func (s *SQLite) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return checkpoint.Wrap("delete", threadID, err)
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner, threadID string) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{ThreadID: threadID}
	var source, data, created string
	if err := row.Scan(&cp.Step, &cp.ParentStep, &source, &data, &created); err != nil {
		return nil, err
	}
	msgs, err := checkpoint.DecodeMessages([]byte(data))
	if err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	cp.Messages = msgs
	cp.Metadata.Source = checkpoint.Source(source)
	cp.CreatedAt = at
	return cp, nil
}
