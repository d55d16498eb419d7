package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/config"
)

// putAttempts bounds retries when two writers race for the same step.
const putAttempts = 3

// Postgres stores checkpoints in a PostgreSQL table through a pgx pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a pool sized from cfg and verifies connectivity.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdle.Duration > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdle.Duration
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected",
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns))
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory
// in lexical order.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT step, parent_step, source, messages, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY step DESC
		LIMIT 1`, threadID)
	cp, err := scanCheckpoint(row, threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	return cp, checkpoint.Wrap("get", threadID, err)
}

func (s *Postgres) Put(ctx context.Context, threadID string, messages []checkpoint.Message, meta checkpoint.Metadata) (*checkpoint.Checkpoint, error) {
	data, err := checkpoint.EncodeMessages(messages)
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}

	cp := &checkpoint.Checkpoint{
		ThreadID: threadID,
		Messages: checkpoint.CloneMessages(messages),
		Metadata: meta,
	}
	for attempt := 1; ; attempt++ {
		err = s.db.QueryRow(ctx, `
			INSERT INTO checkpoints (thread_id, step, parent_step, source, messages)
			SELECT $1, COALESCE(MAX(step), 0) + 1, COALESCE(MAX(step), 0), $2, $3
			FROM checkpoints
			WHERE thread_id = $1
			RETURNING step, parent_step, created_at`,
			threadID, string(meta.Source), data,
		).Scan(&cp.Step, &cp.ParentStep, &cp.CreatedAt)
		if err == nil || !isUniqueViolation(err) || attempt == putAttempts {
			break
		}
		s.logger.Debug("checkpoint step conflict, retrying",
			zap.String("thread_id", threadID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

func (s *Postgres) List(ctx context.Context, threadID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT step, parent_step, source, messages, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, checkpoint.Wrap("list", threadID, err)
	}
	defer rows.Close()

	var chain []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows, threadID)
		if err != nil {
			return nil, checkpoint.Wrap("list", threadID, err)
		}
		chain = append(chain, cp)
	}
	return chain, checkpoint.Wrap("list", threadID, rows.Err())
}

func (s *Postgres) Delete(ctx context.Context, threadID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return checkpoint.Wrap("delete", threadID, err)
	}
	s.logger.Debug("checkpoints deleted",
		zap.String("thread_id", threadID), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func scanCheckpoint(row pgx.Row, threadID string) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{ThreadID: threadID}
	var (
		source string
		data   []byte
	)
	if err := row.Scan(&cp.Step, &cp.ParentStep, &source, &data, &cp.CreatedAt); err != nil {
		return nil, err
	}
	msgs, err := checkpoint.DecodeMessages(data)
	if err != nil {
		return nil, err
	}
	cp.Messages = msgs
	cp.Metadata.Source = checkpoint.Source(source)
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
