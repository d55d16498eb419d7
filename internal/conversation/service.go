// Package conversation runs turns against a thread's engine and keeps the
// thread's checkpointed log: blocking turns, streamed turns, out-of-band
// tool status updates and the history read model.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/agent"
	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/metrics"
)

// Binder hands out the engine for a thread.
type Binder interface {
	Bind(threadID string) (agent.Engine, error)
	Release(threadID string)
}

// Service implements the conversation operations. Calls for one thread are
// not serialized against each other.
type Service struct {
	repo    checkpoint.Repository
	engines Binder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewService wires a service. m may be nil.
func NewService(repo checkpoint.Repository, engines Binder, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		engines: engines,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// InitializeThread binds the thread's engine ahead of its first turn.
func (s *Service) InitializeThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrEmptyThread
	}
	_, err := s.bind(threadID)
	return err
}

// ClearThread deletes every checkpoint of the thread and drops its engine.
func (s *Service) ClearThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrEmptyThread
	}
	if err := s.repo.Delete(ctx, threadID); err != nil {
		return checkpoint.Wrap("delete", threadID, err)
	}
	s.engines.Release(threadID)
	s.logger.Info("thread cleared", zap.String("thread", threadID))
	return nil
}

func (s *Service) bind(threadID string) (agent.Engine, error) {
	e, err := s.engines.Bind(threadID)
	if err != nil {
		s.logger.Error("engine bind failed", zap.String("thread", threadID), zap.Error(err))
		return nil, &SessionInitError{ThreadID: threadID, Err: err}
	}
	return e, nil
}

// load returns the thread's latest log, empty when it has none.
func (s *Service) load(ctx context.Context, threadID string) ([]checkpoint.Message, error) {
	cp, err := s.repo.Get(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, checkpoint.Wrap("get", threadID, err)
	}
	return cp.Messages, nil
}

func (s *Service) commit(ctx context.Context, threadID string, msgs []checkpoint.Message, source checkpoint.Source) (*checkpoint.Checkpoint, error) {
	cp, err := s.repo.Put(ctx, threadID, msgs, checkpoint.Metadata{Source: source})
	if err != nil {
		return nil, checkpoint.Wrap("put", threadID, err)
	}
	s.logger.Debug("checkpoint committed",
		zap.String("thread", threadID),
		zap.Int64("step", cp.Step),
		zap.String("source", string(source)),
		zap.Int("messages", len(msgs)))
	return cp, nil
}

func validate(threadID, prompt string) error {
	if threadID == "" {
		return ErrEmptyThread
	}
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// describe maps an error to a client-safe message.
func describe(err error) string {
	var sie *SessionInitError
	if errors.As(err, &sie) {
		return "Session initialization failed"
	}
	return "Stream failed"
}

func resultLabel(err error) string {
	var sie *SessionInitError
	var pe *checkpoint.PersistenceError
	switch {
	case err == nil:
		return "completed"
	case errors.As(err, &sie):
		return "session_init_error"
	case errors.As(err, &pe):
		return "persistence_error"
	default:
		return "failed"
	}
}

