package conversation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/metrics"
)

// TurnResult is the outcome of a blocking turn.
type TurnResult struct {
	Content string       `json:"content"`
	Tools   []ToolRecord `json:"tools"`
}

// RunTurn sends prompt to the thread's engine, waits for the turn to end
// and commits the resulting log.
func (s *Service) RunTurn(ctx context.Context, threadID, prompt string) (res *TurnResult, err error) {
	if err := validate(threadID, prompt); err != nil {
		return nil, err
	}
	start := s.now()
	defer func() {
		s.metrics.ObserveTurn(metrics.ModeTurn, resultLabel(err), time.Since(start))
	}()

	engine, err := s.bind(threadID)
	if err != nil {
		return nil, err
	}
	history, err := s.load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	t := newTurn(history, prompt, s.now, s.newID, s.logger)
	for ev, evErr := range engine.Stream(ctx, history, prompt) {
		if evErr != nil {
			s.logger.Error("turn failed", zap.String("thread", threadID), zap.Error(evErr))
			return nil, fmt.Errorf("run turn: %w", evErr)
		}
		t.apply(ev)
	}

	if _, err := s.commit(ctx, threadID, t.finish(), checkpoint.SourceLoop); err != nil {
		return nil, err
	}
	return &TurnResult{Content: t.lastText, Tools: t.records}, nil
}
