package conversation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
)

// UpdateToolStatus records the client-side outcome of a tool proposal. It
// returns false without writing when the thread or the execution id is
// unknown. Only the matching proposal changes; the new log is committed as
// the next step. A status may be overwritten after it became terminal.
func (s *Service) UpdateToolStatus(ctx context.Context, threadID, executionID string, status checkpoint.Status, hash string) (ok bool, err error) {
	if threadID == "" {
		return false, ErrEmptyThread
	}
	if !status.Terminal() {
		return false, ErrInvalidStatus
	}
	defer func() {
		label := "updated"
		switch {
		case err != nil:
			label = resultLabel(err)
		case !ok:
			label = "not_found"
		}
		s.metrics.ToolUpdate(string(status), label)
	}()
	if executionID == "" {
		return false, nil
	}
	log := s.logger.With(zap.String("thread", threadID), zap.String("execution_id", executionID))

	cp, err := s.repo.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			log.Debug("no checkpoint for status update")
			return false, nil
		}
		return false, checkpoint.Wrap("get", threadID, err)
	}

	msgs := checkpoint.CloneMessages(cp.Messages)
	target := findProposal(msgs, executionID)
	if target == nil {
		log.Debug("no proposal with execution id")
		return false, nil
	}

	target.Status = status
	if hash != "" {
		target.Hash = hash
	}
	target.UpdatedAt = s.now().UTC()

	mirror := map[string]any{"status": status}
	if hash != "" {
		mirror["hash"] = hash
	}
	if payload, err := target.Payload.With(mirror); err == nil {
		target.Payload = payload
	} else {
		log.Warn("tool payload left as is", zap.Error(err))
	}

	next, err := s.commit(ctx, threadID, msgs, checkpoint.SourceUpdate)
	if err != nil {
		return false, err
	}
	log.Info("tool status updated",
		zap.String("status", string(status)),
		zap.Int64("step", next.Step))
	return true, nil
}

// findProposal returns the first tool proposal carrying executionID, either
// as its typed id or inside its payload.
func findProposal(msgs []checkpoint.Message, executionID string) *checkpoint.ToolProposal {
	for i := range msgs {
		m := &msgs[i]
		if m.Kind != checkpoint.KindTool || m.Tool == nil {
			continue
		}
		if m.Tool.ExecutionID == executionID || m.Tool.Payload.ExecutionID() == executionID {
			return m.Tool
		}
	}
	return nil
}
