package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/metrics"
)

// FrameSink delivers frames to a connected client. A Send error means the
// client is gone.
type FrameSink interface {
	Send(Frame) error
}

// StreamState is the lifecycle of one streaming session.
type StreamState int

const (
	StateIdle StreamState = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StreamTurn runs a turn and pushes frames to sink as events are classified.
//
// Cancelling ctx (the client disconnecting) is noticed at the next event:
// no further frames are sent and iteration stops. The engine itself runs on
// a context detached from ctx, so a tool call in progress when the client
// leaves runs to completion before the cancellation is seen. Completed and cancelled streams commit what
// was classified so far; a failed stream commits nothing. The end frame is
// sent only after the commit succeeds.
func (s *Service) StreamTurn(ctx context.Context, threadID, prompt string, sink FrameSink) (state StreamState, err error) {
	if err := validate(threadID, prompt); err != nil {
		return StateIdle, err
	}
	start := s.now()
	defer func() {
		label := resultLabel(err)
		if state == StateCancelled {
			label = "cancelled"
		}
		s.metrics.ObserveTurn(metrics.ModeStream, label, time.Since(start))
	}()

	engine, err := s.bind(threadID)
	if err != nil {
		s.sendError(sink, err)
		return StateFailed, err
	}
	history, err := s.load(ctx, threadID)
	if err != nil {
		s.sendError(sink, err)
		return StateFailed, err
	}

	cancelled := func() bool { return ctx.Err() != nil }

	state = StateStreaming
	log := s.logger.With(zap.String("thread", threadID))
	t := newTurn(history, prompt, s.now, s.newID, s.logger)

events:
	for ev, evErr := range engine.Stream(context.WithoutCancel(ctx), history, prompt) {
		if cancelled() {
			state = StateCancelled
			break
		}
		if evErr != nil {
			log.Error("stream failed", zap.Error(evErr))
			s.sendError(sink, evErr)
			return StateFailed, evErr
		}
		for _, f := range t.apply(ev) {
			if cancelled() {
				state = StateCancelled
				break events
			}
			if err := sink.Send(f); err != nil {
				log.Info("client went away", zap.Error(err))
				state = StateCancelled
				break events
			}
			s.metrics.Frame(string(f.Type))
		}
	}
	if state == StateStreaming {
		if cancelled() {
			state = StateCancelled
		} else {
			state = StateCompleted
		}
	}

	// The commit must outlive the client's request.
	if _, err := s.commit(context.WithoutCancel(ctx), threadID, t.finish(), checkpoint.SourceLoop); err != nil {
		log.Error("stream commit failed", zap.Stringer("state", state), zap.Error(err))
		if state == StateCompleted {
			s.sendError(sink, err)
			return StateFailed, err
		}
		return state, err
	}

	if state == StateCompleted {
		if err := sink.Send(Frame{Type: FrameEnd}); err == nil {
			s.metrics.Frame(string(FrameEnd))
		}
	}
	log.Debug("stream finished", zap.Stringer("state", state))
	return state, nil
}

func (s *Service) sendError(sink FrameSink, err error) {
	if sink.Send(Frame{Type: FrameError, Message: describe(err)}) == nil {
		s.metrics.Frame(string(FrameError))
	}
}
