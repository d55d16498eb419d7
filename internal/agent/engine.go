// Package agent hosts the reasoning engine bound to each conversation
// thread: a ReAct-style loop over a streaming LLM provider and a tool
// registry.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
	"github.com/zyra-ai-sei/sdk-backend/internal/window"
)

// EventKind classifies an engine event.
type EventKind int

const (
	// EventToken carries a text delta from the model.
	EventToken EventKind = iota + 1
	// EventMessage marks a completed assistant message; Text holds it whole.
	EventMessage
	// EventToolEnd reports a finished tool invocation.
	EventToolEnd
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventMessage:
		return "message"
	case EventToolEnd:
		return "tool_end"
	}
	return "unknown"
}

// Event is one item of an engine's ordered output.
type Event struct {
	Kind EventKind
	Text string
	Tool *ToolResult
}

// ToolResult is a completed tool call. Output is whatever the tool returned,
// usually a JSON document.
type ToolResult struct {
	CallID    string
	Name      string
	Arguments string
	Output    string
}

// Engine produces the events of one turn given the prior log and the new
// prompt. Stopping iteration early stops the engine.
type Engine interface {
	Stream(ctx context.Context, history []checkpoint.Message, prompt string) iter.Seq2[Event, error]
}

// Invoke drains e.Stream and returns every event.
func Invoke(ctx context.Context, e Engine, history []checkpoint.Message, prompt string) ([]Event, error) {
	var events []Event
	for ev, err := range e.Stream(ctx, history, prompt) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// ReactConfig tunes a ReactAgent.
type ReactConfig struct {
	Model        string
	SystemPrompt string
	MaxRounds    int
	MaxTokens    int
	Temperature  float64
	// Window trims replayed history to the model's context. Nil sends
	// everything.
	Window *window.Manager
}

// ReactAgent alternates model rounds and tool execution until the model
// answers without calling tools or MaxRounds is reached.
type ReactAgent struct {
	router *provider.Router
	tools  *ToolRegistry
	cfg    ReactConfig
	logger *zap.Logger
}

// NewReactAgent creates an agent. cfg.SystemPrompt is used verbatim.
func NewReactAgent(router *provider.Router, tools *ToolRegistry, cfg ReactConfig, logger *zap.Logger) *ReactAgent {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &ReactAgent{router: router, tools: tools, cfg: cfg, logger: logger}
}

// Stream runs the tool loop and yields events as they happen.
func (a *ReactAgent) Stream(ctx context.Context, history []checkpoint.Message, prompt string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		// Cancelling on return releases the provider stream when the
		// consumer stops early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		msgs := a.buildMessages(history, prompt)
		if a.cfg.Window != nil {
			msgs = a.cfg.Window.Fit(msgs)
		}
		req := &provider.ChatRequest{
			Model:       a.cfg.Model,
			Messages:    msgs,
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		}
		if defs := a.tools.Definitions(); len(defs) > 0 {
			req.Tools = defs
			req.ToolChoice = "auto"
		}

		for round := 0; round < a.cfg.MaxRounds; round++ {
			text, calls, err := a.streamRound(ctx, round, req, yield)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if text == nil {
				return // consumer stopped
			}
			if *text != "" {
				if !yield(Event{Kind: EventMessage, Text: *text}, nil) {
					return
				}
			}
			if len(calls) == 0 {
				return
			}

			req.Messages = append(req.Messages, provider.Message{
				Role:      "assistant",
				Content:   *text,
				ToolCalls: calls,
			})
			for _, tc := range calls {
				output, toolErr := a.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
				if toolErr != nil {
					a.logger.Warn("tool call failed",
						zap.String("tool", tc.Function.Name), zap.Error(toolErr))
					output = errorPayload(toolErr)
				}
				ev := Event{Kind: EventToolEnd, Tool: &ToolResult{
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
					Output:    output,
				}}
				if !yield(ev, nil) {
					return
				}
				req.Messages = append(req.Messages, provider.Message{
					Role:       "tool",
					Content:    output,
					ToolCallID: tc.ID,
				})
			}

			a.logger.Debug("tool round complete",
				zap.Int("round", round+1),
				zap.Int("tool_calls", len(calls)))
		}
		a.logger.Warn("tool round limit reached", zap.Int("max_rounds", a.cfg.MaxRounds))
	}
}

// streamRound runs one model call, forwarding token deltas. It returns the
// round's full text and its assembled tool calls; a nil text means the
// consumer stopped iterating. Calls the provider left unnamed get ids that
// are unique across the whole turn.
func (a *ReactAgent) streamRound(ctx context.Context, round int, req *provider.ChatRequest, yield func(Event, error) bool) (*string, []provider.ToolCall, error) {
	ch, err := a.router.RouteStream(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("route stream: %w", err)
	}

	var text strings.Builder
	partial := make(map[int]*provider.ToolCall)
	done := false
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, nil, chunk.Err
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if !yield(Event{Kind: EventToken, Text: chunk.Content}, nil) {
				return nil, nil, nil
			}
		}
		for _, d := range chunk.ToolCalls {
			tc, ok := partial[d.Index]
			if !ok {
				tc = &provider.ToolCall{Type: "function"}
				partial[d.Index] = tc
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Name != "" {
				tc.Function.Name = d.Name
			}
			tc.Function.Arguments += d.Arguments
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}

	indexes := make([]int, 0, len(partial))
	for i := range partial {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]provider.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		tc := partial[i]
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d_%d", round, i)
		}
		calls = append(calls, *tc)
	}
	s := text.String()
	return &s, calls, nil
}

func (a *ReactAgent) buildMessages(history []checkpoint.Message, prompt string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	if a.cfg.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: a.cfg.SystemPrompt})
	}
	for _, m := range history {
		switch m.Kind {
		case checkpoint.KindHuman:
			msgs = append(msgs, provider.Message{Role: "user", Content: m.Text})
		case checkpoint.KindAI:
			msgs = append(msgs, provider.Message{Role: "assistant", Content: m.Text})
		case checkpoint.KindTool:
			if m.Tool == nil {
				continue
			}
			// Past tool calls are replayed as context; the model's original
			// tool_calls are not part of the log.
			msgs = append(msgs, provider.Message{
				Role: "system",
				Content: fmt.Sprintf("Tool %s (execution %s, status %s) returned: %s",
					m.Tool.ToolName, m.Tool.ExecutionID, m.Tool.Status, m.Tool.Payload.Compact()),
			})
		}
	}
	return append(msgs, provider.Message{Role: "user", Content: prompt})
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}
