package conversation

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/agent"
	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
)

// FrameType names a streaming frame.
type FrameType string

const (
	FrameToken FrameType = "token"
	FrameTool  FrameType = "tool"
	FrameEnd   FrameType = "end"
	FrameError FrameType = "error"
)

// Frame is one unit delivered to a streaming client.
type Frame struct {
	Type        FrameType       `json:"type"`
	Text        string          `json:"text,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	ToolOutput  json.RawMessage `json:"tool_output,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// ToolRecord is a tool proposal surfaced to the caller of a turn. ID is its
// zero-based position among the turn's surfaced records.
type ToolRecord struct {
	ID          int             `json:"id"`
	ToolName    string          `json:"toolName"`
	ExecutionID string          `json:"executionId"`
	Content     string          `json:"content"`
	ToolOutput  json.RawMessage `json:"tool_output"`
}

// turn classifies engine events into log messages, surfaced tool records
// and frames. It is used by both the blocking and the streaming path.
type turn struct {
	messages []checkpoint.Message
	records  []ToolRecord
	seen     map[string]bool
	pending  strings.Builder
	lastText string
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

func newTurn(history []checkpoint.Message, prompt string, now func() time.Time, newID func() string, logger *zap.Logger) *turn {
	msgs := checkpoint.CloneMessages(history)
	msgs = append(msgs, checkpoint.HumanMessage(prompt, now().UTC()))
	return &turn{
		messages: msgs,
		records:  []ToolRecord{},
		seen:     make(map[string]bool),
		now:      now,
		newID:    newID,
		logger:   logger,
	}
}

// apply folds one event into the turn and returns the frames it produces.
func (t *turn) apply(ev agent.Event) []Frame {
	switch ev.Kind {
	case agent.EventToken:
		if ev.Text == "" {
			return nil
		}
		t.pending.WriteString(ev.Text)
		return []Frame{{Type: FrameToken, Text: ev.Text}}

	case agent.EventMessage:
		t.pending.Reset()
		t.appendAI(ev.Text)
		return nil

	case agent.EventToolEnd:
		if ev.Tool == nil {
			return nil
		}
		if id := ev.Tool.CallID; id != "" {
			if t.seen[id] {
				t.logger.Debug("dropping repeated tool completion", zap.String("call_id", id))
				return nil
			}
			t.seen[id] = true
		}
		p := t.propose(ev.Tool)
		t.messages = append(t.messages, checkpoint.ToolMessage(p))

		rec, ok := surface(p, len(t.records))
		if !ok {
			return nil
		}
		t.records = append(t.records, rec)
		return []Frame{{
			Type:        FrameTool,
			ToolName:    rec.ToolName,
			ToolOutput:  rec.ToolOutput,
			ExecutionID: rec.ExecutionID,
		}}
	}
	return nil
}

// finish flushes text that never got a completed message and returns the
// full log to commit.
func (t *turn) finish() []checkpoint.Message {
	if t.pending.Len() > 0 {
		t.appendAI(t.pending.String())
		t.pending.Reset()
	}
	return t.messages
}

func (t *turn) appendAI(text string) {
	if text == "" {
		return
	}
	t.messages = append(t.messages, checkpoint.AIMessage(text, t.now().UTC()))
	t.lastText = text
}

// propose turns a tool completion into a log entry. Every proposal gets an
// execution id; one is generated and written into the payload when the
// tool did not supply it.
func (t *turn) propose(tr *agent.ToolResult) *checkpoint.ToolProposal {
	at := t.now().UTC()
	payload := checkpoint.Payload(tr.Output)
	execID := payload.ExecutionID()
	if execID == "" {
		execID = t.newID()
		if with, err := payload.With(map[string]any{"executionId": execID}); err == nil {
			payload = with
		}
	}

	var params json.RawMessage
	if args := strings.TrimSpace(tr.Arguments); args != "" {
		if strings.HasPrefix(args, "{") && json.Valid([]byte(args)) {
			params = json.RawMessage(args)
		} else {
			t.logger.Debug("tool arguments are not an object", zap.String("tool", tr.Name))
		}
	}
	return &checkpoint.ToolProposal{
		ExecutionID: execID,
		ToolName:    tr.Name,
		CallID:      tr.CallID,
		Parameters:  params,
		Status:      checkpoint.StatusUnexecuted,
		CreatedAt:   at,
		UpdatedAt:   at,
		Payload:     payload,
	}
}

// surface decides whether a proposal is shown to the caller. It must carry
// a tool_output or a transaction; malformed payloads are never shown.
func surface(p *checkpoint.ToolProposal, index int) (ToolRecord, bool) {
	payload := p.Payload
	if !payload.Valid() {
		return ToolRecord{}, false
	}

	var output map[string]json.RawMessage
	raw, ok := payload.ToolOutput()
	switch {
	case ok:
		if err := json.Unmarshal(raw, &output); err != nil {
			// Non-object outputs are surfaced verbatim.
			output = nil
		}
	default:
		layer, found := payload.Carrier("transaction")
		if !found {
			return ToolRecord{}, false
		}
		output = layer
	}

	if output != nil {
		if _, has := output["id"]; !has {
			output = maps.Clone(output)
			output["id"] = json.RawMessage(strconv.Itoa(index))
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			return ToolRecord{}, false
		}
		raw = encoded
	}

	content := payload.Text()
	if content == "" {
		content = payload.Compact()
	}
	return ToolRecord{
		ID:          index,
		ToolName:    p.ToolName,
		ExecutionID: p.ExecutionID,
		Content:     content,
		ToolOutput:  raw,
	}, true
}
