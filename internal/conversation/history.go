package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
)

// Entry types of the history read model.
const (
	EntryHuman = "HumanMessage"
	EntryAI    = "AIMessage"
	EntryTool  = "ToolMessage"
)

// HistoryEntry is one message as shown to a client.
type HistoryEntry struct {
	Type        string            `json:"type"`
	Content     string            `json:"content"`
	Timestamp   string            `json:"timestamp"`
	ExecutionID string            `json:"executionId,omitempty"`
	Status      checkpoint.Status `json:"status,omitempty"`
	Hash        string            `json:"hash,omitempty"`
	ToolName    string            `json:"toolName,omitempty"`
	ToolOutput  json.RawMessage   `json:"tool_output,omitempty"`
}

// History projects the thread's latest checkpoint in log order. A thread
// without checkpoints has an empty history.
func (s *Service) History(ctx context.Context, threadID string) ([]HistoryEntry, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	cp, err := s.repo.Get(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, checkpoint.Wrap("get", threadID, err)
	}

	out := make([]HistoryEntry, 0, len(cp.Messages))
	for _, m := range cp.Messages {
		switch m.Kind {
		case checkpoint.KindHuman:
			out = append(out, HistoryEntry{Type: EntryHuman, Content: m.Text, Timestamp: stamp(m.CreatedAt)})
		case checkpoint.KindAI:
			out = append(out, HistoryEntry{Type: EntryAI, Content: m.Text, Timestamp: stamp(m.CreatedAt)})
		case checkpoint.KindTool:
			if m.Tool != nil {
				out = append(out, projectTool(m.Tool))
			}
		}
	}
	return out, nil
}

func projectTool(p *checkpoint.ToolProposal) HistoryEntry {
	payload := p.Payload
	if !payload.Valid() {
		status := p.Status
		if status == "" {
			status = checkpoint.StatusUnexecuted
		}
		return HistoryEntry{
			Type:        EntryTool,
			Content:     string(payload),
			Timestamp:   stamp(p.CreatedAt),
			ExecutionID: p.ExecutionID,
			Status:      status,
			ToolName:    p.ToolName,
		}
	}

	e := HistoryEntry{
		Type:        EntryTool,
		Content:     payload.Text(),
		Timestamp:   payload.String("timestamp"),
		ExecutionID: first(p.ExecutionID, payload.ExecutionID()),
		Status:      checkpoint.Status(first(string(p.Status), payload.String("status"), string(checkpoint.StatusUnexecuted))),
		Hash:        first(p.Hash, payload.String("hash")),
		ToolName:    first(p.ToolName, payload.String("toolName")),
	}
	if e.Content == "" {
		e.Content = payload.Compact()
	}
	if e.Timestamp == "" {
		e.Timestamp = stamp(p.CreatedAt)
	}
	if out, ok := payload.ToolOutput(); ok {
		e.ToolOutput = out
	}
	return e
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
