package checkpoint

import (
	"bytes"
	"encoding/json"
	"time"
)

// Kind tags a message variant. It is set when the message is created and
// never inferred afterwards.
type Kind string

const (
	KindHuman Kind = "human"
	KindAI    Kind = "ai"
	KindTool  Kind = "tool"
)

// Status is the execution state of a tool proposal.
type Status string

const (
	StatusUnexecuted Status = "unexecuted"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether s is a final execution state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Message is one entry of a thread's log.
type Message struct {
	Kind      Kind          `json:"kind"`
	Text      string        `json:"text,omitempty"`
	Tool      *ToolProposal `json:"tool,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ToolProposal records an action the agent wants performed client-side.
// Payload is the tool's output kept verbatim so unknown fields survive
// every read-modify-write. Parameters are the call arguments as the model
// sent them; numbers are never reparsed.
type ToolProposal struct {
	ExecutionID string          `json:"executionId"`
	ToolName    string          `json:"toolName"`
	CallID      string          `json:"toolCallId,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Status      Status          `json:"status"`
	Hash        string          `json:"hash,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Payload     Payload         `json:"payload"`
}

// HumanMessage creates a message carrying the caller's prompt.
func HumanMessage(text string, at time.Time) Message {
	return Message{Kind: KindHuman, Text: text, CreatedAt: at}
}

// AIMessage creates a message carrying assistant text.
func AIMessage(text string, at time.Time) Message {
	return Message{Kind: KindAI, Text: text, CreatedAt: at}
}

// ToolMessage wraps a proposal into a log entry.
func ToolMessage(p *ToolProposal) Message {
	return Message{Kind: KindTool, Tool: p, CreatedAt: p.CreatedAt}
}

// Source describes what produced a checkpoint.
type Source string

const (
	SourceInput  Source = "input"
	SourceLoop   Source = "loop"
	SourceUpdate Source = "update"
)

// Metadata is stored alongside every checkpoint.
type Metadata struct {
	Source Source `json:"source"`
}

// Checkpoint is a full snapshot of a thread's log at one step.
type Checkpoint struct {
	ThreadID   string    `json:"threadId"`
	Step       int64     `json:"step"`
	ParentStep int64     `json:"parentStep"`
	Messages   []Message `json:"messages"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CloneMessages returns a copy of msgs whose tool proposals can be mutated
// without touching the originals.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Tool != nil {
			p := *m.Tool
			p.Parameters = bytes.Clone(m.Tool.Parameters)
			out[i].Tool = &p
		}
	}
	return out
}

// Clone returns a deep copy of cp.
func (cp *Checkpoint) Clone() *Checkpoint {
	if cp == nil {
		return nil
	}
	c := *cp
	c.Messages = CloneMessages(cp.Messages)
	return &c
}
