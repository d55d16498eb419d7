// Package checkpointtest holds the behavioural suite every
// checkpoint.Repository backend must pass.
package checkpointtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
)

// Run exercises repo against the repository contract. open must return a
// fresh, empty repository; it is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) checkpoint.Repository) {
	t.Run("GetEmpty", func(t *testing.T) {
		repo := open(t)
		_, err := repo.Get(context.Background(), "nobody")
		if !errors.Is(err, checkpoint.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("StepsContiguous", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		for want := int64(1); want <= 4; want++ {
			cp, err := repo.Put(ctx, "addr1", sampleLog(int(want)), checkpoint.Metadata{Source: checkpoint.SourceLoop})
			if err != nil {
				t.Fatalf("put %d: %v", want, err)
			}
			if cp.Step != want {
				t.Fatalf("step = %d, want %d", cp.Step, want)
			}
			if cp.ParentStep != want-1 {
				t.Fatalf("parent = %d, want %d", cp.ParentStep, want-1)
			}
		}
		chain, err := repo.List(ctx, "addr1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(chain) != 4 {
			t.Fatalf("got %d checkpoints, want 4", len(chain))
		}
		for i, cp := range chain {
			if cp.Step != int64(i+1) {
				t.Errorf("chain[%d].Step = %d", i, cp.Step)
			}
		}
	})

	t.Run("GetLatest", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		repo.Put(ctx, "addr1", sampleLog(1), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		repo.Put(ctx, "addr1", sampleLog(3), checkpoint.Metadata{Source: checkpoint.SourceUpdate})

		cp, err := repo.Get(ctx, "addr1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cp.Step != 2 || len(cp.Messages) != 3 {
			t.Fatalf("got step %d with %d messages", cp.Step, len(cp.Messages))
		}
		if cp.Metadata.Source != checkpoint.SourceUpdate {
			t.Errorf("source = %q", cp.Metadata.Source)
		}
		if cp.ThreadID != "addr1" {
			t.Errorf("thread = %q", cp.ThreadID)
		}
	})

	t.Run("MessagesRoundTrip", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		in := sampleLog(3)
		if _, err := repo.Put(ctx, "addr1", in, checkpoint.Metadata{Source: checkpoint.SourceLoop}); err != nil {
			t.Fatalf("put: %v", err)
		}
		cp, err := repo.Get(ctx, "addr1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		for i, m := range cp.Messages {
			if m.Kind != in[i].Kind || m.Text != in[i].Text {
				t.Errorf("message %d = %+v, want %+v", i, m, in[i])
			}
			if !m.CreatedAt.Equal(in[i].CreatedAt) {
				t.Errorf("message %d time = %v, want %v", i, m.CreatedAt, in[i].CreatedAt)
			}
		}
		tool := cp.Messages[2].Tool
		if tool == nil {
			t.Fatal("tool proposal lost")
		}
		if tool.Payload != in[2].Tool.Payload {
			t.Errorf("payload = %q, want %q", tool.Payload, in[2].Tool.Payload)
		}
		if tool.ExecutionID != "ex-1" || tool.Status != checkpoint.StatusUnexecuted {
			t.Errorf("tool = %+v", tool)
		}
		var params bytes.Buffer
		if err := json.Compact(&params, tool.Parameters); err != nil || params.String() != sampleParams {
			t.Errorf("parameters = %s, want %s", tool.Parameters, sampleParams)
		}
	})

	t.Run("DeleteThread", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		repo.Put(ctx, "addr1", sampleLog(1), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		repo.Put(ctx, "addr2", sampleLog(1), checkpoint.Metadata{Source: checkpoint.SourceLoop})

		if err := repo.Delete(ctx, "addr1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := repo.Get(ctx, "addr1"); !errors.Is(err, checkpoint.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := repo.Get(ctx, "addr2"); err != nil {
			t.Fatalf("other thread affected: %v", err)
		}
		// Deleting again is not an error, and steps restart.
		if err := repo.Delete(ctx, "addr1"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		cp, err := repo.Put(ctx, "addr1", sampleLog(1), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		if err != nil {
			t.Fatalf("put after delete: %v", err)
		}
		if cp.Step != 1 {
			t.Errorf("step after delete = %d, want 1", cp.Step)
		}
	})

	t.Run("ThreadsIsolated", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		repo.Put(ctx, "addr1", sampleLog(1), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		repo.Put(ctx, "addr1", sampleLog(2), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		cp, err := repo.Put(ctx, "addr2", sampleLog(1), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if cp.Step != 1 {
			t.Errorf("addr2 step = %d, want 1", cp.Step)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		repo := open(t)
		if err := repo.Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})
}

// sampleParams carries an amount no float64 can hold.
const sampleParams = `{"amountWei":123456789012345678901}`

// sampleLog builds n messages: human, ai, then a tool proposal and more
// ai text.
func sampleLog(n int) []checkpoint.Message {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	all := []checkpoint.Message{
		checkpoint.HumanMessage("swap 12 usdc for wsei", at),
		checkpoint.AIMessage("Preparing the swap.", at.Add(time.Second)),
		checkpoint.ToolMessage(&checkpoint.ToolProposal{
			ExecutionID: "ex-1",
			ToolName:    "swap_tokens",
			CallID:      "call-1",
			Parameters:  json.RawMessage(sampleParams),
			Status:      checkpoint.StatusUnexecuted,
			CreatedAt:   at.Add(2 * time.Second),
			UpdatedAt:   at.Add(2 * time.Second),
			Payload:     `{"executionId":"ex-1","tool_output":{"transaction":{"to":"0xabc"}},"extra":{"keep":true}}`,
		}),
	}
	for len(all) < n {
		all = append(all, checkpoint.AIMessage("more", at.Add(time.Duration(len(all))*time.Second)))
	}
	return all[:n]
}
