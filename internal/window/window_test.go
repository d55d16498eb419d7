package window

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

func TestFitUnderBudgetIsUntouched(t *testing.T) {
	m := NewManager(Config{MaxTokens: 1000}, zap.NewNop())
	msgs := []provider.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}
	got := m.Fit(msgs)
	if len(got) != 2 || &got[0] != &msgs[0] {
		t.Fatalf("expected the same slice back, got %+v", got)
	}
}

func TestFitCutsToolResultsFirst(t *testing.T) {
	// budget = 100 * 0.5 = 50 tokens
	m := NewManager(Config{MaxTokens: 100, ReserveRatio: 0.5, MaxToolChars: 20}, zap.NewNop())
	long := strings.Repeat("x", 400)
	msgs := []provider.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "swap"},
		{Role: "system", Content: long},
		{Role: "user", Content: "again"},
	}

	got := m.Fit(msgs)
	if len(got) != 4 {
		t.Fatalf("dropped messages unnecessarily: %+v", got)
	}
	if !strings.HasSuffix(got[2].Content, truncatedMark) || len(got[2].Content) != 20+len(truncatedMark) {
		t.Errorf("tool result = %q", got[2].Content)
	}
	if msgs[2].Content != long {
		t.Error("input modified")
	}
}

func TestFitDropsOldestHistory(t *testing.T) {
	m := NewManager(Config{MaxTokens: 40, ReserveRatio: 0.5}, zap.NewNop())
	msgs := []provider.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: strings.Repeat("a", 40)},
		{Role: "assistant", Content: strings.Repeat("b", 40)},
		{Role: "user", Content: strings.Repeat("c", 20)},
		{Role: "assistant", Content: strings.Repeat("d", 20)},
		{Role: "user", Content: "now"},
	}

	got := m.Fit(msgs)
	if got[0].Content != "sys" || got[len(got)-1].Content != "now" {
		t.Fatalf("head or tail lost: %+v", got)
	}
	if EstimateTokens(got) > m.Budget() {
		t.Errorf("tokens %d over budget %d", EstimateTokens(got), m.Budget())
	}
	if len(got) != 4 || got[1].Content[0] != 'c' {
		t.Errorf("expected the two oldest messages dropped, got %+v", got)
	}
}
