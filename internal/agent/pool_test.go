package agent

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

func TestPoolBindsOncePerThread(t *testing.T) {
	built := 0
	pool := NewPool(func(threadID string) (Engine, error) {
		built++
		return NewReactAgent(nil, nil, ReactConfig{}, zap.NewNop()), nil
	}, zap.NewNop())

	a, _ := pool.Bind("addr1")
	b, _ := pool.Bind("addr1")
	pool.Bind("addr2")
	if a != b {
		t.Error("same thread got different engines")
	}
	if built != 2 || pool.Len() != 2 {
		t.Fatalf("built=%d len=%d", built, pool.Len())
	}
	pool.Release("addr1")
	pool.Bind("addr1")
	if built != 3 {
		t.Errorf("release did not force rebuild, built=%d", built)
	}
}

func TestPoolFactoryError(t *testing.T) {
	pool := NewPool(func(string) (Engine, error) {
		return nil, errors.New("boom")
	}, zap.NewNop())
	if _, err := pool.Bind("addr1"); err == nil {
		t.Fatal("expected error")
	}
	if pool.Len() != 0 {
		t.Error("failed bind was cached")
	}
}

func TestReactFactory(t *testing.T) {
	empty := provider.NewRouter(zap.NewNop())
	f := NewReactFactory(empty, nil, ReactConfig{}, zap.NewNop())
	if _, err := f("addr1"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}

	r := provider.NewRouter(zap.NewNop())
	r.Register(&scriptedProvider{})
	f = NewReactFactory(r, nil, ReactConfig{SystemPrompt: "wallet {address}"}, zap.NewNop())
	if _, err := f(""); err == nil {
		t.Fatal("expected error for empty thread")
	}
	e, err := f("sei1xyz")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if got := e.(*ReactAgent).cfg.SystemPrompt; got != "wallet sei1xyz" {
		t.Errorf("prompt = %q", got)
	}
	if !strings.Contains(SystemPrompt("", "sei1abc"), "sei1abc") {
		t.Error("default prompt missing address")
	}
}
