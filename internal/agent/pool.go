package agent

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

// Factory builds the engine for one thread.
type Factory func(threadID string) (Engine, error)

// Pool lazily binds one engine per thread and reuses it across turns.
type Pool struct {
	factory Factory
	engines map[string]Engine
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewPool creates an empty pool.
func NewPool(factory Factory, logger *zap.Logger) *Pool {
	return &Pool{
		factory: factory,
		engines: make(map[string]Engine),
		logger:  logger,
	}
}

// Bind returns the thread's engine, constructing it on first use.
func (p *Pool) Bind(threadID string) (Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.engines[threadID]; ok {
		return e, nil
	}
	e, err := p.factory(threadID)
	if err != nil {
		return nil, err
	}
	p.engines[threadID] = e
	p.logger.Debug("engine bound", zap.String("thread", threadID))
	return e, nil
}

// Release drops the thread's engine; the next Bind rebuilds it.
func (p *Pool) Release(threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.engines, threadID)
}

// Len reports how many threads have a bound engine.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.engines)
}

// ErrNoProvider is returned by the ReAct factory when no LLM provider is
// registered.
var ErrNoProvider = errors.New("no llm provider configured")

// NewReactFactory returns a Factory building a ReactAgent per thread with a
// system prompt rendered for the thread's address.
func NewReactFactory(router *provider.Router, tools *ToolRegistry, cfg ReactConfig, logger *zap.Logger) Factory {
	return func(threadID string) (Engine, error) {
		if threadID == "" {
			return nil, fmt.Errorf("bind engine: empty thread id")
		}
		if router == nil || router.Len() == 0 {
			return nil, ErrNoProvider
		}
		c := cfg
		c.SystemPrompt = SystemPrompt(cfg.SystemPrompt, threadID)
		return NewReactAgent(router, tools, c, logger.With(zap.String("thread", threadID))), nil
	}
}
