// Package window keeps the messages sent to a model inside its context
// window. Replayed tool payloads are cut first, then the oldest history.
package window

import (
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

// Config holds context window settings.
type Config struct {
	MaxTokens    int     // model's max context window
	ReserveRatio float64 // fraction reserved for the response
	MaxToolChars int     // replayed tool results are cut to this length
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:    128000,
		ReserveRatio: 0.3,
		MaxToolChars: 2000,
	}
}

const truncatedMark = " …[truncated]"

// Manager fits message lists to a token budget.
type Manager struct {
	config Config
	logger *zap.Logger
}

// NewManager creates a window manager. Zero fields take their defaults.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ReserveRatio <= 0 || cfg.ReserveRatio >= 1 {
		cfg.ReserveRatio = def.ReserveRatio
	}
	if cfg.MaxToolChars <= 0 {
		cfg.MaxToolChars = def.MaxToolChars
	}
	return &Manager{config: cfg, logger: logger}
}

// Budget returns the available token budget for content.
func (m *Manager) Budget() int {
	return int(float64(m.config.MaxTokens) * (1 - m.config.ReserveRatio))
}

// Fit returns msgs trimmed to the budget. Leading system messages and the
// final message are never touched. In between, system messages (replayed
// tool results) are shortened first; if that is not enough the oldest
// messages are dropped. The input slice is not modified.
func (m *Manager) Fit(msgs []provider.Message) []provider.Message {
	total := EstimateTokens(msgs)
	budget := m.Budget()
	if total <= budget || len(msgs) < 2 {
		return msgs
	}

	head := 0
	for head < len(msgs)-1 && msgs[head].Role == "system" {
		head++
	}
	body := make([]provider.Message, len(msgs)-1-head)
	copy(body, msgs[head:len(msgs)-1])
	last := msgs[len(msgs)-1]

	for i := range body {
		if body[i].Role != "system" || len(body[i].Content) <= m.config.MaxToolChars {
			continue
		}
		before := estimateTokensStr(body[i].Content)
		cut := m.config.MaxToolChars
		for cut > 0 && !utf8.RuneStart(body[i].Content[cut]) {
			cut--
		}
		body[i].Content = body[i].Content[:cut] + truncatedMark
		total -= before - estimateTokensStr(body[i].Content)
	}

	dropped := 0
	for len(body) > 0 && total > budget {
		total -= estimateTokensStr(body[0].Content)
		body = body[1:]
		dropped++
	}

	m.logger.Info("context exceeds budget, trimmed",
		zap.Int("budget", budget),
		zap.Int("tokens", total),
		zap.Int("dropped", dropped))

	out := make([]provider.Message, 0, head+len(body)+1)
	out = append(out, msgs[:head]...)
	out = append(out, body...)
	return append(out, last)
}

// EstimateTokens estimates total tokens for a slice of messages.
func EstimateTokens(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokensStr(m.Content)
	}
	return total
}

// estimateTokensStr estimates tokens for a single string.
// Rough heuristic: ~4 chars per token.
func estimateTokensStr(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
