// Package app owns the process-wide resources of the server: the checkpoint
// store, MCP connections, LLM providers and the HTTP listener. Resources are
// acquired once by New and released in reverse order by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/agent"
	"github.com/zyra-ai-sei/sdk-backend/internal/api"
	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/config"
	"github.com/zyra-ai-sei/sdk-backend/internal/conversation"
	"github.com/zyra-ai-sei/sdk-backend/internal/mcp"
	"github.com/zyra-ai-sei/sdk-backend/internal/metrics"
	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
	"github.com/zyra-ai-sei/sdk-backend/internal/store"
	"github.com/zyra-ai-sei/sdk-backend/internal/window"
)

// ShutdownTimeout bounds how long in-flight requests get to finish.
const ShutdownTimeout = 15 * time.Second

// App is a fully wired server.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	repo     checkpoint.Repository
	clients  []*mcp.Client
	router   *provider.Router
	tools    *agent.ToolRegistry
	pool     *agent.Pool
	service  *conversation.Service
	metrics  *metrics.Metrics
	handler  http.Handler
	closers  []func() error
	closeErr error
	once     sync.Once
}

// New acquires every resource named by cfg. On failure, whatever was
// already acquired is released before returning.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	repo, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)

	a.router = provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: pc.Timeout.Duration,
		}
		switch pc.Type {
		case "openai", "gemini", "":
			a.router.Register(provider.NewOpenAIProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if a.router.Len() == 0 {
		logger.Warn("no llm provider configured; turns will fail until one is added")
	}

	a.tools = agent.NewToolRegistry()
	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, cfg.MCP.CallTimeout.Duration, logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		a.clients = append(a.clients, c)
		a.closers = append(a.closers, c.Close)
	}
	servers := make([]agent.ToolServer, len(a.clients))
	for i, c := range a.clients {
		servers[i] = c
	}
	n := agent.RegisterMCPTools(a.tools, servers...)
	logger.Info("tools registered", zap.Int("count", n), zap.Int("servers", len(a.clients)))

	a.pool = agent.NewPool(agent.NewReactFactory(a.router, a.tools, agent.ReactConfig{
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxRounds:    cfg.Agent.MaxToolRounds,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		Window:       window.NewManager(window.Config{MaxTokens: cfg.Agent.ContextTokens}, logger),
	}, logger), logger)

	a.metrics = metrics.New()
	a.service = conversation.NewService(a.repo, a.pool, a.metrics, logger)
	a.handler = api.NewHandler(a.service, a.repo, api.Options{
		Metrics:        a.metrics.Handler(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger).Router()

	return a, nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the conversation service.
func (a *App) Service() *conversation.Service { return a.service }

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully. It does not release resources; call Close for that.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("sdk backend listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close releases every resource in reverse acquisition order. It is safe to
// call more than once.
func (a *App) Close() error {
	a.once.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
		if a.closeErr != nil {
			a.logger.Warn("resource release failed", zap.Error(a.closeErr))
		}
	})
	return a.closeErr
}
