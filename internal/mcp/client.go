// Package mcp is a minimal Model Context Protocol client speaking JSON-RPC
// over the HTTP+SSE transport.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single JSON-RPC round trip.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned for calls made on, or pending during, Close.
var ErrClosed = errors.New("mcp client closed")

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcReply struct {
	raw json.RawMessage
	err error
}

// Client is an MCP SSE client that connects to an MCP server,
// discovers tools, and can call them via JSON-RPC over HTTP.
//
// Responses arrive on the SSE stream and are matched to callers through a
// pending map keyed by request id; each request waits on its own channel
// with a single timer.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	http    *http.Client
	timeout time.Duration
	tools   []ToolInfo
	pending map[int64]chan rpcReply
	nextID  atomic.Int64
	closed  bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewClient creates a new MCP client for the given SSE endpoint. A zero
// timeout selects DefaultTimeout.
func NewClient(name, sseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		name:    name,
		sseURL:  sseURL,
		http:    &http.Client{},
		timeout: timeout,
		pending: make(map[int64]chan rpcReply),
		logger:  logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// ListTools returns the tools discovered from the MCP server.
func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// Connect establishes the SSE connection, discovers the JSON-RPC endpoint,
// and fetches the available tools list. On error nothing is left open.
func (c *Client) Connect(ctx context.Context) error {
	// The SSE stream outlives ctx; it is torn down by Close.
	sseCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	endpoint, err := readEndpointEvent(reader)
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	rpcURL, err := c.resolveURL(endpoint)
	if err != nil {
		resp.Body.Close()
		cancel()
		return err
	}

	c.mu.Lock()
	c.rpcURL = rpcURL
	c.cancel = cancel
	c.mu.Unlock()
	c.logger.Info("MCP endpoint discovered", zap.String("name", c.name), zap.String("rpc", rpcURL))

	go c.readSSE(reader, resp.Body)

	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("MCP tools discovered", zap.String("name", c.name), zap.Int("count", len(c.ListTools())))
	return nil
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	name string
	data string
}

// nextEvent reads lines until a blank line terminates an event.
func nextEvent(r *bufio.Reader) (sseEvent, error) {
	var ev sseEvent
	var data []string
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && (ev.name != "" || len(data) > 0):
			ev.data = strings.Join(data, "\n")
			return ev, nil
		}
		if err != nil {
			return ev, err
		}
	}
}

// readEndpointEvent reads events until it finds an "endpoint" event.
func readEndpointEvent(r *bufio.Reader) (string, error) {
	for {
		ev, err := nextEvent(r)
		if ev.name == "endpoint" && ev.data != "" {
			return ev.data, nil
		}
		if err != nil {
			return "", fmt.Errorf("SSE stream ended without endpoint event: %w", err)
		}
	}
}

// resolveURL turns a relative endpoint into an absolute URL based on sseURL.
func (c *Client) resolveURL(endpoint string) (string, error) {
	base, err := url.Parse(c.sseURL)
	if err != nil {
		return "", fmt.Errorf("parse sse url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readSSE continuously reads SSE events and dispatches JSON-RPC responses
// to waiting callers via the pending map.
func (c *Client) readSSE(r *bufio.Reader, body io.Closer) {
	defer body.Close()
	for {
		ev, err := nextEvent(r)
		if ev.data != "" && (ev.name == "" || ev.name == "message") {
			c.dispatchResponse([]byte(ev.data))
		}
		if err != nil {
			c.logger.Debug("mcp sse stream ended", zap.String("name", c.name), zap.Error(err))
			c.failPending(fmt.Errorf("mcp sse stream closed: %w", err))
			return
		}
	}
}

// dispatchResponse parses a JSON-RPC response and hands it to the waiting
// caller. The whole envelope is delivered on success.
func (c *Client) dispatchResponse(data []byte) {
	var envelope struct {
		ID    *int64    `json:"id"`
		Error *RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.ID == nil {
		c.logger.Debug("mcp: ignoring non-jsonrpc SSE data")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*envelope.ID]
	if ok {
		delete(c.pending, *envelope.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("mcp: response for unknown request", zap.Int64("id", *envelope.ID))
		return
	}
	if envelope.Error != nil {
		ch <- rpcReply{err: envelope.Error}
		return
	}
	ch <- rpcReply{raw: json.RawMessage(data)}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		err = ErrClosed
	}
	for id, ch := range c.pending {
		ch <- rpcReply{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// sendRPC posts a JSON-RPC request and waits for its response on the SSE
// stream. It returns the full response envelope.
func (c *Client) sendRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	rpcURL := c.rpcURL
	c.pending[id] = ch
	c.mu.Unlock()

	rpcReq := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.forget(id)
		return nil, fmt.Errorf("send rpc: status %d", resp.StatusCode)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply.raw, reply.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("mcp rpc timeout for %s after %s", method, c.timeout)
	}
}

// fetchTools calls tools/list on the MCP server and populates c.tools.
func (c *Client) fetchTools(ctx context.Context) error {
	raw, err := c.sendRPC(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return err
	}
	var resp struct {
		Result struct {
			Tools []ToolInfo `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Result.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool on the MCP server and returns the raw JSON-RPC
// response envelope, result included.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}
	raw, err := c.sendRPC(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", name, err)
	}
	return raw, nil
}

// Close shuts down the SSE connection and fails pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	c.failPending(ErrClosed)
	if cancel != nil {
		cancel()
	}
	return nil
}
