package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/agent"
	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

// scriptEngine replays fixed events, then an optional error.
type scriptEngine struct {
	events  []agent.Event
	err     error
	history []checkpoint.Message
	ctx     context.Context
}

func (e *scriptEngine) Stream(ctx context.Context, history []checkpoint.Message, prompt string) iter.Seq2[agent.Event, error] {
	e.ctx = ctx
	e.history = history
	return func(yield func(agent.Event, error) bool) {
		for _, ev := range e.events {
			if !yield(ev, nil) {
				return
			}
		}
		if e.err != nil {
			yield(agent.Event{}, e.err)
		}
	}
}

type fakeBinder struct {
	engine   agent.Engine
	err      error
	released []string
}

func (b *fakeBinder) Bind(string) (agent.Engine, error) { return b.engine, b.err }
func (b *fakeBinder) Release(id string)                 { b.released = append(b.released, id) }

// recordSink collects frames; cancel, when set, runs after frame number
// cancelAfter is delivered.
type recordSink struct {
	frames      []Frame
	cancelAfter int
	cancel      context.CancelFunc
	fail        error
}

func (s *recordSink) Send(f Frame) error {
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, f)
	if s.cancel != nil && len(s.frames) == s.cancelAfter {
		s.cancel()
	}
	return nil
}

func (s *recordSink) types() string {
	var out []string
	for _, f := range s.frames {
		out = append(out, string(f.Type))
	}
	return strings.Join(out, ",")
}

// failingRepo fails writes while delegating reads.
type failingRepo struct {
	checkpoint.Repository
	putErr error
}

func (r *failingRepo) Put(ctx context.Context, id string, m []checkpoint.Message, meta checkpoint.Metadata) (*checkpoint.Checkpoint, error) {
	if r.putErr != nil {
		return nil, checkpoint.Wrap("put", id, r.putErr)
	}
	return r.Repository.Put(ctx, id, m, meta)
}

func newTestService(engine agent.Engine) (*Service, *checkpoint.MemoryRepository, *fakeBinder) {
	repo := checkpoint.NewMemoryRepository()
	binder := &fakeBinder{engine: engine}
	svc := NewService(repo, binder, nil, zap.NewNop())
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
	return svc, repo, binder
}

func tokens(parts ...string) []agent.Event {
	var evs []agent.Event
	for _, p := range parts {
		evs = append(evs, agent.Event{Kind: agent.EventToken, Text: p})
	}
	return append(evs, agent.Event{Kind: agent.EventMessage, Text: strings.Join(parts, "")})
}

func toolEnd(callID, name, output string) agent.Event {
	return agent.Event{Kind: agent.EventToolEnd, Tool: &agent.ToolResult{
		CallID: callID, Name: name, Arguments: `{"amount":"12"}`, Output: output,
	}}
}

const swapOutput = `{"executionId":"ex-1","tool_output":{"transaction":{"to":"0xabc","value":"12"}},"text":"Swap 12 USDC"}`

func seedProposal(t *testing.T, repo checkpoint.Repository) {
	t.Helper()
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	msgs := []checkpoint.Message{
		checkpoint.HumanMessage("swap 12 usdc", at),
		checkpoint.ToolMessage(&checkpoint.ToolProposal{
			ExecutionID: "ex-1", ToolName: "swap_tokens", CallID: "call-1",
			Status: checkpoint.StatusUnexecuted, CreatedAt: at, UpdatedAt: at,
			Payload: swapOutput,
		}),
		checkpoint.AIMessage("Please confirm in your wallet.", at.Add(time.Second)),
	}
	if _, err := repo.Put(context.Background(), "addr1", msgs, checkpoint.Metadata{Source: checkpoint.SourceLoop}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRunTurnEmptyThread(t *testing.T) {
	svc, repo, _ := newTestService(&scriptEngine{events: tokens("hi ", "there")})

	res, err := svc.RunTurn(context.Background(), "addr1", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Content != "hi there" || res.Tools == nil || len(res.Tools) != 0 {
		t.Fatalf("result = %+v", res)
	}
	data, _ := json.Marshal(res)
	if string(data) != `{"content":"hi there","tools":[]}` {
		t.Errorf("json = %s", data)
	}

	cp, err := repo.Get(context.Background(), "addr1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cp.Step != 1 || cp.ParentStep != 0 || cp.Metadata.Source != checkpoint.SourceLoop {
		t.Errorf("checkpoint = step %d parent %d source %s", cp.Step, cp.ParentStep, cp.Metadata.Source)
	}
	if len(cp.Messages) != 2 || cp.Messages[0].Kind != checkpoint.KindHuman || cp.Messages[1].Kind != checkpoint.KindAI {
		t.Errorf("messages = %+v", cp.Messages)
	}
}

func TestRunTurnPassesHistory(t *testing.T) {
	engine := &scriptEngine{events: tokens("ok")}
	svc, repo, _ := newTestService(engine)
	seedProposal(t, repo)

	if _, err := svc.RunTurn(context.Background(), "addr1", "again"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(engine.history) != 3 {
		t.Errorf("engine saw %d history messages", len(engine.history))
	}
	chain, _ := repo.List(context.Background(), "addr1")
	if len(chain) != 2 || len(chain[1].Messages) != 5 {
		t.Fatalf("chain = %d, last has %d messages", len(chain), len(chain[len(chain)-1].Messages))
	}
}

func TestRunTurnDedupsToolCalls(t *testing.T) {
	evs := []agent.Event{
		toolEnd("call-1", "swap_tokens", swapOutput),
		toolEnd("call-1", "swap_tokens", swapOutput),
	}
	evs = append(evs, tokens("Ready.")...)
	svc, repo, _ := newTestService(&scriptEngine{events: evs})

	res, err := svc.RunTurn(context.Background(), "addr1", "swap")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(res.Tools))
	}
	cp, _ := repo.Get(context.Background(), "addr1")
	n := 0
	for _, m := range cp.Messages {
		if m.Kind == checkpoint.KindTool {
			n++
		}
	}
	if n != 1 {
		t.Errorf("logged %d tool messages", n)
	}
}

// roundsProvider replays one chunk list per model call.
type roundsProvider struct {
	rounds [][]*provider.StreamChunk
	next   int
}

func (p *roundsProvider) ID() string                        { return "rounds" }
func (p *roundsProvider) Name() string                      { return "rounds" }
func (p *roundsProvider) HealthCheck(context.Context) error { return nil }

func (p *roundsProvider) ChatStream(ctx context.Context, _ *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	if p.next >= len(p.rounds) {
		return nil, errors.New("no more rounds")
	}
	chunks := p.rounds[p.next]
	p.next++
	ch := make(chan *provider.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestRunTurnKeepsUnnamedCallsFromEachRound(t *testing.T) {
	p := &roundsProvider{rounds: [][]*provider.StreamChunk{
		{{ToolCalls: []provider.ToolCallDelta{{Index: 0, Name: "quote", Arguments: `{"amount":"12"}`}}}, {Done: true}},
		{{ToolCalls: []provider.ToolCallDelta{{Index: 0, Name: "swap", Arguments: `{"amount":"12"}`}}}, {Done: true}},
		{{Content: "Confirm the swap in your wallet."}, {Done: true}},
	}}
	router := provider.NewRouter(zap.NewNop())
	router.Register(p)
	tools := agent.NewToolRegistry()
	for _, name := range []string{"quote", "swap"} {
		tools.Register(provider.Tool{Type: "function", Function: provider.ToolFunction{Name: name}},
			func(context.Context, string) (string, error) {
				return `{"tool_output":{"transaction":{"to":"0xabc"}}}`, nil
			})
	}
	engine := agent.NewReactAgent(router, tools, agent.ReactConfig{Model: "m", MaxRounds: 3}, zap.NewNop())
	svc, repo, _ := newTestService(engine)

	res, err := svc.RunTurn(context.Background(), "addr1", "quote then swap 12 usdc")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(res.Tools) != 2 || res.Tools[0].ToolName != "quote" || res.Tools[1].ToolName != "swap" {
		t.Fatalf("surfaced = %+v", res.Tools)
	}
	cp, _ := repo.Get(context.Background(), "addr1")
	var logged []string
	for _, m := range cp.Messages {
		if m.Kind == checkpoint.KindTool {
			logged = append(logged, m.Tool.ToolName+"/"+m.Tool.CallID)
		}
	}
	if len(logged) != 2 || !strings.HasPrefix(logged[0], "quote/") || !strings.HasPrefix(logged[1], "swap/") {
		t.Fatalf("logged tools = %v", logged)
	}
	if ok, err := svc.UpdateToolStatus(context.Background(), "addr1", res.Tools[1].ExecutionID, checkpoint.StatusCompleted, "0xhash"); err != nil || !ok {
		t.Fatalf("confirm swap: ok=%v err=%v", ok, err)
	}
}

func TestRunTurnKeepsLargeIntegerArguments(t *testing.T) {
	const args = `{"amountWei":123456789012345678901}`
	evs := []agent.Event{{Kind: agent.EventToolEnd, Tool: &agent.ToolResult{
		CallID: "c1", Name: "transfer", Arguments: args, Output: swapOutput,
	}}}
	svc, repo, _ := newTestService(&scriptEngine{events: evs})

	if _, err := svc.RunTurn(context.Background(), "addr1", "send"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	cp, _ := repo.Get(context.Background(), "addr1")
	p := cp.Messages[1].Tool
	if string(p.Parameters) != args {
		t.Fatalf("parameters = %s, want %s", p.Parameters, args)
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"parameters":`+args) {
		t.Errorf("encoded proposal = %s", data)
	}
}

func TestRunTurnFiltersToolsWithoutOutput(t *testing.T) {
	evs := []agent.Event{
		toolEnd("c1", "get_balance", `{"executionId":"ex-b","text":"You hold 12 USDC"}`),
		toolEnd("c2", "broken", `not json at all`),
		toolEnd("c3", "swap_tokens", swapOutput),
		toolEnd("c4", "transfer", `{"content":[{"type":"text","text":"{\"transaction\":{\"to\":\"0xdef\"}}"}]}`),
	}
	svc, repo, _ := newTestService(&scriptEngine{events: evs})

	res, err := svc.RunTurn(context.Background(), "addr1", "do things")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(res.Tools) != 2 {
		t.Fatalf("surfaced %d tools: %+v", len(res.Tools), res.Tools)
	}
	if res.Tools[0].ToolName != "swap_tokens" || res.Tools[0].ID != 0 {
		t.Errorf("first = %+v", res.Tools[0])
	}
	if res.Tools[1].ToolName != "transfer" || res.Tools[1].ID != 1 {
		t.Errorf("second = %+v", res.Tools[1])
	}

	var out map[string]any
	json.Unmarshal(res.Tools[0].ToolOutput, &out)
	if out["id"] != float64(0) || out["transaction"] == nil {
		t.Errorf("tool_output = %s", res.Tools[0].ToolOutput)
	}
	json.Unmarshal(res.Tools[1].ToolOutput, &out)
	if out["id"] != float64(1) {
		t.Errorf("transfer tool_output = %s", res.Tools[1].ToolOutput)
	}

	cp, _ := repo.Get(context.Background(), "addr1")
	var logged []string
	for _, m := range cp.Messages {
		if m.Kind == checkpoint.KindTool {
			logged = append(logged, m.Tool.ToolName)
		}
	}
	if strings.Join(logged, ",") != "get_balance,broken,swap_tokens,transfer" {
		t.Errorf("logged tools = %v", logged)
	}
}

func TestRunTurnGeneratesExecutionID(t *testing.T) {
	evs := []agent.Event{toolEnd("c1", "transfer", `{"tool_output":{"transaction":{"to":"0x1"},"id":"keep"},"future":{"x":1}}`)}
	svc, repo, _ := newTestService(&scriptEngine{events: evs})

	res, err := svc.RunTurn(context.Background(), "addr1", "send")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Tools[0].ExecutionID != "gen-1" {
		t.Errorf("execution id = %q", res.Tools[0].ExecutionID)
	}
	var out map[string]any
	json.Unmarshal(res.Tools[0].ToolOutput, &out)
	if out["id"] != "keep" {
		t.Errorf("existing id overwritten: %s", res.Tools[0].ToolOutput)
	}

	cp, _ := repo.Get(context.Background(), "addr1")
	p := cp.Messages[1].Tool
	if p.ExecutionID != "gen-1" || p.Payload.ExecutionID() != "gen-1" {
		t.Errorf("proposal = %+v", p)
	}
	obj, _ := p.Payload.Object()
	if string(obj["future"]) != `{"x":1}` {
		t.Errorf("unknown key lost: %s", p.Payload)
	}
	if string(p.Parameters) != `{"amount":"12"}` || p.Status != checkpoint.StatusUnexecuted {
		t.Errorf("proposal fields = %+v", p)
	}
}

func TestUpdateToolStatusRoundTrip(t *testing.T) {
	svc, repo, _ := newTestService(nil)
	seedProposal(t, repo)
	ctx := context.Background()

	before, _ := svc.History(ctx, "addr1")
	ok, err := svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusCompleted, "0xabc")
	if err != nil || !ok {
		t.Fatalf("update = %v, %v", ok, err)
	}
	after, err := svc.History(ctx, "addr1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("history length changed %d -> %d", len(before), len(after))
	}
	tool := after[1]
	if tool.Type != EntryTool || tool.Status != checkpoint.StatusCompleted || tool.Hash != "0xabc" {
		t.Errorf("tool entry = %+v", tool)
	}
	if tool.Content != "Swap 12 USDC" || tool.ToolName != "swap_tokens" || tool.ExecutionID != "ex-1" {
		t.Errorf("tool entry = %+v", tool)
	}
	for _, i := range []int{0, 2} {
		b, _ := json.Marshal(before[i])
		a, _ := json.Marshal(after[i])
		if string(a) != string(b) {
			t.Errorf("entry %d changed:\n%s\n%s", i, b, a)
		}
	}

	cp, _ := repo.Get(ctx, "addr1")
	if cp.Step != 2 || cp.ParentStep != 1 || cp.Metadata.Source != checkpoint.SourceUpdate {
		t.Errorf("checkpoint step %d parent %d source %s", cp.Step, cp.ParentStep, cp.Metadata.Source)
	}
	obj, _ := cp.Messages[1].Tool.Payload.Object()
	if string(obj["status"]) != `"completed"` || string(obj["hash"]) != `"0xabc"` || obj["tool_output"] == nil {
		t.Errorf("payload = %s", cp.Messages[1].Tool.Payload)
	}
}

func TestUpdateToolStatusIdempotent(t *testing.T) {
	svc, repo, _ := newTestService(nil)
	seedProposal(t, repo)
	ctx := context.Background()

	svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusCompleted, "0xabc")
	first, _ := svc.History(ctx, "addr1")
	svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusCompleted, "0xabc")
	second, _ := svc.History(ctx, "addr1")

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("history changed:\n%s\n%s", a, b)
	}
}

func TestUpdateToolStatusMissing(t *testing.T) {
	svc, repo, _ := newTestService(nil)
	ctx := context.Background()

	ok, err := svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusAborted, "")
	if ok || err != nil {
		t.Fatalf("no checkpoint: %v, %v", ok, err)
	}

	seedProposal(t, repo)
	ok, err = svc.UpdateToolStatus(ctx, "addr1", "missing-id", checkpoint.StatusCompleted, "")
	if ok || err != nil {
		t.Fatalf("missing id: %v, %v", ok, err)
	}
	cp, _ := repo.Get(ctx, "addr1")
	if cp.Step != 1 {
		t.Errorf("step = %d, want 1", cp.Step)
	}

	if _, err := svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusUnexecuted, ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestUpdateToolStatusAllowsOverwrite(t *testing.T) {
	svc, repo, _ := newTestService(nil)
	seedProposal(t, repo)
	ctx := context.Background()

	svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusAborted, "")
	ok, _ := svc.UpdateToolStatus(ctx, "addr1", "ex-1", checkpoint.StatusCompleted, "0x1")
	if !ok {
		t.Fatal("overwrite rejected")
	}
	h, _ := svc.History(ctx, "addr1")
	if h[1].Status != checkpoint.StatusCompleted {
		t.Errorf("status = %s", h[1].Status)
	}
}

func TestUpdateToolStatusPersistenceError(t *testing.T) {
	mem := checkpoint.NewMemoryRepository()
	seedProposal(t, mem)
	svc := NewService(&failingRepo{Repository: mem, putErr: errors.New("disk full")}, &fakeBinder{}, nil, zap.NewNop())

	_, err := svc.UpdateToolStatus(context.Background(), "addr1", "ex-1", checkpoint.StatusCompleted, "")
	var pe *checkpoint.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestHistoryProjection(t *testing.T) {
	svc, repo, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	msgs := []checkpoint.Message{
		checkpoint.ToolMessage(&checkpoint.ToolProposal{
			ExecutionID: "ex-9", ToolName: "transfer", Status: checkpoint.StatusUnexecuted, CreatedAt: at,
			Payload: `{"jsonrpc":"2.0","result":{"tool_output":{"transaction":{}},"content":[{"type":"text","text":"Transfer ready"}]},"timestamp":"2026-10-15T08:00:00Z"}`,
		}),
		checkpoint.ToolMessage(&checkpoint.ToolProposal{
			ExecutionID: "ex-10", ToolName: "raw", CreatedAt: at, Payload: `<html>502</html>`,
		}),
	}
	repo.Put(ctx, "addr1", msgs, checkpoint.Metadata{Source: checkpoint.SourceLoop})

	h, err := svc.History(ctx, "addr1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if h[0].Content != "Transfer ready" || h[0].Timestamp != "2026-10-15T08:00:00Z" || string(h[0].ToolOutput) != `{"transaction":{}}` {
		t.Errorf("mcp entry = %+v", h[0])
	}
	if h[1].Content != "<html>502</html>" || h[1].Status != checkpoint.StatusUnexecuted {
		t.Errorf("raw entry = %+v", h[1])
	}
}

func TestClearThread(t *testing.T) {
	svc, repo, binder := newTestService(nil)
	seedProposal(t, repo)
	ctx := context.Background()

	if err := svc.ClearThread(ctx, "addr1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	h, err := svc.History(ctx, "addr1")
	if err != nil || h == nil || len(h) != 0 {
		t.Fatalf("history after clear = %v, %v", h, err)
	}
	if len(binder.released) != 1 || binder.released[0] != "addr1" {
		t.Errorf("engine not released: %v", binder.released)
	}
}

func TestSessionInitError(t *testing.T) {
	svc, _, binder := newTestService(nil)
	binder.err = errors.New("no provider")

	_, err := svc.RunTurn(context.Background(), "addr1", "hi")
	var sie *SessionInitError
	if !errors.As(err, &sie) || sie.ThreadID != "addr1" {
		t.Fatalf("RunTurn err = %v", err)
	}
	if err := svc.InitializeThread(context.Background(), "addr1"); !errors.As(err, &sie) {
		t.Fatalf("InitializeThread err = %v", err)
	}

	sink := &recordSink{}
	state, err := svc.StreamTurn(context.Background(), "addr1", "hi", sink)
	if state != StateFailed || !errors.As(err, &sie) {
		t.Fatalf("stream = %s, %v", state, err)
	}
	if sink.types() != "error" || sink.frames[0].Message != "Session initialization failed" {
		t.Errorf("frames = %+v", sink.frames)
	}
}

func TestRunTurnRejectsEmptyPrompt(t *testing.T) {
	svc, _, _ := newTestService(&scriptEngine{})
	if _, err := svc.RunTurn(context.Background(), "addr1", "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("err = %v", err)
	}
	if _, err := svc.RunTurn(context.Background(), "", "hi"); !errors.Is(err, ErrEmptyThread) {
		t.Fatalf("err = %v", err)
	}
}
