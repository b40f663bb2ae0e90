package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/hitl"
	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/tools"

	_ "modernc.org/sqlite"
)

// scriptedClient plays back a fixed sequence of model replies and
// records every call it receives.
type scriptedClient struct {
	mu        sync.Mutex
	replies   []scriptedReply
	callIndex int
	calls     []scriptedCall
}

type scriptedReply struct {
	resp *llm.ChatResponse
	err  error
}

type scriptedCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (c *scriptedClient) Chat(ctx context.Context, model string, msgs []llm.Message, toolSpecs []map[string]any, opts *llm.Options) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, msgs, toolSpecs, opts, nil)
}

func (c *scriptedClient) ChatStream(_ context.Context, model string, msgs []llm.Message, toolSpecs []map[string]any, _ *llm.Options, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, scriptedCall{Model: model, Messages: msgs, Tools: toolSpecs})

	if c.callIndex >= len(c.replies) {
		return nil, fmt.Errorf("scriptedClient: no more replies (call %d)", c.callIndex)
	}
	r := c.replies[c.callIndex]
	c.callIndex++
	return r.resp, r.err
}

func (c *scriptedClient) Ping(_ context.Context) error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedClient) call(i int) scriptedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func textReply(text string) scriptedReply {
	return scriptedReply{resp: &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", Content: text},
	}}
}

func thoughtReply(text string) scriptedReply {
	return textReply("Thought: " + text)
}

func toolReply(callID, name string, args map[string]any) scriptedReply {
	return scriptedReply{resp: &llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID:       callID,
				Function: llm.ToolFunction{Name: name, Arguments: args},
			}},
		},
	}}
}

func askReply(kind, question string) scriptedReply {
	return toolReply("ask-1", llm.AskHumanToolName, map[string]any{
		"kind":     kind,
		"question": question,
	})
}

func errReply(err error) scriptedReply {
	return scriptedReply{err: err}
}

// fatalModelError is non-retryable, so failure tests skip the backoff
// schedule.
func fatalModelError() error {
	return &llm.ProviderError{Provider: "test", Status: 400, Body: "bad request"}
}

type fixture struct {
	t        *testing.T
	client   *scriptedClient
	store    *convo.Store
	ledger   *credits.Ledger
	registry *tools.Registry
	broker   *hitl.Broker
	bus      *events.Bus
	eventCh  <-chan events.Event
	orch     *Orchestrator
}

func newFixture(t *testing.T, cfg Config, replies ...scriptedReply) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := convo.NewStore(filepath.Join(dir, "convo.db"))
	if err != nil {
		t.Fatalf("open conversation store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	db, err := sql.Open("sqlite", filepath.Join(dir, "credits.db"))
	if err != nil {
		t.Fatalf("open credits db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ledger, err := credits.NewLedger(db, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &scriptedClient{replies: replies}
	registry := tools.NewRegistry(5*time.Second, logger)
	broker := hitl.NewBroker(logger)
	bus := events.New()
	eventCh := bus.Subscribe(256)
	t.Cleanup(func() { bus.Unsubscribe(eventCh) })

	if cfg.Model == "" {
		cfg.Model = "test-model"
	}

	orch, err := New(Deps{
		Logger:   logger,
		Convo:    store,
		Registry: registry,
		Client:   client,
		Credits:  ledger,
		Broker:   broker,
		Bus:      bus,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &fixture{
		t:        t,
		client:   client,
		store:    store,
		ledger:   ledger,
		registry: registry,
		broker:   broker,
		bus:      bus,
		eventCh:  eventCh,
		orch:     orch,
	}
}

// start begins a turn, retrying briefly while a previous turn's
// goroutine is still draining its session reservation.
func (f *fixture) start(sessionID, message string) *convo.Turn {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		turn, err := f.orch.Start(context.Background(), sessionID, "user_1", message)
		if err == nil {
			return turn
		}
		var busy *ConcurrentTurnError
		if errors.As(err, &busy) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		f.t.Fatalf("Start: %v", err)
	}
}

// waitStatus polls the store until the turn reaches the wanted status.
func (f *fixture) waitStatus(turnID, want string) *convo.Turn {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		turn, err := f.store.GetTurn(context.Background(), turnID)
		if err != nil {
			f.t.Fatalf("GetTurn: %v", err)
		}
		if turn != nil && turn.Status == want {
			return turn
		}
		time.Sleep(5 * time.Millisecond)
	}
	turn, _ := f.store.GetTurn(context.Background(), turnID)
	got := "<missing>"
	if turn != nil {
		got = turn.Status
	}
	f.t.Fatalf("turn %s status = %q, want %q", turnID, got, want)
	return nil
}

// waitOpenRequest polls the broker until the turn's human request is
// registered. Returning from here guarantees the suspend is durable.
func (f *fixture) waitOpenRequest(turnID string) hitl.Request {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if req, ok := f.broker.ByTurn(turnID); ok {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("turn %s never opened a human request", turnID)
	return hitl.Request{}
}

func (f *fixture) steps(turnID string) []convo.Step {
	f.t.Helper()
	steps, err := f.store.GetSteps(context.Background(), turnID)
	if err != nil {
		f.t.Fatalf("GetSteps: %v", err)
	}
	return steps
}

func stepKinds(steps []convo.Step) []string {
	kinds := make([]string, len(steps))
	for i, s := range steps {
		kinds[i] = s.Kind
	}
	return kinds
}

func sameKinds(got []convo.Step, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i, s := range got {
		if s.Kind != want[i] {
			return false
		}
	}
	return true
}

func (f *fixture) register(spec *tools.Tool) {
	f.t.Helper()
	if err := f.registry.Register(spec); err != nil {
		f.t.Fatalf("Register %s: %v", spec.Name, err)
	}
}

func (f *fixture) balance(userID string) int64 {
	f.t.Helper()
	balance, err := f.ledger.Balance(context.Background(), userID)
	if err != nil {
		f.t.Fatalf("Balance: %v", err)
	}
	return balance
}

func (f *fixture) grant(userID string, credits int64) {
	f.t.Helper()
	if _, err := f.ledger.Grant(context.Background(), userID, credits, "test grant"); err != nil {
		f.t.Fatalf("Grant: %v", err)
	}
}

// drainEvents collects whatever the bus delivered so far, keyed by kind.
func (f *fixture) drainEvents() map[string]int {
	seen := make(map[string]int)
	for {
		select {
		case ev := <-f.eventCh:
			seen[ev.Kind]++
		default:
			return seen
		}
	}
}

// finalAnswer decodes the last step as the turn's final answer.
func finalAnswer(t *testing.T, steps []convo.Step) convo.FinalAnswerPayload {
	t.Helper()
	if len(steps) == 0 {
		t.Fatal("no steps recorded")
	}
	last := steps[len(steps)-1]
	if last.Kind != convo.StepFinalAnswer {
		t.Fatalf("last step kind = %q, want %q", last.Kind, convo.StepFinalAnswer)
	}
	var p convo.FinalAnswerPayload
	if err := last.Decode(&p); err != nil {
		t.Fatalf("decode final answer: %v", err)
	}
	return p
}
