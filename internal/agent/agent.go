// Package agent implements the reasoning loop at the center of Skald:
// repeated decide/act/observe cycles against the model and the tool
// catalog, with human-in-the-loop suspension, credit accounting, and
// durable step logging.
//
// Every turn is an append-only sequence of steps in the conversation
// store; the loop never keeps state it cannot rebuild from that log.
// Suspended turns hold no goroutine, only a broker record, and a
// restart reconstructs them with Recover.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/hitl"
	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/stream"
	"github.com/skaldhq/skald/internal/tools"
	"github.com/skaldhq/skald/internal/usage"
)

// Answer sentinels for confirmation and selection requests. The values
// match llm.DefaultConfirmationOptions.
const (
	answerConfirm = "confirm"
	answerCancel  = "cancel"
)

// Config bounds the loop. Zero values take the documented defaults.
type Config struct {
	// Model is advisory; multi-backend clients route per backend.
	Model string
	// SystemPrompt overrides the built-in prompt when non-empty.
	SystemPrompt string
	// MaxIterations caps model calls per turn (default 25).
	MaxIterations int
	// HistoryWindow is how many prior completed turns seed the model
	// context (default 20).
	HistoryWindow int
	// HITLTimeout is how long a human input request stays open
	// (default 1h).
	HITLTimeout time.Duration
	// ModelTimeout bounds one model call (default 60s).
	ModelTimeout time.Duration
	// MaxToolRetries is the total attempts for a retryable tool
	// failure, including the first (default 3).
	MaxToolRetries int
	// InitialGrant is credited to a user on their first turn.
	InitialGrant int64

	Temperature float64
	MaxTokens   int

	// Pricing maps model names to per-token prices for usage records.
	Pricing map[string]config.Pricing
	// Providers maps model names to provider labels for usage records.
	Providers map[string]string
}

// Deps are the collaborators the orchestrator drives. Convo, Registry
// and Client are required; Credits and Usage are optional (costed tools
// run free without a ledger); Broker, Journal and Bus are created or
// tolerated as nil.
type Deps struct {
	Logger   *slog.Logger
	Convo    *convo.Store
	Registry *tools.Registry
	Client   llm.Client
	Credits  *credits.Ledger
	Usage    *usage.Store
	Broker   *hitl.Broker
	Journal  *stream.Journal
	Bus      *events.Bus
}

// Orchestrator runs turns. One instance serves all sessions; each
// in-flight turn runs on its own goroutine.
type Orchestrator struct {
	logger   *slog.Logger
	convo    *convo.Store
	registry *tools.Registry
	client   llm.Client
	credits  *credits.Ledger
	usage    *usage.Store
	broker   *hitl.Broker
	journal  *stream.Journal
	bus      *events.Bus
	cfg      Config
	opts     *llm.Options

	mu     sync.Mutex
	active map[string]*turnState // session ID -> in-flight turn
	byTurn map[string]*turnState
	closed bool
	wg     sync.WaitGroup
}

// turnState is the in-process handle on one running turn. Suspended
// turns have no turnState; the store and broker carry them.
//
// cancelled and parked close the race between Cancel and a concurrent
// suspension: the loop sets parked after the suspend is durable and
// then reads cancelled; Cancel sets cancelled and then reads parked.
// Whichever side sees both flags closes the turn out, exactly once via
// closedOut.
type turnState struct {
	sessionID string
	turnID    string
	cancelled atomic.Bool
	parked    atomic.Bool
	closedOut atomic.Bool
}

// New creates an orchestrator and applies config defaults.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Convo == nil {
		return nil, fmt.Errorf("agent: conversation store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("agent: tool registry is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("agent: model client is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Broker == nil {
		deps.Broker = hitl.NewBroker(deps.Logger)
	}
	if deps.Journal == nil {
		deps.Journal = stream.NewJournal(deps.Logger)
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 25
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.HITLTimeout <= 0 {
		cfg.HITLTimeout = time.Hour
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	if cfg.MaxToolRetries <= 0 {
		cfg.MaxToolRetries = 3
	}

	var opts *llm.Options
	if cfg.Temperature != 0 || cfg.MaxTokens != 0 {
		opts = &llm.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	}

	return &Orchestrator{
		logger:   deps.Logger.With("component", "agent"),
		convo:    deps.Convo,
		registry: deps.Registry,
		client:   deps.Client,
		credits:  deps.Credits,
		usage:    deps.Usage,
		broker:   deps.Broker,
		journal:  deps.Journal,
		bus:      deps.Bus,
		cfg:      cfg,
		opts:     opts,
		active:   make(map[string]*turnState),
		byTurn:   make(map[string]*turnState),
	}, nil
}

// Start begins a new turn on the session and runs it asynchronously.
// The returned turn is already persisted; callers follow progress by
// subscribing to the journal or polling the step log. Fails with
// *ConcurrentTurnError while the session has a turn in flight.
func (o *Orchestrator) Start(ctx context.Context, sessionID, userID, message string) (*convo.Turn, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("agent: session id is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("agent: empty user message")
	}
	if userID == "" {
		userID = "default"
	}

	st, err := o.reserve(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}

	if _, err := o.convo.EnsureSession(ctx, sessionID, userID); err != nil {
		o.release(st)
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	if o.credits != nil && o.cfg.InitialGrant > 0 {
		if _, err := o.credits.EnsureInitialGrant(ctx, userID, o.cfg.InitialGrant); err != nil {
			o.logger.Warn("initial grant failed", "user", userID, "error", err)
		}
	}

	turn, err := o.convo.CreateTurn(ctx, sessionID, userID, message)
	if err != nil {
		o.release(st)
		return nil, fmt.Errorf("create turn: %w", err)
	}
	o.index(st, turn.ID)

	o.journal.Open(turn.ID)
	o.publish(events.SourceAgent, events.KindTurnStarted, map[string]any{
		"turn_id":    turn.ID,
		"session_id": sessionID,
		"user_id":    userID,
	})
	o.logger.Info("turn started", "turn", turn.ID, "session", sessionID, "user", userID)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(st)
		o.run(context.Background(), st, turn, nil)
	}()
	return turn, nil
}

// Resume feeds a human answer into a suspended turn and re-enters the
// loop asynchronously. The request ID must match the turn's open
// request exactly once; duplicates fail with *StaleRequestError.
func (o *Orchestrator) Resume(ctx context.Context, turnID, requestID, answer string) (*convo.Turn, error) {
	turn, err := o.convo.GetTurn(ctx, turnID)
	if err != nil {
		return nil, fmt.Errorf("load turn: %w", err)
	}
	if turn == nil {
		return nil, ErrTurnNotFound
	}

	steps, err := o.convo.GetSteps(ctx, turnID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	if status := convo.DeriveStatus(steps); status != convo.StatusSuspended {
		return nil, &TurnNotSuspendedError{TurnID: turnID, Status: status}
	}
	open := convo.OpenHumanRequest(steps)
	if open == nil || open.RequestID != requestID {
		return nil, &StaleRequestError{TurnID: turnID, RequestID: requestID}
	}

	st, err := o.reserve(ctx, turn.SessionID, turnID)
	if err != nil {
		return nil, err
	}
	o.index(st, turnID)

	// The broker resolves each request exactly once; concurrent resumes
	// race here and one wins.
	req, err := o.broker.Resolve(requestID)
	if err != nil {
		o.release(st)
		return nil, &StaleRequestError{TurnID: turnID, RequestID: requestID}
	}

	o.journal.Open(turnID)

	step, err := o.recordStep(ctx, turn, convo.StepHumanResponse, convo.HumanResponsePayload{
		RequestID: requestID,
		Value:     answer,
	})
	if err != nil {
		o.journal.Close(turnID)
		o.release(st)
		return nil, err
	}
	steps = append(steps, *step)

	if err := o.convo.UpdateTurnStatus(ctx, turnID, convo.StatusRunning); err != nil {
		o.logger.Warn("turn status update failed", "turn", turnID, "error", err)
	}

	o.publish(events.SourceHITL, events.KindInputResolved, map[string]any{
		"turn_id":    turnID,
		"request_id": requestID,
		"answer_len": len(answer),
	})
	o.logger.Info("human input resolved",
		"turn", turnID, "request", requestID, "kind", req.Kind)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(st)
		o.resumeRun(context.Background(), st, turn, steps, req, answer)
	}()
	return turn, nil
}

// Cancel requests cooperative cancellation. A running turn finishes its
// current step (dispatched tool calls run to completion, charges and
// refunds included) and then finalizes; a suspended turn is finalized
// immediately and its open request dropped. Terminal turns are a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, turnID string) error {
	o.mu.Lock()
	st, inflight := o.byTurn[turnID]
	o.mu.Unlock()
	if inflight {
		st.cancelled.Store(true)
		o.logger.Info("turn cancellation requested", "turn", turnID)
		if st.parked.Load() {
			// The turn suspended while we were setting the flag; nobody
			// is left to read it, so close the turn out here.
			turn, err := o.convo.GetTurn(ctx, turnID)
			if err != nil {
				return fmt.Errorf("load turn: %w", err)
			}
			if turn != nil {
				o.closeSuspended(ctx, st, turn)
			}
		}
		return nil
	}

	turn, err := o.convo.GetTurn(ctx, turnID)
	if err != nil {
		return fmt.Errorf("load turn: %w", err)
	}
	if turn == nil {
		return ErrTurnNotFound
	}
	steps, err := o.convo.GetSteps(ctx, turnID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	switch convo.DeriveStatus(steps) {
	case convo.StatusSuspended:
		// The broker serializes ownership of the open request. Losing
		// the drop means a resume or expiry got there first and the turn
		// is theirs now.
		req, ok := o.broker.DropTurn(turnID)
		if !ok {
			o.logger.Debug("cancel found no open request", "turn", turnID)
			return nil
		}
		o.logger.Info("open request dropped by cancellation",
			"turn", turnID, "request", req.ID)
		o.finalize(ctx, turn, convo.OutcomeCancelled, "Cancelled while waiting for your input. Nothing was changed.")
		return nil
	case convo.StatusRunning:
		// A running row with no in-process state is a crash leftover;
		// Recover reconciles those at startup.
		return fmt.Errorf("turn %s is not cancellable from this process", turnID)
	default:
		return nil
	}
}

// closeSuspended finalizes a just-suspended turn whose cancellation
// raced the suspension. The closedOut swap picks one winner between the
// loop goroutine and Cancel; the broker drop yields to a resume that
// already claimed the request.
func (o *Orchestrator) closeSuspended(ctx context.Context, st *turnState, turn *convo.Turn) {
	if !st.closedOut.CompareAndSwap(false, true) {
		return
	}
	if _, ok := o.broker.DropTurn(turn.ID); !ok {
		return
	}
	o.finalize(ctx, turn, convo.OutcomeCancelled, "Cancelled while waiting for your input. Nothing was changed.")
}

// Shutdown stops accepting work and waits for in-flight turns to reach
// a step boundary and finish, up to the context deadline. Suspended
// turns are unaffected; they hold no goroutine.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve claims the session for one turn. allowTurnID exempts the
// turn being resumed from the durable active-turn check.
func (o *Orchestrator) reserve(ctx context.Context, sessionID, allowTurnID string) (*turnState, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("agent: orchestrator is shut down")
	}
	if cur, ok := o.active[sessionID]; ok {
		o.mu.Unlock()
		return nil, &ConcurrentTurnError{SessionID: sessionID, ActiveTurnID: cur.turnID}
	}
	st := &turnState{sessionID: sessionID}
	o.active[sessionID] = st
	o.mu.Unlock()

	// Suspended turns hold no in-process state; the store is the
	// authority for those.
	active, err := o.convo.FindActiveTurn(ctx, sessionID)
	if err != nil {
		o.release(st)
		return nil, fmt.Errorf("find active turn: %w", err)
	}
	if active != nil && active.ID != allowTurnID {
		o.release(st)
		return nil, &ConcurrentTurnError{SessionID: sessionID, ActiveTurnID: active.ID}
	}
	return st, nil
}

func (o *Orchestrator) index(st *turnState, turnID string) {
	o.mu.Lock()
	st.turnID = turnID
	o.byTurn[turnID] = st
	o.mu.Unlock()
}

func (o *Orchestrator) release(st *turnState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[st.sessionID]; ok && cur == st {
		delete(o.active, st.sessionID)
	}
	if st.turnID != "" {
		if cur, ok := o.byTurn[st.turnID]; ok && cur == st {
			delete(o.byTurn, st.turnID)
		}
	}
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func (o *Orchestrator) publish(source, kind string, data map[string]any) {
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// recordStep is the single funnel for turn progress: append to the
// durable log, then fan out to the bus and the live stream.
func (o *Orchestrator) recordStep(ctx context.Context, turn *convo.Turn, kind string, payload any) (*convo.Step, error) {
	step, err := o.convo.AppendStep(ctx, turn.ID, kind, payload)
	if err != nil {
		return nil, fmt.Errorf("append %s step: %w", kind, err)
	}
	o.publish(events.SourceAgent, events.KindStepRecorded, map[string]any{
		"turn_id":    turn.ID,
		"session_id": turn.SessionID,
		"step_index": step.Index,
		"step_kind":  kind,
	})
	ev, err := stream.EventFromStep(*step)
	if err != nil {
		o.logger.Warn("step has no wire mapping", "kind", kind, "error", err)
		return step, nil
	}
	o.journal.Publish(turn.ID, ev)
	return step, nil
}
