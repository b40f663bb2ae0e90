package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/tools"
)

// crashTurn plants a turn in the store the way a dead process would
// have left it: steps appended, status set, no broker entry.
func crashTurn(t *testing.T, f *fixture, sessionID, status string, steps ...any) *convo.Turn {
	t.Helper()
	ctx := context.Background()

	if _, err := f.store.EnsureSession(ctx, sessionID, "user_1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	turn, err := f.store.CreateTurn(ctx, sessionID, "user_1", "a request from before the crash")
	if err != nil {
		t.Fatalf("CreateTurn: %v", err)
	}
	for _, payload := range steps {
		kind := ""
		switch payload.(type) {
		case convo.ThoughtPayload:
			kind = convo.StepThought
		case convo.HumanRequestPayload:
			kind = convo.StepHumanRequest
		default:
			t.Fatalf("unsupported crash step payload %T", payload)
		}
		if _, err := f.store.AppendStep(ctx, turn.ID, kind, payload); err != nil {
			t.Fatalf("AppendStep: %v", err)
		}
	}
	if status != convo.StatusRunning {
		if err := f.store.UpdateTurnStatus(ctx, turn.ID, status); err != nil {
			t.Fatalf("UpdateTurnStatus: %v", err)
		}
	}
	return turn
}

func TestRecover_InterruptedRunningTurn(t *testing.T) {
	f := newFixture(t, Config{})
	turn := crashTurn(t, f, "sess-1", convo.StatusRunning,
		convo.ThoughtPayload{Text: "was mid-flight"},
	)

	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	stored, err := f.store.GetTurn(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if stored.Status != convo.StatusFailed {
		t.Errorf("status = %q, want %q", stored.Status, convo.StatusFailed)
	}
	answer := finalAnswer(t, f.steps(turn.ID))
	if answer.Outcome != convo.OutcomeInterrupted {
		t.Errorf("outcome = %q, want %q", answer.Outcome, convo.OutcomeInterrupted)
	}

	// The session is free for a new turn afterwards.
	active, err := f.store.FindActiveTurn(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("FindActiveTurn: %v", err)
	}
	if active != nil {
		t.Errorf("session still has active turn %s", active.ID)
	}
}

func TestRecover_RestoresSuspendedTurn(t *testing.T) {
	f := newFixture(t, Config{},
		textReply("Noted, camp-2 it is."),
	)
	turn := crashTurn(t, f, "sess-1", convo.StatusSuspended,
		convo.HumanRequestPayload{
			RequestID: "req-9",
			Kind:      "free_text",
			Question:  "Which campaign?",
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
		},
	)

	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	req, ok := f.broker.ByTurn(turn.ID)
	if !ok {
		t.Fatal("request not re-registered with the broker")
	}
	if req.ID != "req-9" || req.Question != "Which campaign?" {
		t.Errorf("restored request = %+v", req)
	}

	// The restored turn answers like any other suspended turn.
	if _, err := f.orch.Resume(context.Background(), turn.ID, "req-9", "camp-2"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.waitStatus(turn.ID, convo.StatusCompleted)
}

func TestRecover_PendingCallSurvivesRestart(t *testing.T) {
	var handlerCalls atomic.Int32

	f := newFixture(t, Config{},
		textReply("Paused camp-1."),
	)
	f.register(&tools.Tool{
		Name:                 "pause_campaign",
		Description:          "test tool",
		Parameters:           emptyObjectSchema(),
		RequiresConfirmation: true,
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			handlerCalls.Add(1)
			return "campaign paused", nil
		},
	})
	turn := crashTurn(t, f, "sess-1", convo.StatusSuspended,
		convo.HumanRequestPayload{
			RequestID: "req-9",
			Kind:      "confirmation",
			Question:  "Please confirm before I run pause_campaign.",
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
			PendingCall: &convo.PendingCall{
				CallID: "call-7",
				Tool:   "pause_campaign",
				Args:   map[string]any{"campaign_id": "camp-1"},
			},
		},
	)

	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	req, ok := f.broker.ByTurn(turn.ID)
	if !ok || req.PendingCall == nil {
		t.Fatalf("pending call not restored: %+v", req)
	}

	if _, err := f.orch.Resume(context.Background(), turn.ID, "req-9", "confirm"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.waitStatus(turn.ID, convo.StatusCompleted)

	if n := handlerCalls.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
	steps := f.steps(turn.ID)
	want := []string{
		convo.StepHumanRequest,
		convo.StepHumanResponse,
		convo.StepToolCall,
		convo.StepToolResult,
		convo.StepFinalAnswer,
	}
	if !sameKinds(steps, want) {
		t.Fatalf("step kinds = %v, want %v", stepKinds(steps), want)
	}
}

func TestRecover_ExpiredRequestTimesOut(t *testing.T) {
	f := newFixture(t, Config{})
	turn := crashTurn(t, f, "sess-1", convo.StatusSuspended,
		convo.HumanRequestPayload{
			RequestID: "req-9",
			Kind:      "free_text",
			Question:  "Anyone home?",
			ExpiresAt: time.Now().Add(-time.Minute).UTC(),
		},
	)

	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, ok := f.broker.ByTurn(turn.ID); ok {
		t.Error("expired request should not be re-registered")
	}
	stored, err := f.store.GetTurn(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if stored.Status != convo.StatusFailed {
		t.Errorf("status = %q, want %q", stored.Status, convo.StatusFailed)
	}
	answer := finalAnswer(t, f.steps(turn.ID))
	if answer.Outcome != convo.OutcomeTimedOut {
		t.Errorf("outcome = %q, want %q", answer.Outcome, convo.OutcomeTimedOut)
	}
}

func TestRecover_SuspendedStatusWithoutRequestStep(t *testing.T) {
	// A suspended status whose log shows no open request is store
	// damage from a crash mid-write. The log wins and the turn closes.
	f := newFixture(t, Config{})
	turn := crashTurn(t, f, "sess-1", convo.StatusSuspended,
		convo.ThoughtPayload{Text: "crashed between step and status"},
	)

	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	answer := finalAnswer(t, f.steps(turn.ID))
	if answer.Outcome != convo.OutcomeInterrupted {
		t.Errorf("outcome = %q, want %q", answer.Outcome, convo.OutcomeInterrupted)
	}
}
