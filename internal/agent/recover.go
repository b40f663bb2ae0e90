package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/hitl"
)

const interruptedText = "This request was interrupted by a restart. Please try again."

// Recover reconciles turns a previous process left behind. Turns that
// were mid-loop when the process died are finalized as interrupted;
// suspended turns get their human request re-registered with the
// broker, or are expired if the answer window already closed. Call it
// once at startup, before serving traffic.
func (o *Orchestrator) Recover(ctx context.Context) error {
	turns, err := o.convo.ListTurnsByStatus(ctx, convo.StatusRunning, convo.StatusSuspended)
	if err != nil {
		return fmt.Errorf("list unfinished turns: %w", err)
	}
	if len(turns) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var interrupted, restored, expired int
	for i := range turns {
		turn := &turns[i]
		switch turn.Status {
		case convo.StatusRunning:
			o.finalize(ctx, turn, convo.OutcomeInterrupted, interruptedText)
			interrupted++
		case convo.StatusSuspended:
			switch o.recoverSuspended(ctx, turn, now) {
			case recoveredRestored:
				restored++
			case recoveredExpired:
				expired++
			default:
				interrupted++
			}
		}
	}

	o.logger.Info("recovery complete",
		"interrupted", interrupted, "restored", restored, "expired", expired)
	return nil
}

type recoverResult int

const (
	recoveredInterrupted recoverResult = iota
	recoveredRestored
	recoveredExpired
)

func (o *Orchestrator) recoverSuspended(ctx context.Context, turn *convo.Turn, now time.Time) recoverResult {
	steps, err := o.convo.GetSteps(ctx, turn.ID)
	if err != nil {
		o.logger.Error("recovery: steps unavailable", "turn", turn.ID, "error", err)
		return recoveredInterrupted
	}
	req := convo.OpenHumanRequest(steps)
	if req == nil {
		// Status says suspended but the log disagrees. The log wins.
		o.finalize(ctx, turn, convo.OutcomeInterrupted, interruptedText)
		return recoveredInterrupted
	}
	if !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
		o.expireTurn(ctx, turn, req.RequestID)
		return recoveredExpired
	}

	if err := o.broker.Open(hitl.Request{
		ID:          req.RequestID,
		TurnID:      turn.ID,
		SessionID:   turn.SessionID,
		UserID:      turn.UserID,
		Kind:        req.Kind,
		Question:    req.Question,
		Options:     req.Options,
		Default:     req.Default,
		CreatedAt:   steps[len(steps)-1].CreatedAt,
		ExpiresAt:   req.ExpiresAt,
		PendingCall: req.PendingCall,
	}); err != nil {
		o.logger.Error("recovery: request not restored", "turn", turn.ID, "error", err)
		o.finalize(ctx, turn, convo.OutcomeInterrupted, interruptedText)
		return recoveredInterrupted
	}
	o.logger.Info("recovery: suspended turn restored",
		"turn", turn.ID, "request", req.RequestID, "expires_at", req.ExpiresAt)
	return recoveredRestored
}

// expireTurn closes out a suspended turn whose answer window has
// passed. The request is dropped from the broker first so a racing
// resume gets a stale-request error instead of waking a dead turn.
func (o *Orchestrator) expireTurn(ctx context.Context, turn *convo.Turn, requestID string) {
	o.broker.DropTurn(turn.ID)
	o.publish(events.SourceHITL, events.KindInputExpired, map[string]any{
		"turn_id":    turn.ID,
		"session_id": turn.SessionID,
		"request_id": requestID,
	})
	o.finalize(ctx, turn, convo.OutcomeTimedOut,
		"Timed out waiting for your input. Nothing further was done.")
}

// ExpireOpenRequests sweeps the broker for requests whose deadline has
// passed and finalizes their turns as timed out. Returns how many
// turns it closed.
func (o *Orchestrator) ExpireOpenRequests(ctx context.Context, now time.Time) int {
	expired := o.broker.TakeExpired(now)
	for _, req := range expired {
		turn, err := o.convo.GetTurn(ctx, req.TurnID)
		if err != nil || turn == nil {
			o.logger.Error("expiry: turn missing", "turn", req.TurnID, "error", err)
			continue
		}
		o.publish(events.SourceHITL, events.KindInputExpired, map[string]any{
			"turn_id":    turn.ID,
			"session_id": turn.SessionID,
			"request_id": req.ID,
		})
		o.finalize(ctx, turn, convo.OutcomeTimedOut,
			"Timed out waiting for your input. Nothing further was done.")
	}
	return len(expired)
}

// RunExpiry sweeps expired human requests on a fixed interval until
// the context is cancelled. Run it in its own goroutine.
func (o *Orchestrator) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.ExpireOpenRequests(ctx, now.UTC())
		}
	}
}
