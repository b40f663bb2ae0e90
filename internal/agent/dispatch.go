package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/retry"
	"github.com/skaldhq/skald/internal/tools"
)

// Tool result statuses in ToolResultPayload.Status.
const (
	resultOK    = "ok"
	resultError = "error"
)

// dispatchCall records a tool call, executes it, and records the
// result. The invocation ID minted here is the idempotency key for the
// handler's side effects and the ledger operation; retries reuse it.
func (o *Orchestrator) dispatchCall(ctx context.Context, turn *convo.Turn, steps []convo.Step, callID, name string, args map[string]any) ([]convo.Step, error) {
	invocationID, err := newID()
	if err != nil {
		return steps, err
	}

	callStep, err := o.recordStep(ctx, turn, convo.StepToolCall, convo.ToolCallPayload{
		CallID:       callID,
		Tool:         name,
		Args:         args,
		InvocationID: invocationID,
	})
	if err != nil {
		return steps, err
	}
	steps = append(steps, *callStep)

	result := o.executeTool(ctx, turn, invocationID, callID, name, args)

	resultStep, err := o.recordStep(ctx, turn, convo.StepToolResult, result)
	if err != nil {
		return steps, err
	}
	return append(steps, *resultStep), nil
}

// executeTool runs one invocation end to end: credit pre-check, the
// handler under the retry policy, then deduct on success or refund on
// failure. Policy denials never reach the handler.
func (o *Orchestrator) executeTool(ctx context.Context, turn *convo.Turn, invocationID, callID, name string, args map[string]any) convo.ToolResultPayload {
	res := convo.ToolResultPayload{CallID: callID, Tool: name}
	start := time.Now()

	var cost int64
	if spec := o.registry.Get(name); spec != nil {
		cost = spec.Cost
	}

	if cost > 0 && o.credits != nil {
		if err := o.credits.Check(ctx, turn.UserID, cost); err != nil {
			res.Status = resultError
			res.DurationMS = time.Since(start).Milliseconds()
			var ie *credits.InsufficientError
			if errors.As(err, &ie) {
				te := tools.InsufficientCredits(name, cost, ie.Balance)
				res.ErrorCode = te.Code
				res.ErrorMessage = te.Message
				o.publish(events.SourceCredits, events.KindCreditsDenied, map[string]any{
					"user_id":   turn.UserID,
					"tool":      name,
					"estimated": cost,
					"balance":   ie.Balance,
				})
				o.logger.Warn("tool denied, insufficient credits",
					"tool", name, "user", turn.UserID, "needed", cost, "balance", ie.Balance)
				return res
			}
			res.ErrorCode = tools.CodeExecutionFailed
			res.ErrorMessage = fmt.Sprintf("credit check: %v", err)
			o.logger.Error("credit check failed", "tool", name, "user", turn.UserID, "error", err)
			return res
		}
	}

	tctx := tools.WithInvocationID(
		tools.WithTurnID(
			tools.WithUserID(
				tools.WithSessionID(ctx, turn.SessionID), turn.UserID), turn.ID), invocationID)

	policy := retry.Policy{
		MaxAttempts: o.cfg.MaxToolRetries,
		Initial:     250 * time.Millisecond,
		Max:         5 * time.Second,
	}
	attempt := 0
	var output string
	err := retry.Do(ctx, policy, o.logger, "tool "+name, retryableToolError, func() error {
		attempt++
		o.publish(events.SourceAgent, events.KindToolCall, map[string]any{
			"turn_id":       turn.ID,
			"tool":          name,
			"invocation_id": invocationID,
			"attempt":       attempt,
		})
		out, err := o.registry.Execute(tctx, name, args)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	res.DurationMS = time.Since(start).Milliseconds()

	if err == nil {
		res.Status = resultOK
		res.Output = output
		o.settleCharge(ctx, turn, &res, invocationID, name, cost)
		o.publish(events.SourceAgent, events.KindToolDone, map[string]any{
			"turn_id":       turn.ID,
			"tool":          name,
			"invocation_id": invocationID,
			"ok":            true,
			"duration_ms":   res.DurationMS,
		})
		o.logger.Info("tool succeeded",
			"tool", name, "turn", turn.ID, "attempts", attempt, "credits", res.CreditsCharged)
		return res
	}

	res.Status = resultError
	var te *tools.ToolError
	if errors.As(err, &te) {
		res.ErrorCode = te.Code
		res.ErrorMessage = te.Message
		res.Retryable = te.Retryable
	} else {
		res.ErrorCode = tools.CodeExecutionFailed
		res.ErrorMessage = err.Error()
	}
	o.refundCharge(ctx, turn, &res, invocationID, name, cost)
	o.publish(events.SourceAgent, events.KindToolDone, map[string]any{
		"turn_id":       turn.ID,
		"tool":          name,
		"invocation_id": invocationID,
		"ok":            false,
		"duration_ms":   res.DurationMS,
	})
	o.logger.Warn("tool failed",
		"tool", name, "turn", turn.ID, "code", res.ErrorCode,
		"retryable", res.Retryable, "attempts", attempt)
	return res
}

// settleCharge deducts the cost of a successful invocation. The charge
// is idempotent on the invocation ID, so a crash-replayed call cannot
// double-bill.
func (o *Orchestrator) settleCharge(ctx context.Context, turn *convo.Turn, res *convo.ToolResultPayload, invocationID, name string, cost int64) {
	if cost <= 0 || o.credits == nil {
		return
	}
	applied, err := o.credits.Deduct(ctx, invocationID, turn.UserID, cost, "tool:"+name)
	if err != nil {
		o.logger.Error("deduct failed after successful tool",
			"tool", name, "operation", invocationID, "error", err)
		return
	}
	res.CreditsCharged = cost
	if applied {
		balance, _ := o.credits.Balance(ctx, turn.UserID)
		o.publish(events.SourceCredits, events.KindCreditsDeducted, map[string]any{
			"user_id":      turn.UserID,
			"credits":      cost,
			"operation_id": invocationID,
			"remaining":    balance,
		})
	}
}

// refundCharge returns whatever this invocation already deducted. With
// deduct-on-success this is normally nothing; it matters when a crash
// replay charged an earlier attempt.
func (o *Orchestrator) refundCharge(ctx context.Context, turn *convo.Turn, res *convo.ToolResultPayload, invocationID, name string, cost int64) {
	if cost <= 0 || o.credits == nil {
		return
	}
	refunded, err := o.credits.Refund(ctx, invocationID, turn.UserID)
	if err != nil {
		o.logger.Error("refund failed", "tool", name, "operation", invocationID, "error", err)
		return
	}
	if refunded > 0 {
		res.CreditsRefunded = refunded
		o.publish(events.SourceCredits, events.KindCreditsRefunded, map[string]any{
			"user_id":      turn.UserID,
			"operation_id": invocationID,
		})
	}
}

// retryableToolError consults the tool error's own classification.
// Anything that is not a ToolError came from outside the dispatch path
// and is not retried.
func retryableToolError(err error) bool {
	var te *tools.ToolError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
