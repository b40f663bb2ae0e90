package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/hitl"
	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/prompts"
	"github.com/skaldhq/skald/internal/retry"
	"github.com/skaldhq/skald/internal/stream"
	"github.com/skaldhq/skald/internal/tools"
	"github.com/skaldhq/skald/internal/usage"
)

// run drives decide/act/observe cycles until the turn finalizes or
// suspends. steps is the log so far; nil for a fresh turn. Persistence
// failures abandon the turn as running; Recover reconciles it at the
// next startup.
func (o *Orchestrator) run(ctx context.Context, st *turnState, turn *convo.Turn, steps []convo.Step) {
	iter := countIterations(steps)

	for {
		if st.cancelled.Load() {
			o.finalize(ctx, turn, convo.OutcomeCancelled, "Cancelled at your request. Anything already dispatched ran to completion.")
			return
		}
		if iter >= o.cfg.MaxIterations {
			o.logger.Warn("iteration budget exhausted", "turn", turn.ID, "iterations", iter)
			o.finalize(ctx, turn, convo.OutcomeMaxIterations,
				"I couldn't complete this within my step budget. Try splitting the request into smaller pieces.")
			return
		}

		decision, err := o.decide(ctx, turn, steps, iter)
		iter++
		if err != nil {
			o.logger.Error("model decision failed", "turn", turn.ID, "iter", iter, "error", err)
			o.finalize(ctx, turn, convo.OutcomeModelError, "I couldn't process that. Please try again.")
			return
		}

		switch decision.Kind {
		case llm.DecisionThought:
			step, err := o.recordStep(ctx, turn, convo.StepThought, convo.ThoughtPayload{Text: decision.Thought})
			if err != nil {
				o.logger.Error("turn abandoned, step log unavailable", "turn", turn.ID, "error", err)
				return
			}
			steps = append(steps, *step)

		case llm.DecisionFinalAnswer:
			o.finalize(ctx, turn, convo.OutcomeAnswered, decision.Text)
			return

		case llm.DecisionAskHuman:
			if decision.Thought != "" {
				step, err := o.recordStep(ctx, turn, convo.StepThought, convo.ThoughtPayload{Text: decision.Thought})
				if err != nil {
					o.logger.Error("turn abandoned, step log unavailable", "turn", turn.ID, "error", err)
					return
				}
				steps = append(steps, *step)
			}
			o.park(ctx, st, turn, decision.Ask, nil)
			return

		case llm.DecisionToolCall:
			if decision.Thought != "" {
				step, err := o.recordStep(ctx, turn, convo.StepThought, convo.ThoughtPayload{Text: decision.Thought})
				if err != nil {
					o.logger.Error("turn abandoned, step log unavailable", "turn", turn.ID, "error", err)
					return
				}
				steps = append(steps, *step)
			}

			// Safety net: confirmation-gated tools never dispatch on
			// model judgment alone. The held call rides in the request
			// payload so replay and resume reconstruct it.
			if spec := o.registry.Get(decision.Tool); spec != nil && spec.RequiresConfirmation {
				pending := &convo.PendingCall{CallID: decision.CallID, Tool: decision.Tool, Args: decision.Args}
				o.park(ctx, st, turn, confirmationAsk(spec, decision.Args), pending)
				return
			}

			steps, err = o.dispatchCall(ctx, turn, steps, decision.CallID, decision.Tool, decision.Args)
			if err != nil {
				o.logger.Error("turn abandoned, step log unavailable", "turn", turn.ID, "error", err)
				return
			}
		}
	}
}

// resumeRun re-enters the loop after a human answer. The answer itself
// is already recorded as a human_response step.
func (o *Orchestrator) resumeRun(ctx context.Context, st *turnState, turn *convo.Turn, steps []convo.Step, req hitl.Request, answer string) {
	// Confirmation and selection requests carry an implicit cancel
	// sentinel; free text passes everything through verbatim.
	if answer == answerCancel && req.Kind != llm.AskKindFreeText {
		o.finalize(ctx, turn, convo.OutcomeCancelled, "Cancelled. Nothing was changed.")
		return
	}

	if req.PendingCall != nil {
		if answer == answerConfirm {
			var err error
			steps, err = o.dispatchCall(ctx, turn, steps, req.PendingCall.CallID, req.PendingCall.Tool, req.PendingCall.Args)
			if err != nil {
				o.logger.Error("turn abandoned, step log unavailable", "turn", turn.ID, "error", err)
				return
			}
		}
		// Any other answer leaves the held call undispatched; the model
		// reads the reply and decides what to do instead.
	}

	o.run(ctx, st, turn, steps)
}

// decide builds the context, calls the model, and parses the reply.
// Unparseable output gets one strict re-prompt before failing the turn.
func (o *Orchestrator) decide(ctx context.Context, turn *convo.Turn, steps []convo.Step, iter int) (llm.Decision, error) {
	messages, err := o.buildMessages(ctx, turn, steps)
	if err != nil {
		return llm.Decision{}, err
	}
	catalog := append(o.registry.List(), llm.AskHumanToolSpec())

	resp, err := o.chat(ctx, turn, iter, messages, catalog)
	if err != nil {
		return llm.Decision{}, err
	}

	decision, perr := llm.ParseDecision(resp)
	if perr == nil {
		return decision, nil
	}
	if !errors.Is(perr, llm.ErrUnparseable) {
		return llm.Decision{}, perr
	}

	o.logger.Warn("unparseable model reply, re-prompting", "turn", turn.ID, "iter", iter, "error", perr)
	messages = append(messages,
		llm.Message{Role: "assistant", Content: resp.Message.Content},
		llm.Message{Role: "user", Content: prompts.StrictFormatReminder()},
	)
	resp, err = o.chat(ctx, turn, iter, messages, catalog)
	if err != nil {
		return llm.Decision{}, err
	}
	return llm.ParseDecision(resp)
}

// chat makes one model call with streaming thinking deltas, bounded by
// the per-call timeout and retried on transient provider failures.
func (o *Orchestrator) chat(ctx context.Context, turn *convo.Turn, iter int, messages []llm.Message, catalog []map[string]any) (*llm.ChatResponse, error) {
	o.publish(events.SourceAgent, events.KindModelCall, map[string]any{
		"turn_id": turn.ID,
		"iter":    iter,
		"model":   o.cfg.Model,
	})

	onEvent := func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			o.journal.Publish(turn.ID, stream.Thinking(turn.ID, ev.Token))
		}
	}

	start := time.Now()
	var resp *llm.ChatResponse
	err := retry.Do(ctx, retry.DefaultPolicy(), o.logger, "model call", retryableModelError, func() error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
		defer cancel()
		r, err := o.client.ChatStream(cctx, o.cfg.Model, messages, catalog, o.opts, onEvent)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	o.publish(events.SourceAgent, events.KindModelResponse, map[string]any{
		"turn_id":     turn.ID,
		"iter":        iter,
		"model":       resp.Model,
		"tokens_in":   resp.InputTokens,
		"tokens_out":  resp.OutputTokens,
		"duration_ms": elapsed.Milliseconds(),
	})

	if o.usage != nil {
		rec := usage.Record{
			TurnID:       turn.ID,
			SessionID:    turn.SessionID,
			UserID:       turn.UserID,
			Provider:     o.cfg.Providers[resp.Model],
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			DurationMS:   elapsed.Milliseconds(),
			CostUSD:      usage.ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, o.cfg.Pricing),
		}
		if err := o.usage.Record(ctx, rec); err != nil {
			o.logger.Warn("usage record failed", "turn", turn.ID, "error", err)
		}
	}
	return resp, nil
}

// retryableModelError retries provider errors that are transient and
// everything transport-shaped, including per-call timeouts. Explicit
// cancellation stops the schedule.
func retryableModelError(err error) bool {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// park suspends the turn and honors a cancellation that raced the
// suspension; see turnState for the flag ordering.
func (o *Orchestrator) park(ctx context.Context, st *turnState, turn *convo.Turn, ask *llm.Ask, pending *convo.PendingCall) {
	if err := o.suspend(ctx, turn, ask, pending); err != nil {
		o.logger.Error("turn abandoned, suspend failed", "turn", turn.ID, "error", err)
		return
	}
	st.parked.Store(true)
	if st.cancelled.Load() {
		o.closeSuspended(ctx, st, turn)
	}
}

// suspend parks the turn on a human input request: durable step first,
// then status, broker entry, events. The journal feed closes; clients
// replay from the store and reconnect on resume.
func (o *Orchestrator) suspend(ctx context.Context, turn *convo.Turn, ask *llm.Ask, pending *convo.PendingCall) error {
	id, err := newID()
	if err != nil {
		return err
	}
	now := time.Now()
	expires := now.Add(o.cfg.HITLTimeout)
	options := askOptions(ask.Options)

	_, err = o.recordStep(ctx, turn, convo.StepHumanRequest, convo.HumanRequestPayload{
		RequestID:   id,
		Kind:        ask.Kind,
		Question:    ask.Question,
		Options:     options,
		Default:     ask.Default,
		ExpiresAt:   expires,
		PendingCall: pending,
	})
	if err != nil {
		return err
	}
	if err := o.convo.UpdateTurnStatus(ctx, turn.ID, convo.StatusSuspended); err != nil {
		return fmt.Errorf("mark suspended: %w", err)
	}
	if err := o.broker.Open(hitl.Request{
		ID:          id,
		TurnID:      turn.ID,
		SessionID:   turn.SessionID,
		UserID:      turn.UserID,
		Kind:        ask.Kind,
		Question:    ask.Question,
		Options:     options,
		Default:     ask.Default,
		CreatedAt:   now,
		ExpiresAt:   expires,
		PendingCall: pending,
	}); err != nil {
		return fmt.Errorf("open request: %w", err)
	}

	o.publish(events.SourceHITL, events.KindInputRequested, map[string]any{
		"turn_id":    turn.ID,
		"session_id": turn.SessionID,
		"request_id": id,
		"input_kind": ask.Kind,
		"question":   ask.Question,
		"expires_at": expires,
	})
	o.logger.Info("turn suspended for human input",
		"turn", turn.ID, "request", id, "kind", ask.Kind, "expires", expires)
	o.journal.Close(turn.ID)
	return nil
}

// finalize closes the turn with a final_answer step and the status
// derived from it.
func (o *Orchestrator) finalize(ctx context.Context, turn *convo.Turn, outcome, text string) {
	step, err := o.recordStep(ctx, turn, convo.StepFinalAnswer, convo.FinalAnswerPayload{Outcome: outcome, Text: text})
	if err != nil {
		o.logger.Error("final answer not recorded", "turn", turn.ID, "outcome", outcome, "error", err)
		return
	}
	status := convo.DeriveStatus([]convo.Step{*step})
	if err := o.convo.UpdateTurnStatus(ctx, turn.ID, status); err != nil {
		o.logger.Error("turn status update failed", "turn", turn.ID, "status", status, "error", err)
	}

	o.publish(events.SourceAgent, events.KindTurnFinished, map[string]any{
		"turn_id":    turn.ID,
		"session_id": turn.SessionID,
		"status":     status,
		"outcome":    outcome,
		"steps":      step.Index + 1,
		"elapsed_ms": time.Since(turn.CreatedAt).Milliseconds(),
	})
	o.logger.Info("turn finished",
		"turn", turn.ID, "status", status, "outcome", outcome, "steps", step.Index+1)
	o.journal.Close(turn.ID)
}

// confirmationAsk phrases the forced confirmation for a held tool call.
func confirmationAsk(spec *tools.Tool, args map[string]any) *llm.Ask {
	detail := ""
	if len(args) > 0 {
		if raw, err := json.Marshal(args); err == nil {
			detail = " with " + string(raw)
		}
	}
	q := fmt.Sprintf("Please confirm before I run %s%s.", spec.Name, detail)
	if spec.Cost > 0 {
		q += fmt.Sprintf(" This will use %d credits.", spec.Cost)
	}
	return &llm.Ask{
		Kind:     llm.AskKindConfirmation,
		Question: q,
		Options:  llm.DefaultConfirmationOptions(),
	}
}

// askOptions converts parsed ask options to their persisted shape.
func askOptions(opts []llm.AskOption) []convo.RequestOption {
	if len(opts) == 0 {
		return nil
	}
	out := make([]convo.RequestOption, len(opts))
	for i, opt := range opts {
		out[i] = convo.RequestOption{Value: opt.Value, Label: opt.Label, Description: opt.Description}
	}
	return out
}

// countIterations reconstructs how many model decisions a resumed turn
// has already spent. A thought directly before a tool call or human
// request was its preamble, recorded in the same iteration.
func countIterations(steps []convo.Step) int {
	n := 0
	for i, s := range steps {
		switch s.Kind {
		case convo.StepToolCall, convo.StepHumanRequest:
			n++
		case convo.StepThought:
			if i+1 < len(steps) {
				if k := steps[i+1].Kind; k == convo.StepToolCall || k == convo.StepHumanRequest {
					continue
				}
			}
			n++
		}
	}
	return n
}
