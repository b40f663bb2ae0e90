package agent

import (
	"context"
	"encoding/json"

	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/llm"
	"github.com/skaldhq/skald/internal/prompts"
)

// buildMessages assembles the model context: system prompt, a window
// of prior completed turns as plain exchanges, then the current turn's
// message and every step so far.
func (o *Orchestrator) buildMessages(ctx context.Context, turn *convo.Turn, steps []convo.Step) ([]llm.Message, error) {
	msgs := []llm.Message{{Role: "system", Content: o.systemPrompt()}}

	history, err := o.history(ctx, turn)
	if err != nil {
		// A turn can still run without its session's past.
		o.logger.Warn("session history unavailable", "session", turn.SessionID, "error", err)
	} else {
		msgs = append(msgs, history...)
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: turn.UserMessage})

	cur, err := stepsToMessages(steps)
	if err != nil {
		return nil, err
	}
	return append(msgs, cur...), nil
}

func (o *Orchestrator) systemPrompt() string {
	if o.cfg.SystemPrompt != "" {
		return o.cfg.SystemPrompt
	}
	return prompts.BaseSystemPrompt()
}

// history returns the session's prior completed turns as user and
// assistant message pairs, newest window last, oldest truncated first.
func (o *Orchestrator) history(ctx context.Context, turn *convo.Turn) ([]llm.Message, error) {
	turns, err := o.convo.ListTurns(ctx, turn.SessionID, 0)
	if err != nil {
		return nil, err
	}

	var prior []convo.Turn
	for _, t := range turns {
		if t.ID != turn.ID && t.Status == convo.StatusCompleted {
			prior = append(prior, t)
		}
	}
	if len(prior) > o.cfg.HistoryWindow {
		prior = prior[len(prior)-o.cfg.HistoryWindow:]
	}

	var msgs []llm.Message
	for _, t := range prior {
		answer, err := o.finalText(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if answer == "" {
			continue
		}
		msgs = append(msgs,
			llm.Message{Role: "user", Content: t.UserMessage},
			llm.Message{Role: "assistant", Content: answer},
		)
	}
	return msgs, nil
}

// finalText extracts a finished turn's answer from its last step.
func (o *Orchestrator) finalText(ctx context.Context, turnID string) (string, error) {
	steps, err := o.convo.GetSteps(ctx, turnID)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		return "", nil
	}
	last := steps[len(steps)-1]
	if last.Kind != convo.StepFinalAnswer {
		return "", nil
	}
	var p convo.FinalAnswerPayload
	if err := last.Decode(&p); err != nil {
		return "", err
	}
	return p.Text, nil
}

// stepsToMessages replays the current turn's log as chat messages.
// Human requests surface as ask_human tool calls and their answers as
// tool results, keyed by request ID for correlation.
func stepsToMessages(steps []convo.Step) ([]llm.Message, error) {
	var msgs []llm.Message
	for _, s := range steps {
		switch s.Kind {
		case convo.StepThought:
			var p convo.ThoughtPayload
			if err := s.Decode(&p); err != nil {
				return nil, err
			}
			msgs = append(msgs, llm.Message{Role: "assistant", Content: "Thought: " + p.Text})

		case convo.StepToolCall:
			var p convo.ToolCallPayload
			if err := s.Decode(&p); err != nil {
				return nil, err
			}
			msgs = append(msgs, llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{
				ID:       p.CallID,
				Function: llm.ToolFunction{Name: p.Tool, Arguments: p.Args},
			}}})

		case convo.StepToolResult:
			var p convo.ToolResultPayload
			if err := s.Decode(&p); err != nil {
				return nil, err
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: observationText(p), ToolCallID: p.CallID})

		case convo.StepHumanRequest:
			var p convo.HumanRequestPayload
			if err := s.Decode(&p); err != nil {
				return nil, err
			}
			msgs = append(msgs, llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{
				ID: p.RequestID,
				Function: llm.ToolFunction{
					Name:      llm.AskHumanToolName,
					Arguments: map[string]any{"kind": p.Kind, "question": p.Question},
				},
			}}})

		case convo.StepHumanResponse:
			var p convo.HumanResponsePayload
			if err := s.Decode(&p); err != nil {
				return nil, err
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: p.Value, ToolCallID: p.RequestID})

		case convo.StepFinalAnswer:
			var p convo.FinalAnswerPayload
			if err := s.Decode(&p); err != nil {
				return nil, err
			}
			msgs = append(msgs, llm.Message{Role: "assistant", Content: p.Text})
		}
	}
	return msgs, nil
}

// observationText renders a tool result the way the model reads it:
// raw output on success, a compact error document on failure.
func observationText(p convo.ToolResultPayload) string {
	if p.Status == "ok" {
		if p.Output == "" {
			return "(no output)"
		}
		return p.Output
	}
	doc := map[string]any{
		"status": "error",
		"error": map[string]any{
			"code":      p.ErrorCode,
			"message":   p.ErrorMessage,
			"retryable": p.Retryable,
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return p.ErrorMessage
	}
	return string(raw)
}
