// Package stream turns the append-only step log into the wire events
// the chat frontend consumes, and fans them out to connected clients
// with replay support. One event per recorded step, plus ephemeral
// thinking deltas while the model is generating.
package stream

import (
	"fmt"
	"time"

	"github.com/skaldhq/skald/internal/convo"
)

// Wire event types.
const (
	TypeThinking     = "thinking"
	TypeThought      = "thought"
	TypeAction       = "action"
	TypeObservation  = "observation"
	TypeHumanRequest = "human_request"
	TypeFinal        = "final"
)

// EventError carries a failed observation's error detail.
type EventError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Event is one wire event. StepIndex is the step it was derived from;
// thinking deltas are not steps and carry StepIndex -1.
type Event struct {
	Type      string `json:"type"`
	TurnID    string `json:"turn_id"`
	StepIndex int    `json:"step_index"`

	// thinking, thought, final
	Text string `json:"text,omitempty"`

	// action, observation
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Success *bool          `json:"success,omitempty"`
	Output  string         `json:"output,omitempty"`
	Error   *EventError    `json:"error,omitempty"`

	// human_request
	RequestID string                `json:"request_id,omitempty"`
	InputKind string                `json:"input_kind,omitempty"`
	Question  string                `json:"question,omitempty"`
	Options   []convo.RequestOption `json:"options,omitempty"`
	Default   string                `json:"default,omitempty"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`

	// final
	Outcome string `json:"outcome,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Thinking builds an ephemeral token-delta event. These are delivered
// live only and never replayed.
func Thinking(turnID, text string) Event {
	return Event{Type: TypeThinking, TurnID: turnID, StepIndex: -1, Text: text}
}

// EventFromStep maps a recorded step to its wire event. Human
// responses surface as observations: the answer re-enters the loop as
// observed input, and clients render it the same way.
func EventFromStep(step convo.Step) (Event, error) {
	ev := Event{TurnID: step.TurnID, StepIndex: step.Index}

	switch step.Kind {
	case convo.StepThought:
		var p convo.ThoughtPayload
		if err := step.Decode(&p); err != nil {
			return Event{}, err
		}
		ev.Type = TypeThought
		ev.Text = p.Text

	case convo.StepToolCall:
		var p convo.ToolCallPayload
		if err := step.Decode(&p); err != nil {
			return Event{}, err
		}
		ev.Type = TypeAction
		ev.Tool = p.Tool
		ev.Args = p.Args

	case convo.StepToolResult:
		var p convo.ToolResultPayload
		if err := step.Decode(&p); err != nil {
			return Event{}, err
		}
		ev.Type = TypeObservation
		ev.Tool = p.Tool
		ok := p.Status == "ok"
		ev.Success = &ok
		ev.Output = p.Output
		if !ok {
			ev.Error = &EventError{
				Code:      p.ErrorCode,
				Message:   p.ErrorMessage,
				Retryable: p.Retryable,
			}
		}

	case convo.StepHumanRequest:
		var p convo.HumanRequestPayload
		if err := step.Decode(&p); err != nil {
			return Event{}, err
		}
		ev.Type = TypeHumanRequest
		ev.RequestID = p.RequestID
		ev.InputKind = p.Kind
		ev.Question = p.Question
		ev.Options = p.Options
		ev.Default = p.Default
		if !p.ExpiresAt.IsZero() {
			expires := p.ExpiresAt
			ev.ExpiresAt = &expires
		}

	case convo.StepHumanResponse:
		var p convo.HumanResponsePayload
		if err := step.Decode(&p); err != nil {
			return Event{}, err
		}
		ev.Type = TypeObservation
		ev.Tool = "ask_human"
		ok := true
		ev.Success = &ok
		ev.Output = p.Value

	case convo.StepFinalAnswer:
		var p convo.FinalAnswerPayload
		if err := step.Decode(&p); err != nil {
			return Event{}, err
		}
		ev.Type = TypeFinal
		ev.Text = p.Text
		ev.Outcome = p.Outcome
		ev.Status = convo.DeriveStatus([]convo.Step{step})

	default:
		return Event{}, fmt.Errorf("no wire mapping for step kind %q", step.Kind)
	}

	return ev, nil
}

// EventsFromSteps maps a slice of steps, preserving order.
func EventsFromSteps(steps []convo.Step) ([]Event, error) {
	events := make([]Event, 0, len(steps))
	for _, step := range steps {
		ev, err := EventFromStep(step)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
