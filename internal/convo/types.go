// Package convo provides persistent conversation state: sessions,
// turns, and the append-only step log each turn is replayed from.
//
// The step log is the source of truth. A turn's status is never stored
// independently of its steps; DeriveStatus recomputes it from the log
// so a crash between writes cannot leave the two disagreeing.
package convo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step kinds, in the order they appear in a typical turn.
const (
	StepThought       = "thought"
	StepToolCall      = "tool_call"
	StepToolResult    = "tool_result"
	StepHumanRequest  = "human_request"
	StepHumanResponse = "human_response"
	StepFinalAnswer   = "final_answer"
)

// Turn statuses.
const (
	StatusRunning   = "running"
	StatusSuspended = "suspended_on_human_input"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Final-answer outcomes. Every turn ends with a final_answer step whose
// outcome explains how it ended; status is derived from it.
const (
	OutcomeAnswered      = "answered"
	OutcomeCancelled     = "cancelled"
	OutcomeTimedOut      = "timed_out"
	OutcomeMaxIterations = "max_iterations"
	OutcomeModelError    = "model_error"
	OutcomeInterrupted   = "interrupted"
)

// Session groups related turns for one user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one user message and everything the agent did with it.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	UserMessage string    `json:"user_message"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one entry in a turn's append-only log. Index is gapless and
// starts at zero; Payload is the kind-specific JSON document.
type Step struct {
	TurnID    string          `json:"turn_id"`
	Index     int             `json:"step_index"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the step payload into v.
func (s Step) Decode(v any) error {
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload at step %d: %w", s.Kind, s.Index, err)
	}
	return nil
}

// Step payload shapes. These are the wire-of-record format; changing a
// field changes what old turns replay as, so additions must be
// backward compatible.

// ThoughtPayload records intermediate model reasoning.
type ThoughtPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload records a dispatched tool call. InvocationID is the
// idempotency key for the call's side effects and credit charges.
type ToolCallPayload struct {
	CallID       string         `json:"call_id,omitempty"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	InvocationID string         `json:"invocation_id"`
}

// ToolResultPayload records a tool call's outcome. Status is "ok" or
// "error"; error fields are set only for failures.
type ToolResultPayload struct {
	CallID          string `json:"call_id,omitempty"`
	Tool            string `json:"tool"`
	Status          string `json:"status"`
	Output          string `json:"output,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	Retryable       bool   `json:"retryable,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
	CreditsCharged  int64  `json:"credits_charged,omitempty"`
	CreditsRefunded int64  `json:"credits_refunded,omitempty"`
}

// RequestOption is one selectable answer in a human request.
type RequestOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PendingCall stashes a tool call held back for confirmation. When the
// human confirms, the loop dispatches exactly this call rather than
// asking the model again.
type PendingCall struct {
	CallID string         `json:"call_id,omitempty"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
}

// HumanRequestPayload records a question put to the human. The turn is
// suspended from this step until a human_response or expiry.
type HumanRequestPayload struct {
	RequestID   string          `json:"request_id"`
	Kind        string          `json:"kind"`
	Question    string          `json:"question"`
	Options     []RequestOption `json:"options,omitempty"`
	Default     string          `json:"default,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	PendingCall *PendingCall    `json:"pending_call,omitempty"`
}

// HumanResponsePayload records the human's answer to an open request.
type HumanResponsePayload struct {
	RequestID string `json:"request_id"`
	Value     string `json:"value"`
}

// FinalAnswerPayload closes a turn.
type FinalAnswerPayload struct {
	Outcome string `json:"outcome"`
	Text    string `json:"text"`
}

// DeriveStatus computes a turn's status from its step log. This is the
// only place step kinds map to statuses; live updates and replays both
// go through it.
func DeriveStatus(steps []Step) string {
	if len(steps) == 0 {
		return StatusRunning
	}
	last := steps[len(steps)-1]
	switch last.Kind {
	case StepFinalAnswer:
		var p FinalAnswerPayload
		if err := last.Decode(&p); err != nil {
			return StatusFailed
		}
		switch p.Outcome {
		case OutcomeAnswered:
			return StatusCompleted
		case OutcomeCancelled:
			return StatusCancelled
		default:
			return StatusFailed
		}
	case StepHumanRequest:
		return StatusSuspended
	default:
		return StatusRunning
	}
}

// OpenHumanRequest returns the human_request payload a suspended turn
// is waiting on, or nil when the turn is not suspended. A request is
// open when it is the last step of the log.
func OpenHumanRequest(steps []Step) *HumanRequestPayload {
	if len(steps) == 0 {
		return nil
	}
	last := steps[len(steps)-1]
	if last.Kind != StepHumanRequest {
		return nil
	}
	var p HumanRequestPayload
	if err := last.Decode(&p); err != nil {
		return nil
	}
	return &p
}
