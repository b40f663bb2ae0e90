// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, HITL broker,
// credit ledger, MCP bridge) to subscribers (dashboard WebSocket
// handler, MQTT bridge, email notifier). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the core agent loop.
	SourceAgent = "agent"
	// SourceHITL identifies events from the human input broker.
	SourceHITL = "hitl"
	// SourceCredits identifies events from the credit ledger.
	SourceCredits = "credits"
	// SourceMCP identifies events from bridged MCP servers.
	SourceMCP = "mcp"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStarted signals a new turn entered the reasoning loop.
	// Data: turn_id, session_id, user_id.
	KindTurnStarted = "turn_started"
	// KindStepRecorded signals a step was appended to a turn.
	// Data: turn_id, session_id, step_index, step_kind.
	KindStepRecorded = "step_recorded"
	// KindModelCall signals the start of a model provider call.
	// Data: turn_id, iter, model.
	KindModelCall = "model_call"
	// KindModelResponse signals completion of a model provider call.
	// Data: turn_id, iter, model, tokens_in, tokens_out, duration_ms.
	KindModelResponse = "model_response"
	// KindToolCall signals the start of a tool dispatch.
	// Data: turn_id, tool, invocation_id, attempt.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool dispatch.
	// Data: turn_id, tool, invocation_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnFinished signals a turn reached a terminal status.
	// Data: turn_id, session_id, status, outcome, steps, elapsed_ms.
	KindTurnFinished = "turn_finished"

	// KindInputRequested signals a turn suspended waiting on a human.
	// Data: turn_id, session_id, request_id, input_kind, question, expires_at.
	KindInputRequested = "input_requested"
	// KindInputResolved signals a human answered an open request.
	// Data: turn_id, request_id, answer_len.
	KindInputResolved = "input_resolved"
	// KindInputExpired signals an open request passed its deadline.
	// Data: turn_id, request_id.
	KindInputExpired = "input_expired"

	// KindCreditsDeducted signals a successful ledger deduction.
	// Data: user_id, credits, operation_id, remaining.
	KindCreditsDeducted = "credits_deducted"
	// KindCreditsRefunded signals a ledger refund.
	// Data: user_id, operation_id.
	KindCreditsRefunded = "credits_refunded"
	// KindCreditsDenied signals a failed pre-check.
	// Data: user_id, tool, estimated, balance.
	KindCreditsDenied = "credits_denied"

	// KindServerConnected signals an MCP server finished initializing.
	// Data: server, tools.
	KindServerConnected = "server_connected"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
