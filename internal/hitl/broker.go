// Package hitl indexes the human-input requests that suspended turns
// are waiting on. The index is in-memory only; the step log is the
// durable record, and a restart rebuilds the index from suspended
// turns. Requests resolve exactly once.
package hitl

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skaldhq/skald/internal/convo"
)

// ErrNotOpen is returned when a request ID does not match any open
// request: it never existed, was already resolved, or expired.
var ErrNotOpen = errors.New("hitl: no open request with that id")

// Request is an open question to a human, keyed by request ID and
// bound to the suspended turn that asked it.
type Request struct {
	ID          string                `json:"id"`
	TurnID      string                `json:"turn_id"`
	SessionID   string                `json:"session_id"`
	UserID      string                `json:"user_id"`
	Kind        string                `json:"kind"`
	Question    string                `json:"question"`
	Options     []convo.RequestOption `json:"options,omitempty"`
	Default     string                `json:"default,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	PendingCall *convo.PendingCall    `json:"pending_call,omitempty"`
}

// Expired reports whether the request's answer window has closed.
func (r Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Broker is the open-request index. Safe for concurrent use.
type Broker struct {
	logger *slog.Logger

	mu     sync.Mutex
	byID   map[string]Request
	byTurn map[string]string
}

// NewBroker creates an empty request index.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger: logger,
		byID:   make(map[string]Request),
		byTurn: make(map[string]string),
	}
}

// Open registers a request. A turn can wait on one request at a time;
// opening a second one for the same turn replaces the first, which
// covers rebuild-after-restart re-registering the same request.
func (b *Broker) Open(req Request) error {
	if req.ID == "" || req.TurnID == "" {
		return fmt.Errorf("hitl: request needs id and turn id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byTurn[req.TurnID]; ok && prev != req.ID {
		delete(b.byID, prev)
	}
	b.byID[req.ID] = req
	b.byTurn[req.TurnID] = req.ID

	b.logger.Debug("human request opened",
		"request", req.ID, "turn", req.TurnID, "kind", req.Kind,
		"expires_at", req.ExpiresAt)
	return nil
}

// Get returns an open request by ID.
func (b *Broker) Get(requestID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.byID[requestID]
	return req, ok
}

// ByTurn returns the request a turn is waiting on.
func (b *Broker) ByTurn(turnID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byTurn[turnID]
	if !ok {
		return Request{}, false
	}
	req, ok := b.byID[id]
	return req, ok
}

// Resolve closes an open request and returns it. A request resolves
// exactly once: a second resolve, a stale ID from a previous
// suspension, or an expired-and-swept ID all return ErrNotOpen.
func (b *Broker) Resolve(requestID string) (Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.byID[requestID]
	if !ok {
		return Request{}, ErrNotOpen
	}
	delete(b.byID, requestID)
	delete(b.byTurn, req.TurnID)

	b.logger.Debug("human request resolved", "request", requestID, "turn", req.TurnID)
	return req, nil
}

// DropTurn discards a turn's open request without resolving it, for
// turns cancelled while suspended. Returns the dropped request.
func (b *Broker) DropTurn(turnID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byTurn[turnID]
	if !ok {
		return Request{}, false
	}
	req := b.byID[id]
	delete(b.byID, id)
	delete(b.byTurn, turnID)
	return req, true
}

// TakeExpired removes and returns every request whose window closed at
// or before now. The caller finalizes the affected turns; a request
// returned here can no longer be resolved.
func (b *Broker) TakeExpired(now time.Time) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []Request
	for id, req := range b.byID {
		if req.Expired(now) {
			expired = append(expired, req)
			delete(b.byID, id)
			delete(b.byTurn, req.TurnID)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if len(expired) > 0 {
		b.logger.Info("human requests expired", "count", len(expired))
	}
	return expired
}

// List returns all open requests ordered by expiry, soonest first.
func (b *Broker) List() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.byID))
	for _, req := range b.byID {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// OpenCount returns the number of open requests.
func (b *Broker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}
