package agent

import (
	"errors"
	"fmt"

	"github.com/skaldhq/skald/internal/convo"
)

// ErrTurnNotFound is returned by Resume and Cancel when the turn ID
// does not exist.
var ErrTurnNotFound = errors.New("turn not found")

// ConcurrentTurnError rejects a second Start on a session that already
// has a turn in flight. Callers wait for the active turn to finish (or
// cancel it) and retry.
type ConcurrentTurnError struct {
	SessionID    string
	ActiveTurnID string
}

func (e *ConcurrentTurnError) Error() string {
	return fmt.Sprintf("session %s already has turn %s in flight", e.SessionID, e.ActiveTurnID)
}

// StaleRequestError rejects a Resume whose request ID does not match
// the turn's open human input request. Duplicate and out-of-order
// client replies land here.
type StaleRequestError struct {
	TurnID    string
	RequestID string
}

func (e *StaleRequestError) Error() string {
	return fmt.Sprintf("request %s is not open on turn %s", e.RequestID, e.TurnID)
}

// TurnNotSuspendedError rejects a Resume on a turn that is not waiting
// for human input.
type TurnNotSuspendedError struct {
	TurnID string
	Status string
}

func (e *TurnNotSuspendedError) Error() string {
	return fmt.Sprintf("turn %s is %s, not %s", e.TurnID, e.Status, convo.StatusSuspended)
}
