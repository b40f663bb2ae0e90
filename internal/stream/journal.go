package stream

import (
	"log/slog"
	"sync"
)

// subscriberBuffer sizes each subscriber channel. A subscriber that
// falls this far behind is disconnected and reconnects with replay,
// which the durable step log makes lossless.
const subscriberBuffer = 256

type turnFeed struct {
	events []Event
	subs   map[chan Event]struct{}
}

// Journal fans live turn events out to subscribers. Step events are
// buffered per active turn so a subscriber can join mid-turn and
// replay from an index; thinking deltas pass through live only.
//
// The journal covers a turn's active span. Once a turn suspends or
// finishes, its feed closes and replay is served from the store.
type Journal struct {
	logger *slog.Logger

	mu    sync.Mutex
	turns map[string]*turnFeed
}

// NewJournal creates an empty journal.
func NewJournal(logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		logger: logger,
		turns:  make(map[string]*turnFeed),
	}
}

// Open starts a feed for a turn entering its active span. Reopening an
// already-open turn is a no-op.
func (j *Journal) Open(turnID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.turns[turnID]; !ok {
		j.turns[turnID] = &turnFeed{subs: make(map[chan Event]struct{})}
	}
}

// Active reports whether the turn has an open feed.
func (j *Journal) Active(turnID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.turns[turnID]
	return ok
}

// Publish delivers an event to the turn's subscribers. Step events
// (StepIndex >= 0) are also buffered for mid-turn joins. Publishing to
// a turn without an open feed is dropped.
func (j *Journal) Publish(turnID string, ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	feed, ok := j.turns[turnID]
	if !ok {
		j.logger.Debug("event for inactive turn dropped", "turn", turnID, "type", ev.Type)
		return
	}
	if ev.StepIndex >= 0 {
		feed.events = append(feed.events, ev)
	}
	for ch := range feed.subs {
		select {
		case ch <- ev:
		default:
			// Too far behind. Disconnect; the client replays from the
			// step log on reconnect.
			delete(feed.subs, ch)
			close(ch)
			j.logger.Debug("slow stream subscriber disconnected", "turn", turnID)
		}
	}
}

// Subscribe joins a turn's feed, first replaying buffered step events
// with index >= fromStep. Returns ok=false when the turn has no open
// feed; the caller serves replay from the store instead. The cancel
// function is safe to call more than once.
func (j *Journal) Subscribe(turnID string, fromStep int) (<-chan Event, func(), bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	feed, ok := j.turns[turnID]
	if !ok {
		return nil, nil, false
	}

	var replay []Event
	for _, ev := range feed.events {
		if ev.StepIndex >= fromStep {
			replay = append(replay, ev)
		}
	}
	ch := make(chan Event, len(replay)+subscriberBuffer)
	for _, ev := range replay {
		ch <- ev
	}
	feed.subs[ch] = struct{}{}

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if f, ok := j.turns[turnID]; ok {
			if _, live := f.subs[ch]; live {
				delete(f.subs, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, true
}

// Close ends a turn's active span: all subscriber channels close and
// the buffer is dropped. Closing an unknown turn is a no-op.
func (j *Journal) Close(turnID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	feed, ok := j.turns[turnID]
	if !ok {
		return
	}
	for ch := range feed.subs {
		close(ch)
	}
	delete(j.turns, turnID)
}
