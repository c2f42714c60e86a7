// Package lifecycle tracks each battle from first sighting to end and decides when the
// replay command is sent and when the stored record is finalized.
package lifecycle

import (
	"sync"
	"time"

	"replaysaver/internal/battle"
	"replaysaver/internal/clock"
	"replaysaver/internal/logging"
)

// State is a battle's lifecycle position.
type State int

const (
	Unseen State = iota
	Started
	ArchivePending
	ArchiveConfirmed
	Ended
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case ArchivePending:
		return "archive-pending"
	case ArchiveConfirmed:
		return "archive-confirmed"
	case Ended:
		return "ended"
	default:
		return "unseen"
	}
}

// CommandKind says what the caller must do next.
type CommandKind int

const (
	// ArchiveNow asks for the replay command to be submitted.
	ArchiveNow CommandKind = iota + 1
	// ReconcileEnd asks for the record to be finalized.
	ReconcileEnd
)

func (k CommandKind) String() string {
	switch k {
	case ArchiveNow:
		return "archive-now"
	case ReconcileEnd:
		return "reconcile-end"
	}
	return "none"
}

// Command is emitted by the Tracker.
type Command struct {
	Kind CommandKind
	ID   battle.MatchID
	Raw  string
	// Archive is set on ReconcileEnd when no replay command was submitted for the battle yet.
	Archive bool
}

// Result reports how an ArchiveNow command went.
type Result struct {
	// Submitted is true once the command reached the chat box, whether or not the record
	// was stored afterwards, and also when the battle's record was already stored.
	Submitted bool
	Err       error
}

type entry struct {
	state     State
	submitted bool
	parked    *string
	gc        clock.Timer
}

// Tracker is the single de-duplication point for lifecycle signals. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	grace   time.Duration
	entries map[battle.MatchID]*entry
	closed  bool
}

// NewTracker returns a Tracker that forgets ended battles after grace.
func NewTracker(clk clock.Clock, grace time.Duration) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		clock:   clk,
		grace:   grace,
		entries: make(map[battle.MatchID]*entry),
	}
}

// OnSignal applies a classified signal and returns the command to run, if any.
func (t *Tracker) OnSignal(sig battle.Signal) (Command, bool) {
	if sig.Kind == battle.Irrelevant || !sig.ID.Valid() {
		return Command{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Command{}, false
	}

	e, ok := t.entries[sig.ID]
	if !ok {
		e = &entry{state: Unseen}
		t.entries[sig.ID] = e
	}

	switch sig.Kind {
	case battle.MatchStarted:
		if e.state != Unseen {
			return Command{}, false
		}
		t.transition(sig.ID, e, ArchivePending)
		return Command{Kind: ArchiveNow, ID: sig.ID}, true

	case battle.MatchEnded:
		switch e.state {
		case Unseen, Started, ArchiveConfirmed:
			return t.end(sig.ID, e, sig.Raw), true
		case ArchivePending:
			if e.parked == nil {
				raw := sig.Raw
				e.parked = &raw
				logging.TrackerDebug("End of %s parked until archive finishes", sig.ID)
			}
		}
	}
	return Command{}, false
}

// ArchiveFinished records the outcome of an ArchiveNow command. It returns the parked
// ReconcileEnd when an end signal arrived while the archive was in flight.
func (t *Tracker) ArchiveFinished(id battle.MatchID, res Result) (Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.state != ArchivePending {
		return Command{}, false
	}
	if res.Submitted {
		e.submitted = true
		t.transition(id, e, ArchiveConfirmed)
	} else {
		logging.TrackerDebug("Archive of %s not submitted (%v), waiting for end", id, res.Err)
		t.transition(id, e, Started)
	}

	if e.parked == nil || t.closed {
		return Command{}, false
	}
	raw := *e.parked
	e.parked = nil
	return t.end(id, e, raw), true
}

func (t *Tracker) end(id battle.MatchID, e *entry, raw string) Command {
	cmd := Command{Kind: ReconcileEnd, ID: id, Raw: raw, Archive: !e.submitted}
	t.transition(id, e, Ended)
	if t.grace > 0 {
		e.gc = t.clock.AfterFunc(t.grace, func() { t.forget(id, e) })
	}
	return cmd
}

func (t *Tracker) transition(id battle.MatchID, e *entry, to State) {
	logging.TrackerDebug("%s: %s -> %s", id, e.state, to)
	e.state = to
}

func (t *Tracker) forget(id battle.MatchID, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[id]; ok && cur == e {
		delete(t.entries, id)
		logging.TrackerDebug("Forgot %s", id)
	}
}

// State returns the current state of id.
func (t *Tracker) State(id battle.MatchID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.state
	}
	return Unseen
}

// Len returns the number of tracked battles.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops pending timers. Signals after Close are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, e := range t.entries {
		if e.gc != nil {
			e.gc.Stop()
		}
	}
}
