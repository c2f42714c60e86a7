// Package archive sends the replay command for a battle and writes its record.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replaysaver/internal/battle"
	"replaysaver/internal/clock"
	"replaysaver/internal/logging"
	"replaysaver/internal/store"
)

// ErrNoTarget is returned by a CommandSurface whose chat box is not rendered yet.
var ErrNoTarget = errors.New("command surface not available")

// CommandSurface types a command into a battle room's chat box and sends it.
type CommandSurface interface {
	Submit(ctx context.Context, id battle.MatchID, command string) error
}

// Metadata is what the page shows about a battle.
type Metadata struct {
	Players []string
}

// MetadataSource reads battle metadata from the page.
type MetadataSource interface {
	Metadata(ctx context.Context, id battle.MatchID) (Metadata, error)
}

// Recorder persists records. *store.Reconciler satisfies it.
type Recorder interface {
	UpsertProvisional(ctx context.Context, rec store.Record) (store.Record, bool, error)
	ReconcileEnd(ctx context.Context, id string, endedAt time.Time, fallback store.Record) (store.Record, error)
	Get(ctx context.Context, id string) (store.Record, error)
}

// SubmitError reports that the replay command never reached the page.
type SubmitError struct {
	ID       battle.MatchID
	Attempts int
	Err      error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit replay command for %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Options holds the command and its delay contracts.
type Options struct {
	Command     string
	ReplayHost  string
	SettleDelay time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

// DefaultOptions returns the stock command and delays.
func DefaultOptions() Options {
	return Options{
		Command:     "/savereplay silent",
		ReplayHost:  battle.DefaultReplayHost,
		SettleDelay: 2 * time.Second,
		RetryDelay:  time.Second,
		MaxAttempts: 2,
	}
}

// Result is the outcome of Archive or Finalize. Stored means the record already existed,
// so no command was sent.
type Result struct {
	RecordID  string
	Submitted bool
	Stored    bool
	Record    store.Record
	Err       error
}

// Controller drives the command surface and the record store for one page session.
type Controller struct {
	surface  CommandSurface
	meta     MetadataSource
	recorder Recorder
	clock    clock.Clock
	opts     Options
}

// NewController returns a Controller. meta may be nil.
func NewController(surface CommandSurface, meta MetadataSource, recorder Recorder, clk clock.Clock, opts Options) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Controller{surface: surface, meta: meta, recorder: recorder, clock: clk, opts: opts}
}

// Archive submits the replay command for id and stores a provisional record. A battle
// whose record is already stored is not submitted again. Failures are reported in the Result.
func (c *Controller) Archive(ctx context.Context, id battle.MatchID) Result {
	res := Result{RecordID: id.RecordID()}

	stored, err := c.recorder.Get(ctx, res.RecordID)
	switch {
	case err == nil:
		logging.Archive("Replay %s already saved", res.RecordID)
		res.Stored = true
		res.Record = stored
		return res
	case !errors.Is(err, store.ErrNotFound):
		res.Err = fmt.Errorf("look up %s: %w", res.RecordID, err)
		return res
	}

	if err := c.submit(ctx, id); err != nil {
		logging.ArchiveWarn("%v", err)
		res.Err = err
		return res
	}
	res.Submitted = true

	if !c.clock.Sleep(c.opts.SettleDelay, ctx.Done()) {
		res.Err = ctx.Err()
		return res
	}

	rec, inserted, err := c.recorder.UpsertProvisional(ctx, c.draft(ctx, id))
	if err != nil {
		res.Err = err
		return res
	}
	res.Record = rec
	if inserted {
		logging.Archive("Replay saved: %s", rec.URL)
	}
	return res
}

// Finalize reconciles id's record with its end. When submit is set and no record exists
// yet, the replay command is sent first; if that submission fails nothing is stored.
func (c *Controller) Finalize(ctx context.Context, id battle.MatchID, raw string, submit bool) Result {
	res := Result{RecordID: id.RecordID()}
	logging.ArchiveDebug("Finalizing %s on %q", id, raw)

	if submit {
		_, err := c.recorder.Get(ctx, res.RecordID)
		switch {
		case err == nil:
			logging.ArchiveDebug("Replay %s already stored, not resubmitting", res.RecordID)
			res.Stored = true
		case errors.Is(err, store.ErrNotFound):
			if err := c.submit(ctx, id); err != nil {
				logging.ArchiveWarn("No replay saved for %s: %v", id, err)
				res.Err = err
				return res
			}
			res.Submitted = true
			if !c.clock.Sleep(c.opts.SettleDelay, ctx.Done()) {
				res.Err = ctx.Err()
				return res
			}
		default:
			logging.ArchiveWarn("Failed to look up %s: %v", res.RecordID, err)
		}
	}

	rec, err := c.recorder.ReconcileEnd(ctx, res.RecordID, c.clock.Now(), c.draft(ctx, id))
	if err != nil {
		res.Err = err
		return res
	}
	res.Record = rec
	return res
}

func (c *Controller) submit(ctx context.Context, id battle.MatchID) error {
	var err error
	attempt := 0
	for attempt < c.opts.MaxAttempts {
		attempt++
		err = c.surface.Submit(ctx, id, c.opts.Command)
		if err == nil {
			logging.ArchiveDebug("Submitted %q to %s (attempt %d)", c.opts.Command, id, attempt)
			return nil
		}
		if !errors.Is(err, ErrNoTarget) || attempt == c.opts.MaxAttempts {
			break
		}
		logging.ArchiveDebug("No chat box for %s, retrying in %s", id, c.opts.RetryDelay)
		if !c.clock.Sleep(c.opts.RetryDelay, ctx.Done()) {
			err = ctx.Err()
			break
		}
	}
	return &SubmitError{ID: id, Attempts: attempt, Err: err}
}

// draft builds the record for id from the identifier and best-effort page metadata.
func (c *Controller) draft(ctx context.Context, id battle.MatchID) store.Record {
	rid := id.RecordID()
	rec := store.Record{
		URL:       battle.RecordURL(c.opts.ReplayHost, rid),
		ID:        rid,
		CreatedAt: c.clock.Now(),
		Format:    id.Format(),
		Players:   []string{},
	}
	if c.meta == nil {
		return rec
	}
	md, err := c.meta.Metadata(ctx, id)
	if err != nil {
		logging.ArchiveDebug("Metadata for %s unavailable: %v", id, err)
		return rec
	}
	if len(md.Players) > 0 {
		rec.Players = md.Players
	}
	return rec
}
