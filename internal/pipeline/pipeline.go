// Package pipeline routes page lines through the classifier and tracker and runs the
// resulting archive and finalize jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"replaysaver/internal/archive"
	"replaysaver/internal/battle"
	"replaysaver/internal/lifecycle"
	"replaysaver/internal/logging"
)

// Line is one piece of page text with the room context it was observed in.
type Line struct {
	Text   string
	Source battle.Source
	// Room is the battle the line belongs to, resolved from page context. Empty when the
	// page offered none.
	Room battle.MatchID
}

// Source produces page lines until ctx is done or the page goes away, then closes the channel.
type Source interface {
	Lines(ctx context.Context) (<-chan Line, error)
}

// Archiver runs lifecycle commands. *archive.Controller satisfies it.
type Archiver interface {
	Archive(ctx context.Context, id battle.MatchID) archive.Result
	Finalize(ctx context.Context, id battle.MatchID, raw string, submit bool) archive.Result
}

// Waiter is background work that must drain before shutdown.
type Waiter interface {
	Wait()
}

// Stats counts what a run saw.
type Stats struct {
	Lines     int
	Dropped   int
	Archived  int
	Finalized int
	Failed    int
}

// Pipeline is the single owner of a Tracker. Run it once.
type Pipeline struct {
	classifier battle.Classifier
	tracker    *lifecycle.Tracker
	archiver   Archiver
	background Waiter
	stats      Stats
}

// New returns a Pipeline. background may be nil.
func New(classifier battle.Classifier, tracker *lifecycle.Tracker, archiver Archiver, background Waiter) *Pipeline {
	return &Pipeline{
		classifier: classifier,
		tracker:    tracker,
		archiver:   archiver,
		background: background,
	}
}

type jobResult struct {
	cmd lifecycle.Command
	res archive.Result
}

// Run consumes src until ctx is cancelled or src closes and every job has finished.
// On return the tracker is closed and background work has drained.
func (p *Pipeline) Run(ctx context.Context, src Source) (Stats, error) {
	defer p.shutdown()

	lines, err := src.Lines(ctx)
	if err != nil {
		return p.stats, fmt.Errorf("failed to open page source: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan jobResult)
	loopDone := make(chan struct{})
	inflight := 0

	dispatch := func(cmd lifecycle.Command) {
		inflight++
		g.Go(func() error {
			var res archive.Result
			switch cmd.Kind {
			case lifecycle.ArchiveNow:
				res = p.archiver.Archive(gctx, cmd.ID)
			case lifecycle.ReconcileEnd:
				res = p.archiver.Finalize(gctx, cmd.ID, cmd.Raw, cmd.Archive)
			}
			select {
			case results <- jobResult{cmd: cmd, res: res}:
			case <-loopDone:
			}
			return nil
		})
	}

	runErr := func() error {
		for {
			if lines == nil && inflight == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()

			case line, ok := <-lines:
				if !ok {
					logging.PipelineDebug("Page source closed, %d job(s) in flight", inflight)
					lines = nil
					continue
				}
				if cmd, ok := p.handleLine(line); ok {
					dispatch(cmd)
				}

			case jr := <-results:
				inflight--
				if cmd, ok := p.handleResult(jr); ok {
					dispatch(cmd)
				}
			}
		}
	}()
	close(loopDone)
	_ = g.Wait()

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return p.stats, runErr
}

func (p *Pipeline) handleLine(line Line) (lifecycle.Command, bool) {
	p.stats.Lines++
	sig := p.classifier.Classify(line.Text, line.Source, line.Room)
	if sig.Kind == battle.Irrelevant {
		return lifecycle.Command{}, false
	}
	if !sig.ID.Valid() {
		p.stats.Dropped++
		logging.PipelineDebug("Dropped %s signal from %s: no battle id in context", sig.Kind, sig.Source)
		return lifecycle.Command{}, false
	}
	logging.PipelineDebug("%s %s via %s", sig.ID, sig.Kind, sig.Source)
	return p.tracker.OnSignal(sig)
}

func (p *Pipeline) handleResult(jr jobResult) (lifecycle.Command, bool) {
	switch jr.cmd.Kind {
	case lifecycle.ArchiveNow:
		if jr.res.Submitted {
			p.stats.Archived++
		}
		if jr.res.Err != nil {
			p.stats.Failed++
			logging.PipelineWarn("Archive of %s incomplete: %v", jr.cmd.ID, jr.res.Err)
		}
		// A record already in the store counts as archived for this lifecycle.
		confirmed := jr.res.Submitted || jr.res.Stored
		return p.tracker.ArchiveFinished(jr.cmd.ID, lifecycle.Result{Submitted: confirmed, Err: jr.res.Err})

	case lifecycle.ReconcileEnd:
		if jr.res.Submitted {
			p.stats.Archived++
		}
		if jr.res.Err != nil {
			p.stats.Failed++
			logging.PipelineWarn("Finalize of %s incomplete: %v", jr.cmd.ID, jr.res.Err)
		}
		if jr.res.Record.ID != "" {
			p.stats.Finalized++
			logging.Pipeline("Battle %s finished, record %s finalized", jr.cmd.ID, jr.res.Record.ID)
		}
	}
	return lifecycle.Command{}, false
}

func (p *Pipeline) shutdown() {
	p.tracker.Close()
	if p.background != nil {
		p.background.Wait()
	}
}
