// Package outcome fills in battle winners from the saved replay log.
package outcome

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"replaysaver/internal/battle"
	"replaysaver/internal/logging"
	"replaysaver/internal/store"
)

// DefaultLogSuffix turns a replay URL into its log address.
const DefaultLogSuffix = ".log"

// Recorder applies resolved outcomes. *store.Reconciler satisfies it.
type Recorder interface {
	SetWinner(ctx context.Context, id, winner string) (bool, error)
	FillPlayers(ctx context.Context, id string, players []string) (bool, error)
}

// Outcome is what Resolve learned about a record.
type Outcome struct {
	Winner  string
	Applied bool
}

// Options configures a Resolver.
type Options struct {
	LogSuffix           string
	FetchTimeout        time.Duration
	BackfillConcurrency int
}

// Resolver fetches replay logs once per request and writes the winner back.
type Resolver struct {
	fetcher  Fetcher
	recorder Recorder
	opts     Options

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewResolver returns a Resolver.
func NewResolver(f Fetcher, r Recorder, opts Options) *Resolver {
	if opts.LogSuffix == "" {
		opts.LogSuffix = DefaultLogSuffix
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.BackfillConcurrency <= 0 {
		opts.BackfillConcurrency = 4
	}
	return &Resolver{fetcher: f, recorder: r, opts: opts}
}

// Resolve fetches rec's log a single time and records the winner if one is found.
// A log without a winner is not an error.
func (r *Resolver) Resolve(ctx context.Context, rec store.Record) (Outcome, error) {
	url := rec.URL + r.opts.LogSuffix
	body, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch log for %s: %w", rec.ID, err)
	}
	defer body.Close()

	log, err := battle.ParseLog(body)
	if err != nil {
		return Outcome{}, fmt.Errorf("read log for %s: %w", rec.ID, err)
	}

	if len(rec.Players) == 0 && len(log.Players) > 0 {
		if _, err := r.recorder.FillPlayers(ctx, rec.ID, log.Players); err != nil {
			logging.OutcomeWarn("Failed to fill players for %s: %v", rec.ID, err)
		}
	}

	if log.Winner == "" {
		logging.OutcomeDebug("No winner line in log for %s", rec.ID)
		return Outcome{}, nil
	}
	applied, err := r.recorder.SetWinner(ctx, rec.ID, log.Winner)
	if err != nil {
		return Outcome{Winner: log.Winner}, err
	}
	if applied {
		logging.Outcome("Winner of %s: %s", rec.ID, log.Winner)
	} else {
		logging.OutcomeDebug("Winner %q of %s not applied", log.Winner, rec.ID)
	}
	return Outcome{Winner: log.Winner, Applied: applied}, nil
}

// Schedule resolves rec in the background. It returns immediately; concurrent requests
// for the same record share one fetch. Failures are logged and not retried.
func (r *Resolver) Schedule(rec store.Record) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.FetchTimeout)
		defer cancel()
		_, err, _ := r.group.Do(rec.ID, func() (any, error) {
			return r.Resolve(ctx, rec)
		})
		if err != nil {
			logging.OutcomeWarn("Outcome for %s unresolved: %v", rec.ID, err)
		}
	}()
}

// Wait blocks until every scheduled resolution has finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// Backfill resolves every finalized record that has no winner, a bounded number at a
// time. Individual failures are logged; the returned count is the winners written.
func (r *Resolver) Backfill(ctx context.Context, records []store.Record) (int, error) {
	var applied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.BackfillConcurrency)
	for _, rec := range records {
		if rec.Winner != "" || rec.IsProvisional {
			continue
		}
		rec := rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fctx, cancel := context.WithTimeout(gctx, r.opts.FetchTimeout)
			defer cancel()
			out, err := r.Resolve(fctx, rec)
			if err != nil {
				logging.OutcomeWarn("Backfill of %s failed: %v", rec.ID, err)
				return nil
			}
			if out.Applied {
				applied.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(applied.Load()), err
}
