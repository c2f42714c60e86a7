package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"replaysaver/internal/battle"
	"replaysaver/internal/logging"
)

// OutcomeHook is told about every record that was reconciled with end information.
// Schedule must not block.
type OutcomeHook interface {
	Schedule(rec Record)
}

// Reconciler applies record mutations through a Backend. Every mutation re-reads the list
// inside Backend.Update, and mutations from this process are applied one at a time.
type Reconciler struct {
	backend Backend
	now     func() time.Time

	writeMu sync.Mutex

	hookMu sync.RWMutex
	hook   OutcomeHook
}

// NewReconciler returns a Reconciler over backend.
func NewReconciler(backend Backend, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{backend: backend, now: now}
}

// SetOutcomeHook installs the hook run after ReconcileEnd.
func (r *Reconciler) SetOutcomeHook(h OutcomeHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hook = h
}

func (r *Reconciler) update(ctx context.Context, fn UpdateFunc) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.backend.Update(ctx, fn)
}

// UpsertProvisional inserts rec as provisional unless a record with its id exists, in which
// case the stored record is returned untouched and inserted is false.
func (r *Reconciler) UpsertProvisional(ctx context.Context, rec Record) (stored Record, inserted bool, err error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.IsProvisional = true
	rec.EndedAt = nil

	err = r.update(ctx, func(records []Record) ([]Record, bool, error) {
		if i := indexOf(records, rec.ID); i >= 0 {
			stored = records[i]
			return nil, false, nil
		}
		stored = rec.clone()
		inserted = true
		return append(records, stored), true, nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("upsert provisional %s: %w", rec.ID, err)
	}
	if inserted {
		logging.Store("Saved provisional record %s (%s)", rec.ID, rec.Format)
	} else {
		logging.Store("Replay %s already saved", rec.ID)
	}
	return stored, inserted, nil
}

// ReconcileEnd marks the record non-provisional and stamps endedAt. A missing record is
// synthesized from fallback. A record that is already finalized is returned unchanged.
// The outcome hook is scheduled after the write; it is not awaited.
func (r *Reconciler) ReconcileEnd(ctx context.Context, id string, endedAt time.Time, fallback Record) (Record, error) {
	var stored Record
	synthesized, finalized := false, false
	err := r.update(ctx, func(records []Record) ([]Record, bool, error) {
		i := indexOf(records, id)
		if i >= 0 && records[i].Finalized() {
			stored = records[i].clone()
			finalized = true
			return nil, false, nil
		}
		if i < 0 {
			rec := fallback.clone()
			rec.ID = id
			if rec.CreatedAt.IsZero() || rec.CreatedAt.After(endedAt) {
				rec.CreatedAt = endedAt
			}
			records = append(records, rec)
			i = len(records) - 1
			synthesized = true
		}
		ended := endedAt
		if ended.Before(records[i].CreatedAt) {
			ended = records[i].CreatedAt
		}
		records[i].IsProvisional = false
		records[i].EndedAt = &ended
		if len(records[i].Players) == 0 && len(fallback.Players) > 0 {
			records[i].Players = append([]string(nil), fallback.Players...)
		}
		stored = records[i].clone()
		return records, true, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("reconcile end %s: %w", id, err)
	}
	if finalized {
		logging.StoreDebug("Record %s already finalized", id)
		return stored, nil
	}
	if synthesized {
		logging.Store("Synthesized record %s at battle end", id)
	} else {
		logging.StoreDebug("Finalized record %s", id)
	}

	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook.Schedule(stored)
	}
	return stored, nil
}

// SetWinner records winner on an existing record. The name must match one of the players
// (compared as user ids) and the player's spelling is stored. A record without players
// accepts any name. A missing record or unmatched name leaves the store unchanged and
// reports applied=false.
func (r *Reconciler) SetWinner(ctx context.Context, id, winner string) (applied bool, err error) {
	err = r.update(ctx, func(records []Record) ([]Record, bool, error) {
		i := indexOf(records, id)
		if i < 0 {
			return nil, false, nil
		}
		name, ok := matchPlayer(records[i].Players, winner)
		if !ok || records[i].Winner == name {
			return nil, false, nil
		}
		records[i].Winner = name
		applied = true
		return records, true, nil
	})
	if err != nil {
		return false, fmt.Errorf("set winner %s: %w", id, err)
	}
	return applied, nil
}

func matchPlayer(players []string, winner string) (string, bool) {
	if winner == "" {
		return "", false
	}
	if len(players) == 0 {
		return winner, true
	}
	want := battle.ToID(winner)
	for _, p := range players {
		if battle.ToID(p) == want {
			return p, true
		}
	}
	return "", false
}

// FillPlayers sets players on a record that has none.
func (r *Reconciler) FillPlayers(ctx context.Context, id string, players []string) (bool, error) {
	if len(players) == 0 {
		return false, nil
	}
	filled := false
	err := r.update(ctx, func(records []Record) ([]Record, bool, error) {
		i := indexOf(records, id)
		if i < 0 || len(records[i].Players) > 0 {
			return nil, false, nil
		}
		records[i].Players = append([]string(nil), players...)
		filled = true
		return records, true, nil
	})
	if err != nil {
		return false, fmt.Errorf("fill players %s: %w", id, err)
	}
	return filled, nil
}

// Get returns the record with id or ErrNotFound.
func (r *Reconciler) Get(ctx context.Context, id string) (Record, error) {
	records, err := r.backend.Load(ctx)
	if err != nil {
		return Record{}, err
	}
	if i := indexOf(records, id); i >= 0 {
		return records[i], nil
	}
	return Record{}, ErrNotFound
}

// List returns every record, most recent first.
func (r *Reconciler) List(ctx context.Context) ([]Record, error) {
	records, err := r.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(records)
	return records, nil
}

// Delete removes the record with id.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	found := false
	err := r.update(ctx, func(records []Record) ([]Record, bool, error) {
		i := indexOf(records, id)
		if i < 0 {
			return nil, false, nil
		}
		found = true
		return append(records[:i], records[i+1:]...), true, nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if !found {
		return ErrNotFound
	}
	logging.Store("Deleted record %s", id)
	return nil
}

// Clear removes every record and returns how many were removed.
func (r *Reconciler) Clear(ctx context.Context) (int, error) {
	n := 0
	err := r.update(ctx, func(records []Record) ([]Record, bool, error) {
		n = len(records)
		return []Record{}, n > 0, nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	logging.Store("Cleared %d records", n)
	return n, nil
}
