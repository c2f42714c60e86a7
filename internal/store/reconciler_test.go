package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type hookRecorder struct {
	mu  sync.Mutex
	got []Record
}

func (h *hookRecorder) Schedule(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, rec)
}

func (h *hookRecorder) calls() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.got...)
}

func newSQLite(t *testing.T, path string) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite("sqlite", path, "")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// backends runs fn against each Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryBackend()) })
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLite(t, filepath.Join(t.TempDir(), "replays.db")))
	})
}

func provisional(id string) Record {
	return Record{
		URL:     "https://replay.pokemonshowdown.com/" + id,
		ID:      id,
		Format:  "Gen9ou",
		Players: []string{"Alice", "Bob"},
	}
}

func TestUpsertProvisional_InsertsOnce(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := NewReconciler(b, func() time.Time { return t0 })

		stored, inserted, err := r.UpsertProvisional(ctx, provisional("gen9ou-1"))
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.True(t, stored.IsProvisional)
		assert.Equal(t, t0, stored.CreatedAt)

		again := provisional("gen9ou-1")
		again.Format = "Other"
		stored, inserted, err = r.UpsertProvisional(ctx, again)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "Gen9ou", stored.Format)

		all, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
	})
}

func TestUpsertProvisional_NeverOverwritesFinalized(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := NewReconciler(b, func() time.Time { return t0 })

		_, err := r.ReconcileEnd(ctx, "gen9ou-2", t0, provisional("gen9ou-2"))
		require.NoError(t, err)

		stored, inserted, err := r.UpsertProvisional(ctx, provisional("gen9ou-2"))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.False(t, stored.IsProvisional)
		require.NotNil(t, stored.EndedAt)
	})
}

func TestReconcileEnd_FinalizesExisting(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		hook := &hookRecorder{}
		r := NewReconciler(b, func() time.Time { return t0 })
		r.SetOutcomeHook(hook)

		_, _, err := r.UpsertProvisional(ctx, provisional("gen9ou-3"))
		require.NoError(t, err)

		end := t0.Add(30 * time.Second)
		rec, err := r.ReconcileEnd(ctx, "gen9ou-3", end, Record{})
		require.NoError(t, err)

		want := provisional("gen9ou-3")
		want.CreatedAt = t0
		want.EndedAt = &end
		want.IsProvisional = false
		if diff := cmp.Diff(want, rec); diff != "" {
			t.Errorf("finalized record mismatch (-want +got):\n%s", diff)
		}

		calls := hook.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "gen9ou-3", calls[0].ID)
	})
}

func TestReconcileEnd_FinalizedRecordUnchanged(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		hook := &hookRecorder{}
		r := NewReconciler(b, func() time.Time { return t0 })
		r.SetOutcomeHook(hook)

		_, _, err := r.UpsertProvisional(ctx, provisional("gen9ou-6"))
		require.NoError(t, err)
		end := t0.Add(time.Minute)
		first, err := r.ReconcileEnd(ctx, "gen9ou-6", end, Record{})
		require.NoError(t, err)

		again, err := r.ReconcileEnd(ctx, "gen9ou-6", end.Add(time.Hour), Record{})
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Errorf("second reconcile changed the record (-first +again):\n%s", diff)
		}
		assert.Len(t, hook.calls(), 1)
	})
}

func TestReconcileEnd_SynthesizesMissing(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := NewReconciler(b, nil)

		fallback := provisional("gen9ou-4")
		fallback.CreatedAt = t0.Add(time.Hour)
		rec, err := r.ReconcileEnd(ctx, "gen9ou-4", t0, fallback)
		require.NoError(t, err)
		assert.False(t, rec.IsProvisional)
		assert.Equal(t, t0, rec.CreatedAt)
		require.NotNil(t, rec.EndedAt)
		assert.False(t, rec.EndedAt.Before(rec.CreatedAt))

		_, err = r.ReconcileEnd(ctx, "gen9ou-4", t0.Add(time.Minute), fallback)
		require.NoError(t, err)
		all, err := r.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestReconcileEnd_EndedAtNeverBeforeCreatedAt(t *testing.T) {
	ctx := context.Background()
	r := NewReconciler(NewMemoryBackend(), func() time.Time { return t0 })
	_, _, err := r.UpsertProvisional(ctx, provisional("gen9ou-5"))
	require.NoError(t, err)

	rec, err := r.ReconcileEnd(ctx, "gen9ou-5", t0.Add(-time.Second), Record{})
	require.NoError(t, err)
	assert.Equal(t, t0, *rec.EndedAt)
}

func TestSetWinner(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := NewReconciler(b, func() time.Time { return t0 })
		_, _, err := r.UpsertProvisional(ctx, provisional("gen9ou-6"))
		require.NoError(t, err)

		applied, err := r.SetWinner(ctx, "gen9ou-6", "Mallory")
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = r.SetWinner(ctx, "gen9ou-6", "bob")
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err := r.Get(ctx, "gen9ou-6")
		require.NoError(t, err)
		assert.Equal(t, "Bob", rec.Winner)
		assert.True(t, rec.IsProvisional, "winner must not touch other fields")

		applied, err = r.SetWinner(ctx, "missing", "Bob")
		require.NoError(t, err)
		assert.False(t, applied)
		_, err = r.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetWinner_NoPlayersAcceptsAnyName(t *testing.T) {
	ctx := context.Background()
	r := NewReconciler(NewMemoryBackend(), nil)
	rec := provisional("gen9ou-7")
	rec.Players = nil
	_, _, err := r.UpsertProvisional(ctx, rec)
	require.NoError(t, err)

	applied, err := r.SetWinner(ctx, "gen9ou-7", "Carol")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestFillPlayers(t *testing.T) {
	ctx := context.Background()
	r := NewReconciler(NewMemoryBackend(), nil)
	rec := provisional("gen9ou-8")
	rec.Players = nil
	_, _, err := r.UpsertProvisional(ctx, rec)
	require.NoError(t, err)

	filled, err := r.FillPlayers(ctx, "gen9ou-8", []string{"A", "B"})
	require.NoError(t, err)
	assert.True(t, filled)

	filled, err = r.FillPlayers(ctx, "gen9ou-8", []string{"C", "D"})
	require.NoError(t, err)
	assert.False(t, filled)

	got, err := r.Get(ctx, "gen9ou-8")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got.Players)
}

func TestListDeleteClear(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := NewReconciler(b, nil)
		for i := 0; i < 3; i++ {
			rec := provisional(fmt.Sprintf("gen9ou-%d", i))
			rec.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
			_, _, err := r.UpsertProvisional(ctx, rec)
			require.NoError(t, err)
		}

		all, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "gen9ou-2", all[0].ID)
		assert.Equal(t, "gen9ou-0", all[2].ID)

		require.NoError(t, r.Delete(ctx, "gen9ou-1"))
		assert.ErrorIs(t, r.Delete(ctx, "gen9ou-1"), ErrNotFound)

		n, err := r.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		all, err = r.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestConcurrentMutations_NoLostWrites(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := NewReconciler(b, nil)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			id := fmt.Sprintf("gen9ou-%d", i)
			go func() {
				defer wg.Done()
				_, _, err := r.UpsertProvisional(ctx, provisional(id))
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := r.ReconcileEnd(ctx, id, time.Now(), provisional(id))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		all, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 20)
		seen := map[string]bool{}
		for _, rec := range all {
			assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
			seen[rec.ID] = true
			assert.False(t, rec.IsProvisional, "record %s lost its end reconciliation", rec.ID)
		}
	})
}

func TestSQLite_SharedFileAcrossBackends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	r1 := NewReconciler(newSQLite(t, path), nil)
	r2 := NewReconciler(newSQLite(t, path), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		id := fmt.Sprintf("gen9ou-%d", i)
		go func() {
			defer wg.Done()
			_, _, err := r1.UpsertProvisional(ctx, provisional(id))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, _, err := r2.UpsertProvisional(ctx, provisional(id))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := r1.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestRecord_JSONSchema(t *testing.T) {
	rec := provisional("gen9ou-9")
	rec.CreatedAt = t0
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, k := range []string{"url", "id", "createdAt", "format", "players", "isProvisional"} {
		assert.Contains(t, fields, k)
	}
	assert.NotContains(t, fields, "endedAt")
	assert.NotContains(t, fields, "winner")
}
