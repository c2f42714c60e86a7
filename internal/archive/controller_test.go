package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"replaysaver/internal/battle"
	"replaysaver/internal/clock"
	"replaysaver/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const id = battle.MatchID("battle-gen9ou-12345")

type fakeSurface struct {
	mu       sync.Mutex
	failures []error
	commands []string
}

func (s *fakeSurface) Submit(ctx context.Context, id battle.MatchID, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}

func (s *fakeSurface) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

type fakeMeta struct {
	players []string
	err     error
}

func (m fakeMeta) Metadata(ctx context.Context, id battle.MatchID) (Metadata, error) {
	return Metadata{Players: m.players}, m.err
}

func newController(surface CommandSurface, meta MetadataSource, clk clock.Clock) (*Controller, *store.Reconciler) {
	rc := store.NewReconciler(store.NewMemoryBackend(), nil)
	opts := DefaultOptions()
	opts.SettleDelay = 0
	opts.RetryDelay = 0
	return NewController(surface, meta, rc, clk, opts), rc
}

func TestArchive_StoresProvisionalRecord(t *testing.T) {
	surface := &fakeSurface{}
	c, rc := newController(surface, fakeMeta{players: []string{"Alice", "Bob"}}, clock.NewFake(time.Unix(100, 0)))

	res := c.Archive(context.Background(), id)
	require.NoError(t, res.Err)
	assert.True(t, res.Submitted)
	assert.Equal(t, []string{"/savereplay silent"}, surface.commands)

	rec, err := rc.Get(context.Background(), "gen9ou-12345")
	require.NoError(t, err)
	assert.Equal(t, "https://replay.pokemonshowdown.com/gen9ou-12345", rec.URL)
	assert.Equal(t, "Gen9ou", rec.Format)
	assert.Equal(t, []string{"Alice", "Bob"}, rec.Players)
	assert.True(t, rec.IsProvisional)
	assert.Equal(t, time.Unix(100, 0), rec.CreatedAt)
}

func TestArchive_MetadataFailureIsBestEffort(t *testing.T) {
	c, rc := newController(&fakeSurface{}, fakeMeta{err: errors.New("no trainer bar")}, nil)

	res := c.Archive(context.Background(), id)
	require.NoError(t, res.Err)

	rec, err := rc.Get(context.Background(), "gen9ou-12345")
	require.NoError(t, err)
	assert.Empty(t, rec.Players)
}

func TestArchive_RetriesOnceWhenSurfaceMissing(t *testing.T) {
	surface := &fakeSurface{failures: []error{ErrNoTarget}}
	c, _ := newController(surface, nil, nil)

	res := c.Archive(context.Background(), id)
	require.NoError(t, res.Err)
	assert.True(t, res.Submitted)
	assert.Equal(t, 2, surface.calls())
}

func TestArchive_GivesUpAfterBound(t *testing.T) {
	surface := &fakeSurface{failures: []error{ErrNoTarget, ErrNoTarget, ErrNoTarget}}
	c, rc := newController(surface, nil, nil)

	res := c.Archive(context.Background(), id)
	assert.False(t, res.Submitted)
	var se *SubmitError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, 2, se.Attempts)
	assert.ErrorIs(t, res.Err, ErrNoTarget)
	assert.Equal(t, 2, surface.calls())

	_, err := rc.Get(context.Background(), "gen9ou-12345")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArchive_OtherErrorsAreNotRetried(t *testing.T) {
	surface := &fakeSurface{failures: []error{errors.New("page crashed")}}
	c, _ := newController(surface, nil, nil)

	res := c.Archive(context.Background(), id)
	require.Error(t, res.Err)
	assert.Equal(t, 1, surface.calls())
}

func TestArchive_WaitsRetryAndSettleDelays(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	surface := &fakeSurface{failures: []error{ErrNoTarget}}
	rc := store.NewReconciler(store.NewMemoryBackend(), nil)
	c := NewController(surface, nil, rc, clk, DefaultOptions())

	done := make(chan Result, 1)
	go func() { done <- c.Archive(context.Background(), id) }()

	clk.BlockUntil(1)
	assert.Equal(t, 1, surface.calls())
	clk.Advance(time.Second)

	clk.BlockUntil(1)
	assert.Equal(t, 2, surface.calls())
	_, err := rc.Get(context.Background(), "gen9ou-12345")
	assert.ErrorIs(t, err, store.ErrNotFound, "record is written only after the settle delay")
	clk.Advance(2 * time.Second)

	res := <-done
	require.NoError(t, res.Err)
	_, err = rc.Get(context.Background(), "gen9ou-12345")
	assert.NoError(t, err)
}

func TestArchive_CancelledDuringSettle(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rc := store.NewReconciler(store.NewMemoryBackend(), nil)
	c := NewController(&fakeSurface{}, nil, rc, clk, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- c.Archive(ctx, id) }()
	clk.BlockUntil(1)
	cancel()

	res := <-done
	assert.True(t, res.Submitted)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestFinalize_SynthesizesWithSubmission(t *testing.T) {
	surface := &fakeSurface{}
	c, rc := newController(surface, fakeMeta{players: []string{"Alice", "Bob"}}, nil)

	res := c.Finalize(context.Background(), id, "|win|Bob", true)
	require.NoError(t, res.Err)
	assert.True(t, res.Submitted)
	assert.Equal(t, 1, surface.calls())
	assert.False(t, res.Record.IsProvisional)
	assert.Equal(t, []string{"Alice", "Bob"}, res.Record.Players)

	all, err := rc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFinalize_SkipsSubmissionWhenAlreadyStored(t *testing.T) {
	surface := &fakeSurface{}
	c, _ := newController(surface, nil, nil)

	require.NoError(t, c.Archive(context.Background(), id).Err)
	res := c.Finalize(context.Background(), id, "|win|Bob", true)
	require.NoError(t, res.Err)
	assert.False(t, res.Submitted)
	assert.Equal(t, 1, surface.calls())
}

func TestFinalize_SubmissionFailureStoresNothing(t *testing.T) {
	surface := &fakeSurface{failures: []error{ErrNoTarget, ErrNoTarget}}
	c, rc := newController(surface, fakeMeta{players: []string{"Alice", "Bob"}}, nil)

	res := c.Finalize(context.Background(), id, "|win|Bob", true)
	assert.ErrorIs(t, res.Err, ErrNoTarget)
	assert.False(t, res.Submitted)
	assert.Equal(t, 2, surface.calls())

	_, err := rc.Get(context.Background(), "gen9ou-12345")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArchive_SkipsSubmissionWhenAlreadyStored(t *testing.T) {
	surface := &fakeSurface{}
	c, rc := newController(surface, nil, nil)

	first := c.Archive(context.Background(), id)
	require.NoError(t, first.Err)
	require.True(t, first.Submitted)
	_, err := rc.ReconcileEnd(context.Background(), "gen9ou-12345", time.Now(), store.Record{})
	require.NoError(t, err)

	again := c.Archive(context.Background(), id)
	require.NoError(t, again.Err)
	assert.False(t, again.Submitted)
	assert.True(t, again.Stored)
	assert.False(t, again.Record.IsProvisional)
	assert.Equal(t, 1, surface.calls())
}
