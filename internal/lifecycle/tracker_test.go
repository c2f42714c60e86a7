package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"replaysaver/internal/battle"
	"replaysaver/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const id = battle.MatchID("battle-gen9ou-12345")

func start(id battle.MatchID) battle.Signal {
	return battle.Signal{Kind: battle.MatchStarted, ID: id}
}

func end(id battle.MatchID, raw string) battle.Signal {
	return battle.Signal{Kind: battle.MatchEnded, ID: id, Raw: raw}
}

func newTracker() (*Tracker, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	return NewTracker(clk, 5*time.Second), clk
}

func TestStart_EmitsArchiveOnce(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	cmd, ok := tr.OnSignal(start(id))
	require.True(t, ok)
	assert.Equal(t, Command{Kind: ArchiveNow, ID: id}, cmd)
	assert.Equal(t, ArchivePending, tr.State(id))

	for i := 0; i < 5; i++ {
		_, ok := tr.OnSignal(start(id))
		assert.False(t, ok)
	}

	_, ok = tr.ArchiveFinished(id, Result{Submitted: true})
	assert.False(t, ok)
	assert.Equal(t, ArchiveConfirmed, tr.State(id))

	_, ok = tr.OnSignal(start(id))
	assert.False(t, ok)
}

func TestConcurrentStarts_SingleArchive(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	emitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.OnSignal(start(id)); ok {
				mu.Lock()
				emitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, emitted)
}

func TestEnd_AfterConfirmedArchive(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	tr.OnSignal(start(id))
	tr.ArchiveFinished(id, Result{Submitted: true})

	cmd, ok := tr.OnSignal(end(id, "|win|Bob"))
	require.True(t, ok)
	assert.Equal(t, Command{Kind: ReconcileEnd, ID: id, Raw: "|win|Bob"}, cmd)
	assert.Equal(t, Ended, tr.State(id))

	_, ok = tr.OnSignal(end(id, "Bob won the battle!"))
	assert.False(t, ok)
}

func TestEnd_WithoutStartForcesArchive(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	cmd, ok := tr.OnSignal(end(id, "|win|Bob"))
	require.True(t, ok)
	assert.Equal(t, ReconcileEnd, cmd.Kind)
	assert.True(t, cmd.Archive)

	_, ok = tr.OnSignal(start(id))
	assert.False(t, ok, "start after end must not archive again")
}

func TestEnd_DuringArchiveIsParked(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	tr.OnSignal(start(id))
	_, ok := tr.OnSignal(end(id, "|win|Bob"))
	assert.False(t, ok)
	_, ok = tr.OnSignal(end(id, "Bob won the battle!"))
	assert.False(t, ok)

	cmd, ok := tr.ArchiveFinished(id, Result{Submitted: true})
	require.True(t, ok)
	assert.Equal(t, Command{Kind: ReconcileEnd, ID: id, Raw: "|win|Bob"}, cmd)
	assert.Equal(t, Ended, tr.State(id))
}

func TestFailedArchive_ReturnsToStartedAndEndForcesArchive(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	tr.OnSignal(start(id))
	_, ok := tr.ArchiveFinished(id, Result{Err: errors.New("no chat box")})
	assert.False(t, ok)
	assert.Equal(t, Started, tr.State(id))

	_, ok = tr.OnSignal(start(id))
	assert.False(t, ok)

	cmd, ok := tr.OnSignal(end(id, "|win|Bob"))
	require.True(t, ok)
	assert.True(t, cmd.Archive)
}

func TestFailedArchive_ParkedEndForcesArchive(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	tr.OnSignal(start(id))
	tr.OnSignal(end(id, "|win|Bob"))
	cmd, ok := tr.ArchiveFinished(id, Result{})
	require.True(t, ok)
	assert.True(t, cmd.Archive)
}

func TestEndedEntriesAreForgottenAfterGrace(t *testing.T) {
	tr, clk := newTracker()
	defer tr.Close()

	tr.OnSignal(end(id, "|win|Bob"))
	other := battle.MatchID("battle-gen9ou-2")
	tr.OnSignal(start(other))
	assert.Equal(t, 2, tr.Len())

	clk.Advance(4 * time.Second)
	assert.Equal(t, Ended, tr.State(id))

	clk.Advance(time.Second)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, Unseen, tr.State(id))
	assert.Equal(t, ArchivePending, tr.State(other))
}

func TestIgnoresIrrelevantAndUnidentified(t *testing.T) {
	tr, _ := newTracker()
	defer tr.Close()

	_, ok := tr.OnSignal(battle.Signal{Kind: battle.Irrelevant, ID: id})
	assert.False(t, ok)
	_, ok = tr.OnSignal(battle.Signal{Kind: battle.MatchStarted, ID: "lobby"})
	assert.False(t, ok)
	assert.Zero(t, tr.Len())
}

func TestClose_StopsTimersAndIgnoresSignals(t *testing.T) {
	tr, clk := newTracker()
	tr.OnSignal(end(id, "|win|Bob"))
	require.Equal(t, 1, clk.Pending())

	tr.Close()
	assert.Zero(t, clk.Pending())

	_, ok := tr.OnSignal(start("battle-gen9ou-3"))
	assert.False(t, ok)
	tr.Close()
}
