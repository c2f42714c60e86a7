// Package clock abstracts time so timer-driven components can be tested deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package used by replaysaver.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep waits for d or until ctxDone is closed, reporting whether the full duration elapsed.
	Sleep(d time.Duration, ctxDone <-chan struct{}) bool
}

// Timer is a stoppable pending call.
type Timer interface {
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) Sleep(d time.Duration, ctxDone <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctxDone:
		return false
	}
}

// Fake is a manually advanced Clock. Callbacks registered with AfterFunc run synchronously
// inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

// NewFake returns a Fake starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

type fakeTimer struct {
	c       *Fake
	at      time.Time
	seq     int
	fn      func()
	wake    chan struct{}
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.c.remove(t)
	return true
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	return c.add(d, f, nil)
}

// Sleep blocks until Advance moves the clock past now+d.
func (c *Fake) Sleep(d time.Duration, ctxDone <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	wake := make(chan struct{})
	t := c.add(d, nil, wake)
	select {
	case <-wake:
		return true
	case <-ctxDone:
		t.Stop()
		return false
	}
}

func (c *Fake) add(d time.Duration, f func(), wake chan struct{}) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, fn: f, wake: wake}
	c.pending = append(c.pending, t)
	return t
}

func (c *Fake) remove(t *fakeTimer) {
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Pending reports how many timers and sleepers are waiting.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Advance moves the clock forward by d and fires everything that came due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		sort.SliceStable(c.pending, func(i, j int) bool {
			if c.pending[i].at.Equal(c.pending[j].at) {
				return c.pending[i].seq < c.pending[j].seq
			}
			return c.pending[i].at.Before(c.pending[j].at)
		})
		if len(c.pending) == 0 || c.pending[0].at.After(target) {
			break
		}
		t := c.pending[0]
		c.pending = c.pending[1:]
		t.stopped = true
		if t.at.After(c.now) {
			c.now = t.at
		}
		c.mu.Unlock()
		if t.fn != nil {
			t.fn()
		}
		if t.wake != nil {
			close(t.wake)
		}
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// BlockUntil waits until at least n timers or sleepers are pending.
func (c *Fake) BlockUntil(n int) {
	for c.Pending() < n {
		time.Sleep(time.Millisecond)
	}
}
