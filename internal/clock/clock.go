// Package clock abstracts time for the scheduler and the per-actor
// timers so firing semantics can be tested without sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by timer-driven components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed and
	// returns a handle that can cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single pending callback.
type Timer interface {
	// Stop prevents the callback from running. Returns false if it has
	// already fired or been stopped.
	Stop() bool
}

// Real is a Clock backed by the time package.
type Real struct{}

// NewReal returns the production clock.
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time { return time.Now() }

func (*Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// Mock is a Clock whose time only moves via Advance or Set. Timers
// fire synchronously, in deadline order, inside the advancing call.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	pending []*mockTimer
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	f        func()
	done     bool
}

// NewMock creates a mock clock positioned at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{deadline: m.current.Add(d), f: f}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves time forward by d, firing every timer whose deadline
// falls inside the window.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.current.Add(d)
	m.current = target

	var due []*mockTimer
	var rest []*mockTimer
	for _, t := range m.pending {
		if !t.deadline.After(target) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fire()
	}
}

// Set jumps the clock to t, firing expired timers when moving forward.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if t.After(cur) {
		m.Advance(t.Sub(cur))
		return
	}
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

// PendingCount reports how many timers are armed. Used by tests.
func (m *Mock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		t.mu.Lock()
		if !t.done {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (t *mockTimer) fire() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	f := t.f
	t.mu.Unlock()
	f()
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
