// Package clock provides Clock implementations.
package clock

import (
	"sync"
	"time"

	"github.com/artpar/macrodeck/ports"
)

// Real returns the actual current time.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// NewTimer returns a timer backed by time.Timer.
func (Real) NewTimer(d time.Duration) ports.Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time   { return r.t.C }
func (r realTimer) Stop() bool            { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) { r.t.Reset(d) }

// Fake provides a controllable clock for testing.
// Timers fire only when Advance or Set moves time past their deadline.
type Fake struct {
	mu      sync.RWMutex
	current time.Time
	timers  []*fakeTimer
}

// NewFake creates a fake clock set to the given time.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Set sets the fake current time and fires due timers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.current = t
	due := f.collectDue()
	f.mu.Unlock()
	fire(due)
}

// Advance moves the fake time forward by duration d and fires due timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	due := f.collectDue()
	f.mu.Unlock()
	fire(due)
}

// NewTimer creates a timer that fires when fake time reaches now+d.
func (f *Fake) NewTimer(d time.Duration) ports.Timer {
	t := &fakeTimer{clock: f, c: make(chan time.Time, 1)}
	f.mu.Lock()
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	t.Reset(d)
	return t
}

// ActiveTimers returns the number of armed timers.
func (f *Fake) ActiveTimers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, t := range f.timers {
		if t.active {
			n++
		}
	}
	return n
}

// collectDue disarms and returns timers whose deadline has passed.
// Callers hold f.mu.
func (f *Fake) collectDue() []*fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if t.active && !t.deadline.After(f.current) {
			t.active = false
			due = append(due, t)
		}
	}
	return due
}

func fire(due []*fakeTimer) {
	for _, t := range due {
		select {
		case t.c <- t.deadline:
		default:
		}
	}
}

type fakeTimer struct {
	clock    *Fake
	c        chan time.Time
	deadline time.Time
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	t.drain()
	return was
}

func (t *fakeTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	t.drain()
	t.deadline = t.clock.current.Add(d)
	t.active = true
	due := t.clock.collectDue()
	t.clock.mu.Unlock()
	fire(due)
}

// drain discards a fired but unread value, matching time.Timer semantics
// since Go 1.23.
func (t *fakeTimer) drain() {
	select {
	case <-t.c:
	default:
	}
}
