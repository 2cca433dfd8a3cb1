package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source of the ingestion driver. Cycle timestamps come
// from Now and the delay between cycles from After, so tests can step time
// by hand.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the wall clock in UTC.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// After implements Clock.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type timer struct {
	due time.Time
	ch  chan time.Time
}

// TimeController is a manually driven Clock. Time only moves through SetTime
// and Advance, which fire every After timer that has come due.
type TimeController struct {
	mu          sync.Mutex
	currentTime time.Time
	timers      []timer
}

// NewTimeController constructs a controller reading start.
func NewTimeController(start time.Time) *TimeController {
	return &TimeController{currentTime: start}
}

// Now returns the controller's time. Implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentTime
}

// After implements Clock. Non-positive durations fire immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, timer{due: tc.currentTime.Add(d), ch: ch})
	return ch
}

// Advance moves time forward by d.
func (tc *TimeController) Advance(d time.Duration) {
	tc.mu.Lock()
	t := tc.currentTime.Add(d)
	tc.mu.Unlock()
	tc.SetTime(t)
}

// SetTime jumps to t and fires due timers in deadline order.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.currentTime = t
	sort.SliceStable(tc.timers, func(i, j int) bool { return tc.timers[i].due.Before(tc.timers[j].due) })
	pending := tc.timers[:0]
	for _, tm := range tc.timers {
		if tm.due.After(t) {
			pending = append(pending, tm)
			continue
		}
		tm.ch <- t
	}
	tc.timers = pending
}

// Waiters reports how many After timers have not fired yet.
func (tc *TimeController) Waiters() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.timers)
}
