package main

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// manualClock is a Clock that only moves when told to
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	lg := logrus.New()
	lg.Out = io.Discard
	return lg
}

// eventRecorder collects everything published on a bus
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) roundEnds() []RoundEndEvent {
	var out []RoundEndEvent
	for _, e := range r.snapshot() {
		if re, ok := e.(RoundEndEvent); ok {
			out = append(out, re)
		}
	}
	return out
}

func (r *eventRecorder) eliminations() []EliminationEvent {
	var out []EliminationEvent
	for _, e := range r.snapshot() {
		if el, ok := e.(EliminationEvent); ok {
			out = append(out, el)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
