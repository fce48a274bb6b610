package main

import (
	"sync"
	"time"
)

const (
	DefaultTickInterval  = 15 * time.Millisecond
	DefaultMaxFrameDelta = 100 * time.Millisecond
)

// GameLoop runs a step function at a fixed interval. Real elapsed time is fed
// into an accumulator and drained in whole steps; a long stall is clamped so
// the simulation never tries to catch up more than maxDelta per wake-up.
type GameLoop struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	maxDelta time.Duration
	step     func()
	acc      time.Duration
	last     time.Time
	running  bool
	stop     chan struct{}
	done     chan struct{}
	steps    uint64
}

// NewGameLoop creates a stopped loop
func NewGameLoop(clock Clock, interval, maxDelta time.Duration, step func()) *GameLoop {
	if clock == nil {
		clock = SystemClock
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if maxDelta <= 0 {
		maxDelta = DefaultMaxFrameDelta
	}
	return &GameLoop{
		clock:    clock,
		interval: interval,
		maxDelta: maxDelta,
		step:     step,
	}
}

// Start launches the ticker goroutine. Calling Start on a running loop is a no-op.
func (l *GameLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.last = l.clock.Now()
	go l.run(l.stop, l.done)
}

// Stop halts the loop and waits for an in-flight step to finish.
// It must not be called from inside the step function.
func (l *GameLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	done := l.done
	l.mu.Unlock()
	<-done
}

// Running reports whether the ticker goroutine is active
func (l *GameLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Steps returns how many steps have run
func (l *GameLoop) Steps() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.steps
}

func (l *GameLoop) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := l.clock.Now()
			l.mu.Lock()
			elapsed := now.Sub(l.last)
			l.last = now
			l.mu.Unlock()
			l.Advance(elapsed)
		case <-stop:
			return
		}
	}
}

// Advance feeds elapsed time into the accumulator and runs every whole step
// it now covers. It returns the number of steps run.
func (l *GameLoop) Advance(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > l.maxDelta {
		elapsed = l.maxDelta
	}
	l.mu.Lock()
	l.acc += elapsed
	n := 0
	for l.acc >= l.interval {
		l.acc -= l.interval
		n++
	}
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		l.step()
	}
	l.mu.Lock()
	l.steps += uint64(n)
	l.mu.Unlock()
	return n
}
