package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is anything published on the bus
type Event interface {
	EventName() string
}

// EliminationEvent reports one death. KillerID is empty for self or wall deaths.
type EliminationEvent struct {
	RoundID  string
	VictimID string
	KillerID string
	Debug    CollisionDebug
	Tick     uint64
	At       time.Time
}

// RoundEndEvent is published exactly once per round.
// WinnerID is empty on a draw.
type RoundEndEvent struct {
	RoundID      string
	Mode         GameMode
	Tier         int
	WinnerID     string
	Draw         bool
	Prize        float64
	Participants []string
	Duration     time.Duration
	At           time.Time
}

// RoundStartEvent is published when a round begins simulating
type RoundStartEvent struct {
	RoundID      string
	LobbyID      string
	Mode         GameMode
	Tier         int
	Participants []string
	At           time.Time
}

// SettlementEvent reports the outcome of a payout attempt
type SettlementEvent struct {
	Record SettlementRecord
}

// AuditEvent is a record destined for the hash-chained audit log
type AuditEvent struct {
	Type    string
	RoundID string
	Fields  map[string]any
	At      time.Time
}

// LobbyUpdateEvent carries the new membership of a lobby
type LobbyUpdateEvent struct {
	Lobby LobbyView
}

// LobbyCountdownEvent is published when a lobby starts counting down
type LobbyCountdownEvent struct {
	LobbyID string
	Players []string
	StartAt time.Time
}

// LobbyStartEvent is published when a lobby hands its players to a round
type LobbyStartEvent struct {
	LobbyID string
	RoundID string
	Players []string
}

func (EliminationEvent) EventName() string    { return "elimination" }
func (RoundEndEvent) EventName() string       { return "round_end" }
func (RoundStartEvent) EventName() string     { return "round_start" }
func (SettlementEvent) EventName() string     { return "settlement" }
func (AuditEvent) EventName() string          { return "audit" }
func (LobbyUpdateEvent) EventName() string    { return "lobby_update" }
func (LobbyCountdownEvent) EventName() string { return "lobby_countdown" }
func (LobbyStartEvent) EventName() string     { return "lobby_start" }

// Listener receives events on the bus goroutine and must not block for long
type Listener func(Event)

const eventQueueSize = 4096

// EventBus fans events out to any number of listeners. Publish never blocks:
// delivery happens on the bus goroutine. When the queue is full audit events
// are dropped; every other event is handed to an overflow goroutine that
// waits for room.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	order     []int
	nextID    int
	queue     chan Event
	done      chan struct{}
	log       logrus.FieldLogger

	pubMu    sync.RWMutex // guards closed against Publish
	closed   bool
	overflow sync.WaitGroup
	dropped  atomic.Int64
}

// NewEventBus creates a bus and starts its delivery goroutine
func NewEventBus(log logrus.FieldLogger) *EventBus {
	b := &EventBus{
		listeners: make(map[int]Listener),
		queue:     make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
		log:       log,
	}
	go b.run()
	return b
}

// Subscribe registers l and returns a function that removes it
func (b *EventBus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
		for i, o := range b.order {
			if o == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish queues e for delivery. Publishing after Close is a no-op.
func (b *EventBus) Publish(e Event) {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
		return
	default:
	}
	if _, ok := e.(AuditEvent); ok {
		b.dropped.Add(1)
		b.log.WithField("event", e.EventName()).Warn("event queue full, dropping")
		return
	}
	b.log.WithField("event", e.EventName()).Warn("event queue full, deferring")
	b.overflow.Add(1)
	go func() {
		defer b.overflow.Done()
		b.queue <- e
	}()
}

// Dropped returns how many audit events were discarded on a full queue
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events, delivers what is queued and returns
func (b *EventBus) Close() {
	b.pubMu.Lock()
	first := !b.closed
	b.closed = true
	b.pubMu.Unlock()
	if first {
		b.overflow.Wait()
		close(b.queue)
	}
	<-b.done
}

func (b *EventBus) run() {
	defer close(b.done)
	for e := range b.queue {
		b.deliver(e)
	}
}

func (b *EventBus) deliver(e Event) {
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		ls = append(ls, b.listeners[id])
	}
	b.mu.RUnlock()
	for _, l := range ls {
		b.call(l, e)
	}
}

func (b *EventBus) call(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			reportPanic(b.log.WithField("event", e.EventName()), r)
		}
	}()
	l(e)
}
