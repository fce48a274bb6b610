package main

import (
	"errors"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

var (
	ErrRoundFull    = errors.New("round limit reached")
	ErrUnknownRound = errors.New("unknown round")
	ErrNotInRound   = errors.New("player is not in a round")
)

// RoundInfo is the public summary of a running round
type RoundInfo struct {
	ID           string      `json:"id"`
	LobbyID      string      `json:"lobby"`
	Mode         GameMode    `json:"mode"`
	Tier         int         `json:"tier"`
	Status       RoundStatus `json:"status"`
	Participants int         `json:"participants"`
	Alive        int         `json:"alive"`
	Tick         uint64      `json:"tick"`
}

// RegistryOptions wires a RoundRegistry to its collaborators
type RegistryOptions struct {
	Config  Config
	Bus     *EventBus
	Settler RoundSettler
	Sink    SnapshotSink
	Clock   Clock
	Log     logrus.FieldLogger
	Names   func(id string) string // display name lookup, may be nil
}

// RoundRegistry owns every running round. Each round simulates on its own
// goroutine; the registry only tracks membership and tears finished rounds
// down once their result has lingered.
type RoundRegistry struct {
	mu       deadlock.RWMutex
	opts     RegistryOptions
	log      logrus.FieldLogger
	rounds   map[string]*Round
	byPlayer map[string]string
	timers   map[string]*time.Timer
	unsub    func()
}

// NewRoundRegistry creates a registry and, when a bus is configured, listens
// for round ends to schedule teardown
func NewRoundRegistry(opts RegistryOptions) *RoundRegistry {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	rr := &RoundRegistry{
		opts:     opts,
		log:      opts.Log.WithField("component", "rounds"),
		rounds:   make(map[string]*Round),
		byPlayer: make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
	if opts.Bus != nil {
		rr.unsub = opts.Bus.Subscribe(rr.handle)
	}
	return rr
}

// StartRound creates a round for a lobby's players and starts its loop
func (rr *RoundRegistry) StartRound(s LobbyStart) (string, error) {
	cfg := rr.opts.Config
	names := make(map[string]string, len(s.Players))
	if rr.opts.Names != nil {
		for _, id := range s.Players {
			names[id] = rr.opts.Names(id)
		}
	}

	rr.mu.Lock()
	if len(rr.rounds) >= cfg.Server.MaxRounds {
		rr.mu.Unlock()
		return "", ErrRoundFull
	}
	r := NewRound(RoundOptions{
		LobbyID:       s.LobbyID,
		Mode:          s.Mode,
		ModeConfig:    cfg.Mode(s.Mode),
		Tier:          s.Tier,
		Clock:         rr.opts.Clock,
		Log:           rr.opts.Log,
		Bus:           rr.opts.Bus,
		Settler:       rr.opts.Settler,
		Sink:          rr.opts.Sink,
		TickInterval:  cfg.TickInterval(),
		MaxFrameDelta: cfg.MaxFrameDelta(),
		Development:   cfg.Development(),
		Names:         names,
	}, s.Players)
	rr.rounds[r.ID] = r
	for _, id := range s.Players {
		if !IsBotID(id) {
			rr.byPlayer[id] = r.ID
		}
	}
	rr.mu.Unlock()

	r.Start()
	rr.log.WithFields(logrus.Fields{"round": r.ID, "lobby": s.LobbyID, "players": len(s.Players)}).Info("round registered")
	return r.ID, nil
}

// Get returns a round by id
func (rr *RoundRegistry) Get(id string) (*Round, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.rounds[id]
	return r, ok
}

// RoundForPlayer returns the round a player was placed in
func (rr *RoundRegistry) RoundForPlayer(playerID string) (*Round, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	id, ok := rr.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	r, ok := rr.rounds[id]
	return r, ok
}

// SubmitInput routes a control update to the player's round
func (rr *RoundRegistry) SubmitInput(playerID string, in Input) error {
	r, ok := rr.RoundForPlayer(playerID)
	if !ok {
		return ErrNotInRound
	}
	return r.SubmitInput(playerID, in)
}

// Leave removes a player from their round. The participant is eliminated on
// the next tick.
func (rr *RoundRegistry) Leave(playerID string) bool {
	rr.mu.Lock()
	id, ok := rr.byPlayer[playerID]
	delete(rr.byPlayer, playerID)
	r := rr.rounds[id]
	rr.mu.Unlock()
	if !ok || r == nil {
		return false
	}
	if err := r.Leave(playerID); err != nil && !errors.Is(err, ErrRoundFinished) {
		rr.log.WithError(err).WithField("player", playerID).Warn("leave not queued")
	}
	return true
}

// Remove stops a round and forgets it and its players
func (rr *RoundRegistry) Remove(id string) bool {
	rr.mu.Lock()
	r, ok := rr.rounds[id]
	if ok {
		delete(rr.rounds, id)
		for pid, rid := range rr.byPlayer {
			if rid == id {
				delete(rr.byPlayer, pid)
			}
		}
	}
	if t, ok := rr.timers[id]; ok {
		t.Stop()
		delete(rr.timers, id)
	}
	rr.mu.Unlock()
	if !ok {
		return false
	}
	r.Stop()
	r.Latency().Clear()
	rr.log.WithField("round", id).Debug("round removed")
	return true
}

// List returns info about all rounds, ordered by id
func (rr *RoundRegistry) List() []RoundInfo {
	rr.mu.RLock()
	list := make([]RoundInfo, 0, len(rr.rounds))
	for _, r := range rr.rounds {
		s := r.Snapshot()
		list = append(list, RoundInfo{
			ID:           r.ID,
			LobbyID:      r.LobbyID,
			Mode:         r.Mode,
			Tier:         r.Tier,
			Status:       s.Status,
			Participants: len(s.Participants),
			Alive:        s.Alive,
			Tick:         s.Tick,
		})
	}
	rr.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Len returns the number of tracked rounds
func (rr *RoundRegistry) Len() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rounds)
}

// StopAll halts every round and detaches from the bus
func (rr *RoundRegistry) StopAll() {
	if rr.unsub != nil {
		rr.unsub()
	}
	rr.mu.RLock()
	ids := make([]string, 0, len(rr.rounds))
	for id := range rr.rounds {
		ids = append(ids, id)
	}
	rr.mu.RUnlock()
	for _, id := range ids {
		rr.Remove(id)
	}
}

func (rr *RoundRegistry) handle(e Event) {
	end, ok := e.(RoundEndEvent)
	if !ok {
		return
	}
	linger := time.Duration(rr.opts.Config.Game.ResultLingerSec) * time.Second
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if _, ok := rr.rounds[end.RoundID]; !ok {
		return
	}
	if _, ok := rr.timers[end.RoundID]; ok {
		return
	}
	rr.timers[end.RoundID] = time.AfterFunc(linger, func() { rr.Remove(end.RoundID) })
}
