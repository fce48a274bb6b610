package main

import (
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, maxRounds int) (*RoundRegistry, *eventRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.MaxRounds = maxRounds
	cfg.Game.ResultLingerSec = 0
	bus := NewEventBus(quietLogger())
	rec := &eventRecorder{}
	bus.Subscribe(rec.Handle)
	rr := NewRoundRegistry(RegistryOptions{
		Config: cfg,
		Bus:    bus,
		Log:    quietLogger(),
		Names:  func(id string) string { return "name-" + id },
	})
	t.Cleanup(func() {
		rr.StopAll()
		bus.Close()
	})
	return rr, rec
}

func TestRegistryStartsAndRoutesPlayers(t *testing.T) {
	rr, _ := newTestRegistry(t, 10)

	id, err := rr.StartRound(LobbyStart{LobbyID: "l1", Mode: ModePractice, Players: []string{"alice", "bob", BotIDPrefix + "x"}})
	if err != nil {
		t.Fatal(err)
	}
	r, ok := rr.RoundForPlayer("alice")
	if !ok || r.ID != id {
		t.Fatalf("alice must be routed to %s", id)
	}
	if _, ok := rr.RoundForPlayer(BotIDPrefix + "x"); ok {
		t.Error("bots are not tracked as players")
	}
	if err := rr.SubmitInput("carol", Input{}); !errors.Is(err, ErrNotInRound) {
		t.Errorf("expected ErrNotInRound, got %v", err)
	}
	if err := rr.SubmitInput("alice", Input{Accelerate: true}); err != nil {
		t.Errorf("input for a running round: %v", err)
	}

	list := rr.List()
	if len(list) != 1 || list[0].Participants != 3 || list[0].Status != RoundInProgress {
		t.Errorf("unexpected list %+v", list)
	}
	for _, p := range r.Snapshot().Participants {
		if p.ID == "alice" && p.Name != "name-alice" {
			t.Errorf("display name not applied: %q", p.Name)
		}
	}
}

func TestRegistryLimit(t *testing.T) {
	rr, _ := newTestRegistry(t, 1)
	if _, err := rr.StartRound(LobbyStart{Mode: ModePractice, Players: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := rr.StartRound(LobbyStart{Mode: ModePractice, Players: []string{"c", "d"}}); !errors.Is(err, ErrRoundFull) {
		t.Errorf("expected ErrRoundFull, got %v", err)
	}
}

func TestRegistryTearsDownFinishedRound(t *testing.T) {
	rr, rec := newTestRegistry(t, 10)
	id, err := rr.StartRound(LobbyStart{Mode: ModePractice, Players: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if !rr.Leave("b") {
		t.Fatal("b must be in a round")
	}
	if rr.Leave("b") {
		t.Error("second leave is a no-op")
	}

	if !waitFor(2*time.Second, func() bool { return len(rec.roundEnds()) == 1 }) {
		t.Fatal("round never ended")
	}
	end := rec.roundEnds()[0]
	if end.RoundID != id || end.WinnerID != "a" {
		t.Errorf("expected a to win %s, got %+v", id, end)
	}
	if !waitFor(2*time.Second, func() bool { return rr.Len() == 0 }) {
		t.Fatal("finished round must be removed after lingering")
	}
	if _, ok := rr.RoundForPlayer("a"); ok {
		t.Error("players of a removed round must be forgotten")
	}
}
