package main

import (
	"testing"
)

func TestBusKeepsRoundEndWhenSaturated(t *testing.T) {
	bus := NewEventBus(quietLogger())
	release := make(chan struct{})
	var ends []string
	audits := 0
	bus.Subscribe(func(e Event) {
		switch ev := e.(type) {
		case AuditEvent:
			<-release
			audits++
		case RoundEndEvent:
			ends = append(ends, ev.RoundID)
		}
	})

	for i := 0; i < eventQueueSize+2; i++ {
		bus.Publish(AuditEvent{Type: "noise"})
	}
	bus.Publish(RoundEndEvent{RoundID: "r1"})
	close(release)
	bus.Close()

	if len(ends) != 1 || ends[0] != "r1" {
		t.Fatalf("round end must survive a full queue, got %v", ends)
	}
	if bus.Dropped() == 0 || audits+int(bus.Dropped()) != eventQueueSize+2 {
		t.Errorf("only audit events may be dropped: delivered %d dropped %d", audits, bus.Dropped())
	}
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewEventBus(quietLogger())
	rec := &eventRecorder{}
	bus.Subscribe(rec.Handle)
	bus.Close()
	bus.Publish(RoundEndEvent{RoundID: "late"})
	bus.Close()
	if len(rec.snapshot()) != 0 {
		t.Error("events published after close must not be delivered")
	}
}

func TestBusRecoversListenerPanic(t *testing.T) {
	bus := NewEventBus(quietLogger())
	rec := &eventRecorder{}
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(rec.Handle)
	bus.Publish(EliminationEvent{RoundID: "r1", VictimID: "a"})
	bus.Close()
	if len(rec.eliminations()) != 1 {
		t.Error("a panicking listener must not starve the others")
	}
}
