package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

type fakeSettlement struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many payouts before succeeding
}

func (f *fakeSettlement) ComputePrize(tier, participants int) float64 {
	return float64(tier*participants) * PrizeShare
}

func (f *fakeSettlement) Payout(_ context.Context, roundID, winnerID string, amount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("wallet unavailable")
	}
	return "ref-" + roundID, nil
}

func (f *fakeSettlement) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []RoundResult
}

func (f *fakeRecorder) RecordResult(_ context.Context, res RoundResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeRecorder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func winResult(id string) RoundResult {
	return RoundResult{RoundID: id, Mode: ModeTournament, Tier: 5, WinnerID: "alice", Prize: 17}
}

func TestLocalSettlementPrize(t *testing.T) {
	s := NewLocalSettlement([]byte("secret"), newManualClock(testEpoch))
	if got := s.ComputePrize(5, 4); math.Abs(got-17) > 1e-9 {
		t.Errorf("expected 85%% of 20 = 17, got %v", got)
	}
	if got := s.ComputePrize(0, 10); got != 0 {
		t.Errorf("free tier pays nothing, got %v", got)
	}
}

func TestLocalSettlementReceiptVerifies(t *testing.T) {
	s := NewLocalSettlement([]byte("secret"), newManualClock(testEpoch))
	ref, err := s.Payout(context.Background(), "r1", "alice", 17)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	rid, winner, amount, err := s.VerifyReceipt(ref)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rid != "r1" || winner != "alice" || amount != 17 {
		t.Errorf("receipt mismatch: %s %s %v", rid, winner, amount)
	}

	other := NewLocalSettlement([]byte("other"), newManualClock(testEpoch))
	if _, _, _, err := other.VerifyReceipt(ref); err == nil {
		t.Error("a receipt signed with another secret must not verify")
	}
	if _, err := s.Payout(context.Background(), "r2", "bob", 0); err == nil {
		t.Error("zero payout must be rejected")
	}
}

func TestSettleNowSentOnce(t *testing.T) {
	fs := &fakeSettlement{}
	d := NewSettlementDispatcher(fs, nil, nil, nil, newManualClock(testEpoch), quietLogger())
	ctx := context.Background()

	rec, err := d.SettleNow(ctx, winResult("r1"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.Status != SettlementSent || rec.Ref != "ref-r1" || rec.Amount != 17 {
		t.Errorf("unexpected record %+v", rec)
	}

	again, err := d.SettleNow(ctx, winResult("r1"))
	if !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
	if again.Ref != "ref-r1" {
		t.Errorf("expected the original record back, got %+v", again)
	}
	if fs.Calls() != 1 {
		t.Errorf("a sent round must never be paid again, payouts=%d", fs.Calls())
	}
}

func TestSettleNowSkips(t *testing.T) {
	tests := []struct {
		name string
		res  RoundResult
	}{
		{"draw", RoundResult{RoundID: "d", Tier: 5, Draw: true}},
		{"bot winner", RoundResult{RoundID: "b", Tier: 5, WinnerID: "BOT_1", WinnerIsBot: true, Prize: 10}},
		{"free round", RoundResult{RoundID: "f", WinnerID: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSettlement{}
			d := NewSettlementDispatcher(fs, nil, nil, nil, nil, quietLogger())
			rec, err := d.SettleNow(context.Background(), tt.res)
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if rec.Status != SettlementSkipped {
				t.Errorf("expected skipped, got %s", rec.Status)
			}
			if fs.Calls() != 0 {
				t.Error("skipped rounds must not pay out")
			}
			if _, err := d.SettleNow(context.Background(), tt.res); !errors.Is(err, ErrAlreadySettled) {
				t.Errorf("skipped is final, got %v", err)
			}
		})
	}
}

func TestSettleNowRetriesFailed(t *testing.T) {
	fs := &fakeSettlement{failures: 1}
	ledger := NewMemoryLedger()
	d := NewSettlementDispatcher(fs, ledger, nil, nil, nil, quietLogger())
	ctx := context.Background()

	rec, err := d.SettleNow(ctx, winResult("r1"))
	if err == nil || rec.Status != SettlementFailed || rec.Error == "" {
		t.Fatalf("expected failed record, got %+v err=%v", rec, err)
	}
	stored, ok, _ := ledger.GetSettlement(ctx, "r1")
	if !ok || stored.Status != SettlementFailed {
		t.Errorf("ledger must hold the failure, got %+v", stored)
	}

	rec, err = d.SettleNow(ctx, winResult("r1"))
	if err != nil || rec.Status != SettlementSent {
		t.Errorf("expected retry to succeed, got %+v err=%v", rec, err)
	}
	if fs.Calls() != 2 {
		t.Errorf("expected 2 payout attempts, got %d", fs.Calls())
	}
}

func TestSettleAsyncRecordsAndPublishes(t *testing.T) {
	bus := NewEventBus(quietLogger())
	rec := &eventRecorder{}
	bus.Subscribe(rec.Handle)

	fs := &fakeSettlement{}
	results := &fakeRecorder{}
	d := NewSettlementDispatcher(fs, nil, results, bus, nil, quietLogger())
	d.Start()
	d.Settle(winResult("r1"))
	d.Settle(RoundResult{RoundID: "r2", Draw: true})
	d.Stop()
	bus.Close()

	if results.Len() != 2 {
		t.Errorf("expected both results recorded, got %d", results.Len())
	}
	statuses := map[string]SettlementStatus{}
	for _, e := range rec.snapshot() {
		if s, ok := e.(SettlementEvent); ok {
			statuses[s.Record.RoundID] = s.Record.Status
		}
	}
	if statuses["r1"] != SettlementSent || statuses["r2"] != SettlementSkipped {
		t.Errorf("unexpected settlement events %v", statuses)
	}
	r, ok, _ := d.Record(context.Background(), "r1")
	if !ok || r.UpdatedAt.IsZero() {
		t.Errorf("expected stamped record, got %+v", r)
	}
}
