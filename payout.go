package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	PrizeShare           = 0.85 // winner's share of the pot
	settlementQueueSize  = 256
	settlementTimeout    = 10 * time.Second
	settlementReceiptTTL = 365 * 24 * time.Hour
)

var ErrAlreadySettled = errors.New("round already settled")

// ResultParticipant is one participant's line in a round result
type ResultParticipant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	IsBot     bool   `json:"bot,omitempty"`
	Kills     int    `json:"kills"`
	Placement int    `json:"place"`
}

// RoundResult is the final outcome of a round
type RoundResult struct {
	RoundID      string              `json:"rid"`
	LobbyID      string              `json:"lid,omitempty"`
	Mode         GameMode            `json:"mode"`
	Tier         int                 `json:"tier"`
	WinnerID     string              `json:"winner,omitempty"`
	WinnerIsBot  bool                `json:"winnerBot,omitempty"`
	Draw         bool                `json:"draw,omitempty"`
	Prize        float64             `json:"prize"`
	Participants []ResultParticipant `json:"participants"`
	StartedAt    time.Time           `json:"startedAt"`
	EndedAt      time.Time           `json:"endedAt"`
}

// SettlementStatus is the payout outcome for a round
type SettlementStatus string

const (
	SettlementPlanned SettlementStatus = "planned"
	SettlementSent    SettlementStatus = "sent"
	SettlementFailed  SettlementStatus = "failed"
	SettlementSkipped SettlementStatus = "skipped"
)

// SettlementRecord is the ledger entry for one round, keyed by round id
type SettlementRecord struct {
	RoundID   string           `json:"rid"`
	WinnerID  string           `json:"winner,omitempty"`
	Amount    float64          `json:"amount"`
	Status    SettlementStatus `json:"status"`
	Ref       string           `json:"ref,omitempty"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Settlement computes prizes and executes payouts
type Settlement interface {
	ComputePrize(tier, participants int) float64
	Payout(ctx context.Context, roundID, winnerID string, amount float64) (string, error)
}

// ResultRecorder persists finished rounds
type ResultRecorder interface {
	RecordResult(ctx context.Context, res RoundResult) error
}

// SettlementLedger stores one settlement record per round
type SettlementLedger interface {
	GetSettlement(ctx context.Context, roundID string) (SettlementRecord, bool, error)
	PutSettlement(ctx context.Context, rec SettlementRecord) error
}

// MemoryLedger keeps settlement records in memory, for tests and runs without a database
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]SettlementRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]SettlementRecord)}
}

func (m *MemoryLedger) GetSettlement(_ context.Context, roundID string) (SettlementRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[roundID]
	return rec, ok, nil
}

func (m *MemoryLedger) PutSettlement(_ context.Context, rec SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RoundID] = rec
	return nil
}

// LocalSettlement pays out by issuing a signed receipt. The receipt token is
// the settlement reference.
type LocalSettlement struct {
	secret []byte
	clock  Clock
}

// NewLocalSettlement creates a settlement signing receipts with secret
func NewLocalSettlement(secret []byte, clock Clock) *LocalSettlement {
	if clock == nil {
		clock = SystemClock
	}
	return &LocalSettlement{secret: secret, clock: clock}
}

// ComputePrize returns the winner's share of entry tier x participant count
func (s *LocalSettlement) ComputePrize(tier, participants int) float64 {
	if tier <= 0 || participants <= 0 {
		return 0
	}
	return float64(tier*participants) * PrizeShare
}

// Payout signs a receipt for the winner
func (s *LocalSettlement) Payout(ctx context.Context, roundID, winnerID string, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("payout: invalid amount %v", amount)
	}
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"rid": roundID,
		"sub": winnerID,
		"amt": amount,
		"iat": now.Unix(),
		"exp": now.Add(settlementReceiptTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyReceipt checks a receipt and returns its round, winner and amount
func (s *LocalSettlement) VerifyReceipt(ref string) (string, string, float64, error) {
	token, err := jwt.Parse(ref, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return "", "", 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", 0, fmt.Errorf("invalid receipt")
	}
	rid, _ := claims["rid"].(string)
	sub, _ := claims["sub"].(string)
	amt, _ := claims["amt"].(float64)
	return rid, sub, amt, nil
}

// SettlementDispatcher records results and pays winners off the round goroutine
type SettlementDispatcher struct {
	settlement Settlement
	ledger     SettlementLedger
	recorder   ResultRecorder
	bus        *EventBus
	clock      Clock
	log        logrus.FieldLogger

	mu      sync.Mutex // serializes ledger read-modify-write
	queue   chan RoundResult
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewSettlementDispatcher creates a stopped dispatcher. recorder and bus may be nil.
func NewSettlementDispatcher(s Settlement, ledger SettlementLedger, recorder ResultRecorder, bus *EventBus, clock Clock, log logrus.FieldLogger) *SettlementDispatcher {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &SettlementDispatcher{
		settlement: s,
		ledger:     ledger,
		recorder:   recorder,
		bus:        bus,
		clock:      clock,
		log:        log.WithField("component", "settlement"),
		queue:      make(chan RoundResult, settlementQueueSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (d *SettlementDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.worker(d.stop)
}

// Stop drains queued results and waits for the worker
func (d *SettlementDispatcher) Stop() {
	d.mu.Lock()
	started := d.started
	d.started = false
	d.mu.Unlock()
	if !started {
		return
	}
	close(d.stop)
	d.wg.Wait()
	d.stop = make(chan struct{})
}

// ComputePrize delegates to the settlement backend
func (d *SettlementDispatcher) ComputePrize(tier, participants int) float64 {
	if d.settlement == nil {
		return 0
	}
	return d.settlement.ComputePrize(tier, participants)
}

// Settle queues res without blocking. When the queue is full the result is
// handed to its own goroutine instead of being dropped.
func (d *SettlementDispatcher) Settle(res RoundResult) {
	select {
	case d.queue <- res:
	default:
		d.log.WithField("round", res.RoundID).Warn("settlement queue full, settling inline")
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.process(res)
		}()
	}
}

func (d *SettlementDispatcher) worker(stop chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case res := <-d.queue:
			d.process(res)
		case <-stop:
			for {
				select {
				case res := <-d.queue:
					d.process(res)
				default:
					return
				}
			}
		}
	}
}

func (d *SettlementDispatcher) process(res RoundResult) {
	defer func() {
		if v := recover(); v != nil {
			reportPanic(d.log.WithField("round", res.RoundID), v)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), settlementTimeout)
	defer cancel()

	if d.recorder != nil {
		if err := d.recorder.RecordResult(ctx, res); err != nil {
			d.log.WithError(err).WithField("round", res.RoundID).Error("record result")
		}
	}
	if _, err := d.SettleNow(ctx, res); err != nil && !errors.Is(err, ErrAlreadySettled) {
		d.log.WithError(err).WithField("round", res.RoundID).Warn("settlement failed")
	}
}

// SettleNow runs the settlement for res synchronously. A round that is already
// sent or skipped returns its record with ErrAlreadySettled; a failed round is
// attempted again.
func (d *SettlementDispatcher) SettleNow(ctx context.Context, res RoundResult) (SettlementRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok, err := d.ledger.GetSettlement(ctx, res.RoundID)
	if err != nil {
		return SettlementRecord{}, fmt.Errorf("read ledger: %w", err)
	}
	if ok && (prev.Status == SettlementSent || prev.Status == SettlementSkipped) {
		return prev, ErrAlreadySettled
	}

	rec := SettlementRecord{RoundID: res.RoundID, WinnerID: res.WinnerID, Amount: res.Prize}
	switch {
	case res.Draw || res.WinnerID == "":
		rec.Error = "draw"
	case res.WinnerIsBot:
		rec.Error = "bot winner"
	case res.Prize <= 0:
		rec.Error = "no prize"
	case d.settlement == nil:
		rec.Error = "no settlement backend"
	}
	if rec.Error != "" {
		rec.Status = SettlementSkipped
		return rec, d.record(ctx, rec)
	}

	rec.Status = SettlementPlanned
	if err := d.record(ctx, rec); err != nil {
		return rec, err
	}

	ref, err := d.settlement.Payout(ctx, res.RoundID, res.WinnerID, res.Prize)
	if err != nil {
		rec.Status = SettlementFailed
		rec.Error = err.Error()
		if perr := d.record(ctx, rec); perr != nil {
			return rec, perr
		}
		return rec, fmt.Errorf("payout: %w", err)
	}
	rec.Status = SettlementSent
	rec.Ref = ref
	rec.Error = ""
	return rec, d.record(ctx, rec)
}

func (d *SettlementDispatcher) record(ctx context.Context, rec SettlementRecord) error {
	rec.UpdatedAt = d.clock.Now()
	if err := d.ledger.PutSettlement(ctx, rec); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	d.log.WithFields(logrus.Fields{"round": rec.RoundID, "status": rec.Status, "amount": rec.Amount}).Info("settlement")
	if d.bus != nil {
		d.bus.Publish(SettlementEvent{Record: rec})
		d.bus.Publish(AuditEvent{
			Type:    "settlement",
			RoundID: rec.RoundID,
			Fields:  map[string]any{"winner": rec.WinnerID, "amount": rec.Amount, "status": string(rec.Status), "error": rec.Error},
			At:      rec.UpdatedAt,
		})
	}
	return nil
}

// Record returns the ledger entry for a round
func (d *SettlementDispatcher) Record(ctx context.Context, roundID string) (SettlementRecord, bool, error) {
	return d.ledger.GetSettlement(ctx, roundID)
}
