package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

const (
	auditQueueSize     = 1024
	auditFlushInterval = 5 * time.Second
	auditBatchSize     = 50
)

// GenesisHash is the previous-hash of the first audit record
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditRecord is one link of the audit chain
type AuditRecord struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	RoundID   string    `json:"rid,omitempty"`
	Payload   string    `json:"payload"` // JSON, keys sorted
	PrevHash  string    `json:"prev"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"at"`
}

// AuditStore persists chained records
type AuditStore interface {
	InsertAudit(ctx context.Context, recs []AuditRecord) error
	LastAuditHash(ctx context.Context) (string, error)
}

// ChainHash returns blake3(prev || type || round || at || payload) in hex
func ChainHash(prev string, r AuditRecord) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(r.Type))
	h.Write([]byte{0})
	h.Write([]byte(r.RoundID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(r.CreatedAt.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(r.Payload))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks that every record links to its predecessor, starting from
// prev. It returns the index of the first broken link, or -1.
func VerifyChain(prev string, recs []AuditRecord) int {
	for i, r := range recs {
		if r.PrevHash != prev || ChainHash(prev, r) != r.Hash {
			return i
		}
		prev = r.Hash
	}
	return -1
}

// AuditLog chains audit events and writes them in batches off the hot path
type AuditLog struct {
	store   AuditStore
	log     logrus.FieldLogger
	events  chan AuditEvent
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	head    string // owned by the writer goroutine
	dropped atomic.Int64
	written atomic.Int64
}

// NewAuditLog resumes the chain from the store's head and starts the writer
func NewAuditLog(store AuditStore, log logrus.FieldLogger) (*AuditLog, error) {
	head, err := store.LastAuditHash(context.Background())
	if err != nil {
		return nil, fmt.Errorf("audit head: %w", err)
	}
	if head == "" {
		head = GenesisHash
	}
	a := &AuditLog{
		store:  store,
		log:    log.WithField("component", "audit"),
		events: make(chan AuditEvent, auditQueueSize),
		stop:   make(chan struct{}),
		head:   head,
	}
	a.wg.Add(1)
	go a.writer()
	return a, nil
}

// Handle is an EventBus listener that keeps audit events
func (a *AuditLog) Handle(e Event) {
	if ae, ok := e.(AuditEvent); ok {
		a.Track(ae)
	}
}

// Track enqueues an event for async persistence (non-blocking)
func (a *AuditLog) Track(e AuditEvent) {
	select {
	case <-a.stop:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.events <- e:
	default:
		// full: drop rather than block the bus
		a.dropped.Add(1)
	}
}

// Stats returns how many records were written and dropped
func (a *AuditLog) Stats() (written, dropped int64) {
	return a.written.Load(), a.dropped.Load()
}

// Stop drains pending events and waits for the writer
func (a *AuditLog) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *AuditLog) writer() {
	defer a.wg.Done()
	defer func() {
		if v := recover(); v != nil {
			reportPanic(a.log, v)
		}
	}()

	batch := make([]AuditEvent, 0, 64)
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-a.events:
			batch = append(batch, e)
			if len(batch) >= auditBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			for {
				select {
				case e := <-a.events:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						a.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush chains a batch onto the head and writes it. The head only moves when
// the write succeeds.
func (a *AuditLog) flush(events []AuditEvent) {
	head := a.head
	recs := make([]AuditRecord, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e.Fields)
		if err != nil {
			a.log.WithError(err).WithField("type", e.Type).Warn("audit payload not encodable")
			payload = []byte("{}")
		}
		r := AuditRecord{Type: e.Type, RoundID: e.RoundID, Payload: string(payload), PrevHash: head, CreatedAt: e.At.UTC()}
		r.Hash = ChainHash(head, r)
		head = r.Hash
		recs = append(recs, r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.InsertAudit(ctx, recs); err != nil {
		a.log.WithError(err).WithField("records", len(recs)).Error("audit write failed")
		a.dropped.Add(int64(len(recs)))
		return
	}
	a.head = head
	a.written.Add(int64(len(recs)))
}
