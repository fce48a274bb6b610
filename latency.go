package main

import (
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	PingInterval        = 500 * time.Millisecond
	PingTimeout         = 5 * time.Second
	MaxValidRTT         = 1000 * time.Millisecond
	RTTSmoothing        = 0.3
	JitterSmoothing     = 0.2
	MaxLatencyPadding   = 10.0 // units added to a hit radius at most
	LatencyPaddingScale = 0.5  // units per 100ms of smoothed RTT
	PositionHistorySize = 300
	PositionMatchWindow = 100 * time.Millisecond
)

// PositionSample is one recorded participant pose
type PositionSample struct {
	At      time.Time
	Pos     mgl64.Vec2
	Heading float64
}

// Ping is an outstanding latency probe
type Ping struct {
	ID     uint64
	SentAt time.Time
}

// LatencyStats is the monitoring view of one participant's link
type LatencyStats struct {
	RTT        float64 `json:"rtt"`
	LastRTT    float64 `json:"lastRtt"`
	Jitter     float64 `json:"jitter"`
	Samples    int     `json:"samples"`
	Pending    int     `json:"pending"`
	History    int     `json:"history"`
	Padding    float64 `json:"padding"`
	MeasuredAt int64   `json:"measuredAt"`
}

type latencyRecord struct {
	rtt        float64 // smoothed, ms
	lastRTT    float64
	jitter     float64
	samples    int
	lastPingAt time.Time
	measuredAt time.Time
	pending    map[uint64]time.Time
	history    [PositionHistorySize]PositionSample
	head       int // next write slot
	count      int
}

// LatencyCompensation tracks round-trip times and recent positions per participant.
// Pings and pongs arrive from connection goroutines; the round reads it during ticks.
type LatencyCompensation struct {
	mu      sync.RWMutex
	clock   Clock
	records map[string]*latencyRecord
	nextID  uint64
}

// NewLatencyCompensation creates an empty tracker
func NewLatencyCompensation(clock Clock) *LatencyCompensation {
	if clock == nil {
		clock = SystemClock
	}
	return &LatencyCompensation{
		clock:   clock,
		records: make(map[string]*latencyRecord),
	}
}

// Add starts tracking a participant
func (lc *LatencyCompensation) Add(id string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if _, ok := lc.records[id]; !ok {
		lc.records[id] = &latencyRecord{pending: make(map[uint64]time.Time)}
	}
}

// Remove stops tracking a participant
func (lc *LatencyCompensation) Remove(id string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	delete(lc.records, id)
}

// Clear drops every record
func (lc *LatencyCompensation) Clear() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.records = make(map[string]*latencyRecord)
}

// GeneratePing issues a new probe unless one went out within PingInterval
func (lc *LatencyCompensation) GeneratePing(id string) (Ping, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	rec, ok := lc.records[id]
	if !ok {
		return Ping{}, false
	}
	now := lc.clock.Now()
	if !rec.lastPingAt.IsZero() && now.Sub(rec.lastPingAt) < PingInterval {
		return Ping{}, false
	}
	lc.nextID++
	rec.pending[lc.nextID] = now
	rec.lastPingAt = now
	return Ping{ID: lc.nextID, SentAt: now}, true
}

// ProcessPong folds the answer to a ping into the RTT estimate.
// Unknown ids and implausible samples are ignored.
func (lc *LatencyCompensation) ProcessPong(id string, pingID uint64) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	rec, ok := lc.records[id]
	if !ok {
		return false
	}
	sentAt, ok := rec.pending[pingID]
	if !ok {
		return false
	}
	delete(rec.pending, pingID)

	now := lc.clock.Now()
	sample := now.Sub(sentAt)
	if sample < 0 || sample > MaxValidRTT {
		return false
	}
	ms := millis(sample)
	if rec.samples == 0 {
		rec.rtt = ms
	} else {
		rec.jitter = JitterSmoothing*math.Abs(ms-rec.lastRTT) + (1-JitterSmoothing)*rec.jitter
		rec.rtt = RTTSmoothing*ms + (1-RTTSmoothing)*rec.rtt
	}
	rec.lastRTT = ms
	rec.samples++
	rec.measuredAt = now
	return true
}

// CleanupExpired drops pings that were never answered within PingTimeout
func (lc *LatencyCompensation) CleanupExpired() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	now := lc.clock.Now()
	dropped := 0
	for _, rec := range lc.records {
		for pid, sentAt := range rec.pending {
			if now.Sub(sentAt) > PingTimeout {
				delete(rec.pending, pid)
				dropped++
			}
		}
	}
	return dropped
}

// RTT returns the smoothed round-trip time
func (lc *LatencyCompensation) RTT(id string) time.Duration {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	if rec, ok := lc.records[id]; ok {
		return time.Duration(rec.rtt * float64(time.Millisecond))
	}
	return 0
}

// OneWay returns half the smoothed round-trip time
func (lc *LatencyCompensation) OneWay(id string) time.Duration {
	return lc.RTT(id) / 2
}

// LatencyPadding maps a smoothed RTT in ms onto extra hit radius
func LatencyPadding(rttMs float64) float64 {
	if rttMs <= 0 {
		return 0
	}
	return math.Min(MaxLatencyPadding, rttMs/100*LatencyPaddingScale)
}

// CompensatedRadius widens base by the participant's latency padding
func (lc *LatencyCompensation) CompensatedRadius(id string, base float64) float64 {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	rec, ok := lc.records[id]
	if !ok || rec.samples == 0 {
		return base
	}
	return base + LatencyPadding(rec.rtt)
}

// RecordPosition appends a pose to the participant's ring buffer
func (lc *LatencyCompensation) RecordPosition(id string, pos mgl64.Vec2, heading float64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	rec, ok := lc.records[id]
	if !ok {
		return
	}
	rec.history[rec.head] = PositionSample{At: lc.clock.Now(), Pos: pos, Heading: heading}
	rec.head = (rec.head + 1) % PositionHistorySize
	if rec.count < PositionHistorySize {
		rec.count++
	}
}

func (rec *latencyRecord) sample(i int) PositionSample {
	start := (rec.head - rec.count + PositionHistorySize) % PositionHistorySize
	return rec.history[(start+i)%PositionHistorySize]
}

// PositionAt returns the recorded pose nearest to t, if t lies within the
// buffered window and a sample exists within PositionMatchWindow of it
func (lc *LatencyCompensation) PositionAt(id string, t time.Time) (PositionSample, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	rec, ok := lc.records[id]
	if !ok || rec.count == 0 {
		return PositionSample{}, false
	}
	oldest := rec.sample(0)
	newest := rec.sample(rec.count - 1)
	if t.Before(oldest.At) || t.After(newest.At) {
		return PositionSample{}, false
	}
	best := oldest
	bestDiff := time.Duration(math.MaxInt64)
	for i := 0; i < rec.count; i++ {
		s := rec.sample(i)
		diff := s.At.Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			best, bestDiff = s, diff
		}
	}
	if bestDiff > PositionMatchWindow {
		return PositionSample{}, false
	}
	return best, true
}

// HasSufficientHistory reports whether the buffer spans at least d
func (lc *LatencyCompensation) HasSufficientHistory(id string, d time.Duration) bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	rec, ok := lc.records[id]
	if !ok || rec.count < 2 {
		return false
	}
	return rec.sample(rec.count-1).At.Sub(rec.sample(0).At) >= d
}

// Stats returns a monitoring snapshot for every tracked participant
func (lc *LatencyCompensation) Stats() map[string]LatencyStats {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	out := make(map[string]LatencyStats, len(lc.records))
	for id, rec := range lc.records {
		st := LatencyStats{
			RTT:     round1(rec.rtt),
			LastRTT: round1(rec.lastRTT),
			Jitter:  round1(rec.jitter),
			Samples: rec.samples,
			Pending: len(rec.pending),
			History: rec.count,
			Padding: round1(LatencyPadding(rec.rtt)),
		}
		if !rec.measuredAt.IsZero() {
			st.MeasuredAt = rec.measuredAt.UnixMilli()
		}
		out[id] = st
	}
	return out
}
