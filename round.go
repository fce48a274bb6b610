package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/sirupsen/logrus"
)

// RoundStatus moves one way: waiting -> in_progress -> finished
type RoundStatus string

const (
	RoundWaiting    RoundStatus = "waiting"
	RoundInProgress RoundStatus = "in_progress"
	RoundFinished   RoundStatus = "finished"
)

const (
	roundInboxSize    = 1024
	latencySweepTicks = 64 // ticks between sweeps of unanswered pings
	ForwardProjection = 200.0 // replacement target distance for rejected input
	MaxTargetFactor   = 4.0   // targets farther than this x max(width, height) are rejected
)

var (
	ErrInboxFull     = errors.New("round inbox full")
	ErrRoundFinished = errors.New("round finished")
)

// RoundSettler receives finished rounds. Settle must not block.
type RoundSettler interface {
	ComputePrize(tier, participants int) float64
	Settle(res RoundResult)
}

// SnapshotSink receives snapshots from the round goroutine and must not block
type SnapshotSink interface {
	DeliverSnapshot(s *Snapshot)
}

// RoundOptions configures a round
type RoundOptions struct {
	ID            string
	LobbyID       string
	Mode          GameMode
	ModeConfig    ModeConfig
	Tier          int
	Clock         Clock
	Log           logrus.FieldLogger
	Bus           *EventBus
	Settler       RoundSettler
	Sink          SnapshotSink
	TickInterval  time.Duration
	MaxFrameDelta time.Duration
	Seed          int64
	Development   bool
	Names         map[string]string // display names by participant id
}

type cmdKind int

const (
	cmdInput cmdKind = iota
	cmdJoin
	cmdLeave
)

type roundCommand struct {
	kind  cmdKind
	id    string
	input Input
}

// Round is one match. All simulation state is owned by the goroutine that
// calls Step; other goroutines talk to it through the inbox.
type Round struct {
	ID      string
	LobbyID string
	Mode    GameMode
	Tier    int

	opts      RoundOptions
	log       logrus.FieldLogger
	inbox     chan roundCommand
	loop      *GameLoop
	latency   *LatencyCompensation
	stepMu    sync.Mutex
	latest    atomic.Pointer[Snapshot]
	startOnce sync.Once

	// owned by the stepping goroutine
	status       RoundStatus
	store        *EntityStore
	bots         []*BotController
	collision    *CollisionSystem
	arena        *ArenaController
	collectibles *CollectibleField
	rng          *rand.Rand
	tick         uint64
	now          time.Time
	startedAt    time.Time
	peak         int
	roster       []string
	eliminated   []string
	removeNext   []string
	winnerID     string
}

// NewRound creates a waiting round with the given participants placed on
// their spawn rings. Ids with the bot prefix are driven by bot controllers.
func NewRound(opts RoundOptions, participants []string) *Round {
	if opts.ID == "" {
		opts.ID = NewRoundID()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	r := &Round{
		ID:      opts.ID,
		LobbyID: opts.LobbyID,
		Mode:    opts.Mode,
		Tier:    opts.Tier,
		opts:    opts,
		log:     opts.Log.WithField("round", opts.ID),
		inbox:   make(chan roundCommand, roundInboxSize),
		latency: NewLatencyCompensation(opts.Clock),
		status:  RoundWaiting,
		store:   NewEntityStore(),
		arena:   NewArenaController(opts.ModeConfig, len(participants)),
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
	w, h := r.arena.Bounds()
	r.collision = NewCollisionSystem(w, h, r.latency)
	r.collectibles = NewCollectibleField(rand.New(rand.NewSource(opts.Seed + 1)))
	r.loop = NewGameLoop(opts.Clock, opts.TickInterval, opts.MaxFrameDelta, r.Step)
	r.now = opts.Clock.Now()

	for i, s := range SpawnLayout(len(participants), w, h, r.rng) {
		r.spawn(participants[i], s)
	}
	r.publishSnapshot()
	return r
}

// IsBotID reports whether id names a bot
func IsBotID(id string) bool {
	return strings.HasPrefix(id, BotIDPrefix)
}

func (r *Round) spawn(id string, s Spawn) *Participant {
	p := NewParticipant(id, s.Pos, s.Heading, r.now)
	p.IsBot = IsBotID(id)
	if n := r.opts.Names[id]; n != "" {
		p.Name = n
	}
	if err := r.store.Spawn(p); err != nil {
		r.log.WithField("player", id).Warn("duplicate spawn ignored")
		return nil
	}
	r.roster = append(r.roster, id)
	if r.store.Len() > r.peak {
		r.peak = r.store.Len()
	}
	if p.IsBot {
		r.bots = append(r.bots, NewBotController(p, r.rng.Int63()))
	} else {
		r.latency.Add(id)
	}
	return p
}

// Start begins simulating. Only the first call has an effect.
func (r *Round) Start() {
	r.startOnce.Do(func() {
		r.stepMu.Lock()
		r.status = RoundInProgress
		r.now = r.opts.Clock.Now()
		r.startedAt = r.now
		r.arena.Start(r.now)
		ids := append([]string(nil), r.roster...)
		r.publishSnapshot()
		r.stepMu.Unlock()

		r.publish(RoundStartEvent{RoundID: r.ID, LobbyID: r.LobbyID, Mode: r.Mode, Tier: r.Tier, Participants: ids, At: r.startedAt})
		r.audit("round_start", map[string]any{"participants": ids, "tier": r.Tier, "mode": string(r.Mode)})
		r.log.WithField("participants", len(ids)).Info("round started")
		r.loop.Start()
	})
}

// Stop halts the loop. It must not be called from the round goroutine.
func (r *Round) Stop() {
	r.loop.Stop()
}

// Advance drives the loop by elapsed real time without the ticker
func (r *Round) Advance(elapsed time.Duration) int {
	return r.loop.Advance(elapsed)
}

// Latency exposes the round's ping/pong tracker
func (r *Round) Latency() *LatencyCompensation {
	return r.latency
}

// Snapshot returns the most recently published state
func (r *Round) Snapshot() *Snapshot {
	return r.latest.Load()
}

// Status returns the status as of the last tick
func (r *Round) Status() RoundStatus {
	return r.latest.Load().Status
}

func (r *Round) submit(cmd roundCommand) error {
	if r.Status() == RoundFinished {
		return ErrRoundFinished
	}
	select {
	case r.inbox <- cmd:
		return nil
	default:
		return ErrInboxFull
	}
}

// SubmitInput queues a control update, applied at the start of the next tick
func (r *Round) SubmitInput(id string, in Input) error {
	return r.submit(roundCommand{kind: cmdInput, id: id, input: in})
}

// Join queues a late join
func (r *Round) Join(id string) error {
	return r.submit(roundCommand{kind: cmdJoin, id: id})
}

// Leave queues a departure: the participant is eliminated on the next tick and
// removed on the one after
func (r *Round) Leave(id string) error {
	return r.submit(roundCommand{kind: cmdLeave, id: id})
}

// Step runs one fixed tick
func (r *Round) Step() {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if r.status != RoundInProgress {
		r.discardInbox()
		return
	}
	r.tick++
	r.now = r.now.Add(r.opts.TickInterval)
	now := r.now
	dt := r.opts.TickInterval.Seconds()

	r.flushRemovals()
	r.drainInbox(now)

	all := r.store.All()
	w, h := r.arena.Bounds()
	sense := BotSense{Participants: all, Collectibles: r.collectibles.List(), Width: w, Height: h, Now: now}
	for _, b := range r.bots {
		r.driveBot(b, dt, sense)
	}

	r.applySchooling(all)
	shrink := r.arena.ShrinkFactor()
	for _, p := range all {
		p.Update(dt, now, shrink)
		p.PruneTrail(now)
		if p.Alive && !p.IsBot {
			r.latency.RecordPosition(p.ID, p.Pos, p.Heading)
		}
	}

	elims := r.collision.Update(all, now)
	r.collision.ResolveBodies(all, now)
	for _, e := range elims {
		r.eliminate(e.VictimID, e.KillerID, e.Debug, now)
	}

	r.collectibles.Collect(all, w, h)
	if r.arena.Update(now) {
		w, h = r.arena.Bounds()
		r.collision.SetWorldBounds(w, h)
	}
	r.collectibles.Update(now, w, h, CollectibleTarget(r.store.AliveCount()))

	r.checkEnd(now)
	if r.tick%latencySweepTicks == 0 {
		r.latency.CleanupExpired()
	}
	r.publishSnapshot()
}

func (r *Round) discardInbox() {
	for {
		select {
		case <-r.inbox:
		default:
			return
		}
	}
}

func (r *Round) drainInbox(now time.Time) {
	for {
		select {
		case cmd := <-r.inbox:
			r.apply(cmd, now)
		default:
			return
		}
	}
}

func (r *Round) apply(cmd roundCommand, now time.Time) {
	switch cmd.kind {
	case cmdInput:
		p, ok := r.store.Get(cmd.id)
		if !ok || !p.Alive || p.IsBot {
			return
		}
		r.applyInput(p, cmd.input, now)
	case cmdJoin:
		if _, ok := r.store.Get(cmd.id); ok {
			return
		}
		if p := r.spawn(cmd.id, r.lateSpawn()); p != nil {
			r.log.WithField("player", cmd.id).Info("late join")
		}
	case cmdLeave:
		p, ok := r.store.Get(cmd.id)
		if !ok {
			return
		}
		if p.Alive {
			r.eliminate(cmd.id, "", CollisionDebug{Hit: p.Pos}, now)
		}
		r.removeNext = append(r.removeNext, cmd.id)
	}
}

func (r *Round) flushRemovals() {
	for _, id := range r.removeNext {
		r.store.Remove(id)
		r.latency.Remove(id)
		for i, b := range r.bots {
			if b.ID == id {
				r.bots = append(r.bots[:i], r.bots[i+1:]...)
				break
			}
		}
	}
	r.removeNext = r.removeNext[:0]
}

// SanitizeTarget replaces non-finite or absurdly distant targets with a point
// straight ahead of the participant
func SanitizeTarget(p *Participant, target mgl64.Vec2, width, height float64) mgl64.Vec2 {
	limit := MaxTargetFactor * math.Max(width, height)
	if !finite(target) || target.Sub(p.Pos).Len() > limit {
		return p.Pos.Add(FromAngle(p.Heading).Mul(ForwardProjection))
	}
	return target
}

func (r *Round) applyInput(p *Participant, in Input, now time.Time) {
	w, h := r.arena.Bounds()
	in.Target = SanitizeTarget(p, in.Target, w, h)
	p.SetInput(in)
	if in.Boost {
		p.TryBoost(now)
	}
}

func (r *Round) driveBot(b *BotController, dt float64, sense BotSense) {
	defer func() {
		if v := recover(); v != nil {
			reportPanic(r.log.WithField("bot", b.ID), v)
		}
	}()
	in, ok := b.Update(dt, sense)
	if !ok {
		return
	}
	r.applyInput(b.Participant(), in, sense.Now)
}

func (r *Round) applySchooling(all []*Participant) {
	for _, p := range all {
		if !p.Alive {
			continue
		}
		mates := 0
		for _, q := range all {
			if q != p && q.Alive && DistanceSq(p.Pos, q.Pos) < SchoolingRadius*SchoolingRadius {
				mates++
			}
		}
		p.SpeedMul = SchoolingMultiplier(mates)
	}
}

// lateSpawn picks a point away from every living participant, facing the centre
func (r *Round) lateSpawn() Spawn {
	w, h := r.arena.Bounds()
	center := mgl64.Vec2{w / 2, h / 2}
	margin := math.Min(SpawnWallMargin, math.Min(w, h)/4)
	var best mgl64.Vec2
	bestGap := -1.0
	for try := 0; try < SpawnAttempts; try++ {
		cand := mgl64.Vec2{margin + r.rng.Float64()*(w-2*margin), margin + r.rng.Float64()*(h-2*margin)}
		gap := math.Inf(1)
		r.store.Each(func(p *Participant) {
			if p.Alive {
				gap = math.Min(gap, p.Pos.Sub(cand).Len())
			}
		})
		if gap > bestGap {
			best, bestGap = cand, gap
		}
		if gap >= SpawnMinSeparation {
			break
		}
	}
	return Spawn{Pos: best, Heading: Heading(center.Sub(best), 0)}
}

func (r *Round) eliminate(victimID, killerID string, debug CollisionDebug, now time.Time) {
	victim, ok := r.store.Get(victimID)
	if !ok || !victim.Eliminate(now) {
		return
	}
	if killerID != "" {
		if k, ok := r.store.Get(killerID); ok {
			k.Kills++
		}
	}
	r.eliminated = append(r.eliminated, victimID)
	r.publish(EliminationEvent{RoundID: r.ID, VictimID: victimID, KillerID: killerID, Debug: debug, Tick: r.tick, At: now})
	r.audit("elimination", map[string]any{"victim": victimID, "killer": killerID, "tick": r.tick})
	r.log.WithFields(logrus.Fields{"victim": victimID, "killer": killerID}).Debug("eliminated")
}

func (r *Round) checkEnd(now time.Time) {
	alive := r.store.AliveCount()
	switch {
	case r.peak > 1 && alive == 1:
		winner, _ := r.store.LastAlive()
		r.finish(winner, now)
	case r.peak > 0 && alive == 0:
		r.finish(nil, now)
	}
}

func (r *Round) finish(winner *Participant, now time.Time) {
	if r.status == RoundFinished {
		r.invariant("round %s finished twice", r.ID)
		return
	}
	if alive := r.store.AliveCount(); alive > 1 {
		r.invariant("round %s ending with %d alive", r.ID, alive)
	}
	r.status = RoundFinished

	res := r.result(winner, now)
	r.winnerID = res.WinnerID
	evt := RoundEndEvent{
		RoundID:      r.ID,
		Mode:         r.Mode,
		Tier:         r.Tier,
		WinnerID:     res.WinnerID,
		Draw:         res.Draw,
		Prize:        res.Prize,
		Participants: append([]string(nil), r.roster...),
		Duration:     now.Sub(r.startedAt),
		At:           now,
	}
	r.publish(evt)
	r.audit("round_end", map[string]any{"winner": res.WinnerID, "draw": res.Draw, "prize": res.Prize, "tick": r.tick})
	r.log.WithFields(logrus.Fields{"winner": res.WinnerID, "draw": res.Draw, "prize": res.Prize}).Info("round finished")
	if r.opts.Settler != nil {
		r.opts.Settler.Settle(res)
	}
}

func (r *Round) result(winner *Participant, now time.Time) RoundResult {
	res := RoundResult{
		RoundID:   r.ID,
		LobbyID:   r.LobbyID,
		Mode:      r.Mode,
		Tier:      r.Tier,
		Draw:      winner == nil,
		StartedAt: r.startedAt,
		EndedAt:   now,
	}
	humans := 0
	for _, id := range r.roster {
		if !IsBotID(id) {
			humans++
		}
	}
	if winner != nil {
		res.WinnerID = winner.ID
		res.WinnerIsBot = winner.IsBot
		if r.opts.Settler != nil {
			res.Prize = r.opts.Settler.ComputePrize(r.Tier, humans)
		}
	}
	// placement: winner first, then reverse elimination order
	place := map[string]int{}
	if winner != nil {
		place[winner.ID] = 1
	}
	for i := len(r.eliminated) - 1; i >= 0; i-- {
		if _, ok := place[r.eliminated[i]]; !ok {
			place[r.eliminated[i]] = len(place) + 1
		}
	}
	for _, id := range r.roster {
		rp := ResultParticipant{ID: id, IsBot: IsBotID(id), Placement: place[id]}
		if p, ok := r.store.Get(id); ok {
			rp.Kills = p.Kills
			rp.Name = p.Name
		}
		res.Participants = append(res.Participants, rp)
	}
	return res
}

// invariant panics in development and logs otherwise
func (r *Round) invariant(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.opts.Development {
		panic("invariant violated: " + msg)
	}
	r.log.Error("invariant violated: " + msg)
}

func (r *Round) publish(e Event) {
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(e)
	}
}

func (r *Round) audit(kind string, fields map[string]any) {
	r.publish(AuditEvent{Type: kind, RoundID: r.ID, Fields: fields, At: r.now})
}

// publishSnapshot stores the state of this tick and hands it to the sink
func (r *Round) publishSnapshot() {
	w, h := r.arena.Bounds()
	s := &Snapshot{
		RoundID: r.ID,
		Tick:    r.tick,
		Status:  r.status,
		Width:   w,
		Height:  h,
		Shrink:  r.arena.ShrinkFactor(),
		TS:      r.now.UnixMilli(),
	}
	r.store.Each(func(p *Participant) {
		s.Participants = append(s.Participants, p.ToState(r.now))
		if p.Alive {
			s.Alive++
		}
	})
	for _, c := range r.collectibles.List() {
		s.Collectibles = append(s.Collectibles, c.ToState())
	}
	s.WinnerID = r.winnerID
	r.latest.Store(s)
	if r.opts.Sink != nil {
		r.opts.Sink.DeliverSnapshot(s)
	}
}
