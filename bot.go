package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	BotIDPrefix        = "BOT_"
	BotSenseRadius     = 350.0 // scaled by skill
	BotAttackRadius    = 180.0
	BotLookAhead       = 120.0
	BotWallMargin      = 50.0
	BotTrailDanger     = 35.0
	BotMaxLeadTime     = 1.2 // seconds
	BotMinLeadTime     = 0.05
	BotMinChaseSpeed   = 240.0 // speed estimate floor for interception
	BotCollectRadius   = 600.0
	BotAimDistance     = 900.0
	BotHeadingJitter   = 0.05 // radians, scaled by (2 - skill)
	BotBoostMinDist    = 80.0
	BotBoostMaxDist    = 250.0
	BotHuntBoostChance = 0.02
)

// BotState is the controller's current behaviour
type BotState int

const (
	BotSearch BotState = iota
	BotHunt
	BotAttack
	BotPanic
)

func (s BotState) String() string {
	switch s {
	case BotSearch:
		return "search"
	case BotHunt:
		return "hunt"
	case BotAttack:
		return "attack"
	case BotPanic:
		return "panic"
	}
	return "unknown"
}

// BotPersonality is fixed for the lifetime of a bot
type BotPersonality struct {
	Aggressiveness float64 // 0..1, scales boost likelihood
	ReactionDelay  float64 // seconds before reacting to a new threat
	AimNoise       float64 // radians of random aim error
	Skill          float64 // 0.7..1.3
}

// BotSense is what a bot may look at during one tick
type BotSense struct {
	Participants []*Participant
	Collectibles []*Collectible
	Width        float64
	Height       float64
	Now          time.Time
}

// BotController drives one participant with synthetic input
type BotController struct {
	ID          string
	p           *Participant
	rng         *rand.Rand
	personality BotPersonality
	state       BotState
	prevState   BotState
	aimAngle    float64
	targetID    string
	pendingID   string
	reaction    float64 // seconds left before pendingID becomes the target
	patrolAngle float64
}

// NewBotController creates a controller for p with a personality drawn from seed
func NewBotController(p *Participant, seed int64) *BotController {
	rng := rand.New(rand.NewSource(seed))
	return &BotController{
		ID:  p.ID,
		p:   p,
		rng: rng,
		personality: BotPersonality{
			Aggressiveness: 0.3 + rng.Float64()*0.7,
			ReactionDelay:  0.1 + rng.Float64()*0.25,
			AimNoise:       0.02 + rng.Float64()*0.08,
			Skill:          0.7 + rng.Float64()*0.6,
		},
		state:       BotSearch,
		prevState:   BotSearch,
		aimAngle:    p.Heading,
		patrolAngle: rng.Float64() * 2 * math.Pi,
	}
}

// State returns the current behaviour state
func (b *BotController) State() BotState {
	return b.state
}

// Personality returns the fixed personality
func (b *BotController) Personality() BotPersonality {
	return b.personality
}

// Participant returns the controlled entity
func (b *BotController) Participant() *Participant {
	return b.p
}

// PredictIntercept returns where target will be when self can reach it,
// assuming target keeps its velocity
func PredictIntercept(self, target *Participant) mgl64.Vec2 {
	dist := target.Pos.Sub(self.Pos).Len()
	speed := math.Max(self.Vel.Len(), BotMinChaseSpeed)
	lead := Clamp(dist/speed, BotMinLeadTime, BotMaxLeadTime)
	return target.Pos.Add(target.Vel.Mul(lead))
}

// Update decides this tick's input. ok is false when the bot is dead and
// must not act.
func (b *BotController) Update(dt float64, sense BotSense) (in Input, ok bool) {
	if !b.p.Alive {
		return Input{}, false
	}
	self := b.p

	enemy, dist := b.nearestEnemy(sense.Participants)
	b.trackThreat(enemy, dt)
	target := b.targetIn(sense.Participants)

	if b.danger(sense) {
		if b.state != BotPanic {
			b.prevState = b.state
			b.state = BotPanic
		}
	} else {
		if b.state == BotPanic {
			b.state = b.prevState
		}
		switch {
		case target == nil:
			b.state = BotSearch
		case target.Pos.Sub(self.Pos).Len() < BotAttackRadius:
			b.state = BotAttack
		default:
			b.state = BotHunt
		}
	}

	var goal mgl64.Vec2
	switch b.state {
	case BotPanic:
		goal = b.escapeGoal(sense)
	case BotHunt, BotAttack:
		goal = PredictIntercept(self, target)
	default:
		goal = b.searchGoal(sense)
	}

	desired := Heading(goal.Sub(self.Pos), b.aimAngle)
	desired += b.rng.NormFloat64() * BotHeadingJitter * (2 - b.personality.Skill)
	if b.state == BotHunt || b.state == BotAttack {
		desired += (b.rng.Float64()*2 - 1) * b.personality.AimNoise
	}
	maxTurn := math.Pi * 1.8 * b.personality.Skill * dt
	b.aimAngle = NormalizeAngle(b.aimAngle + Clamp(NormalizeAngle(desired-b.aimAngle), -maxTurn, maxTurn))

	in = Input{
		Target:     self.Pos.Add(FromAngle(b.aimAngle).Mul(BotAimDistance)),
		Accelerate: true,
		Boost:      b.wantsBoost(enemy, dist, sense.Now),
	}
	return in, true
}

func (b *BotController) nearestEnemy(ps []*Participant) (*Participant, float64) {
	var best *Participant
	bestDist := math.Inf(1)
	for _, p := range ps {
		if !p.Alive || p.ID == b.ID {
			continue
		}
		if d := p.Pos.Sub(b.p.Pos).Len(); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, bestDist
}

// trackThreat applies the reaction delay: a newly sensed enemy only becomes
// the target once it has been visible for ReactionDelay seconds
func (b *BotController) trackThreat(enemy *Participant, dt float64) {
	if enemy == nil || !b.senses(enemy) {
		b.targetID, b.pendingID, b.reaction = "", "", 0
		return
	}
	if enemy.ID == b.targetID {
		return
	}
	if enemy.ID != b.pendingID {
		b.pendingID = enemy.ID
		b.reaction = b.personality.ReactionDelay
	}
	b.reaction -= dt
	if b.reaction <= 0 {
		b.targetID, b.pendingID = enemy.ID, ""
	}
}

// targetIn resolves the current target, forgetting it once it is dead, gone
// or out of sense range
func (b *BotController) targetIn(ps []*Participant) *Participant {
	if b.targetID == "" {
		return nil
	}
	for _, p := range ps {
		if p.ID == b.targetID && p.Alive && b.senses(p) {
			return p
		}
	}
	b.targetID = ""
	return nil
}

func (b *BotController) senses(p *Participant) bool {
	return p.Pos.Sub(b.p.Pos).Len() <= BotSenseRadius*b.personality.Skill
}

// danger probes ahead along the current heading for walls and live trail
func (b *BotController) danger(sense BotSense) bool {
	probe := b.p.Pos.Add(FromAngle(b.p.Heading).Mul(BotLookAhead))
	if probe.X() < BotWallMargin || probe.X() > sense.Width-BotWallMargin ||
		probe.Y() < BotWallMargin || probe.Y() > sense.Height-BotWallMargin {
		return true
	}
	for _, p := range sense.Participants {
		if p.ID == b.ID || !p.Alive {
			continue
		}
		for _, tp := range p.Trail {
			if tp.ExpiresAt.After(sense.Now) && DistanceSq(probe, tp.Pos) < BotTrailDanger*BotTrailDanger {
				return true
			}
		}
	}
	return false
}

func (b *BotController) escapeGoal(sense BotSense) mgl64.Vec2 {
	center := mgl64.Vec2{sense.Width / 2, sense.Height / 2}
	away := center.Sub(b.p.Pos)
	if away.Len() < 1 {
		away = FromAngle(b.p.Heading + math.Pi/2)
	}
	// veer perpendicular to the current heading, toward the centre side
	left := FromAngle(b.p.Heading + math.Pi/2)
	if left.Dot(away) < 0 {
		left = left.Mul(-1)
	}
	return b.p.Pos.Add(left.Add(away.Normalize()).Mul(BotLookAhead * 2))
}

func (b *BotController) searchGoal(sense BotSense) mgl64.Vec2 {
	var best *Collectible
	bestDist := BotCollectRadius
	for _, c := range sense.Collectibles {
		if d := c.Pos.Sub(b.p.Pos).Len(); d < bestDist {
			best, bestDist = c, d
		}
	}
	if best != nil {
		return best.Pos
	}
	center := mgl64.Vec2{sense.Width / 2, sense.Height / 2}
	r := 0.3 * math.Min(sense.Width, sense.Height)
	goal := center.Add(FromAngle(b.patrolAngle).Mul(r))
	if DistanceSq(goal, b.p.Pos) < 100*100 {
		b.patrolAngle += math.Pi / 3
	}
	return goal
}

// wantsBoost only requests a boost; the participant enforces cooldown and energy
func (b *BotController) wantsBoost(enemy *Participant, dist float64, now time.Time) bool {
	if !b.p.BoostReady(now) {
		return false
	}
	switch b.state {
	case BotAttack:
		if dist > BotBoostMinDist && dist < BotBoostMaxDist {
			return b.rng.Float64() < b.personality.Aggressiveness
		}
	case BotHunt:
		return b.rng.Float64() < BotHuntBoostChance*b.personality.Skill
	case BotPanic:
		return enemy != nil && dist < BotBoostMinDist && b.rng.Float64() < 0.1
	}
	return false
}
