package main

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	ParticipantAccel      = 220.0 // units/s²
	ParticipantMaxSpeed   = 480.0 // units/s
	LongitudinalDrag      = 0.988 // per tick, along heading
	LateralDrag           = 0.975 // per tick, across heading
	TurnSpeed             = 4.4
	SpeedTurnScale        = 0.18
	MaxTurnRate           = 4.8 // radians/s
	LowSpeedTurnBonus     = 0.35
	TrailEmitInterval     = 40 * time.Millisecond
	TrailSpawnDelay       = 800 * time.Millisecond
	TrailBaseLifetime     = 8000 * time.Millisecond
	TrailFinalLifetime    = 5000 * time.Millisecond
	TrailFadeOut          = 2000 * time.Millisecond
	BoostMultiplier       = 1.8
	BoostDuration         = 1400 * time.Millisecond
	BoostCooldown         = 2500 * time.Millisecond
	BoostTrailBonus       = 1500 * time.Millisecond
	BoostEnergyMax        = 100.0
	BoostEnergyRegen      = 28.0 // per second while not boosting
	BoostEnergyDrain      = 55.0 // per second while boosting
	BoostMinStartEnergy   = 20.0
	PostBoostDamp         = 0.9
	SchoolingRadius       = 150.0
	SchoolingBonusPerMate = 0.05
	SchoolingMaxMul       = 1.15
)

// Input is the control state a client (or bot) sends
type Input struct {
	Target     mgl64.Vec2
	Accelerate bool
	Boost      bool
}

// TrailPoint is one hazard point left behind a participant
type TrailPoint struct {
	Pos       mgl64.Vec2
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Participant is a single competitor in a round, human or bot
type Participant struct {
	ID           string
	Name         string
	Pos          mgl64.Vec2
	Vel          mgl64.Vec2
	Heading      float64
	SpeedMul     float64 // schooling bonus, recomputed every tick
	Alive        bool
	IsBot        bool
	Trail        []TrailPoint
	SpawnAt      time.Time
	LastBounceAt time.Time
	EliminatedAt time.Time
	Kills        int
	Input        Input

	targetHeading float64
	sinceEmit     time.Duration
	shrink        float64
	boostUntil    time.Time
	nextBoostAt   time.Time
	boostEnergy   float64
	wasBoosting   bool
}

// NewParticipant creates a living participant at pos facing heading
func NewParticipant(id string, pos mgl64.Vec2, heading float64, now time.Time) *Participant {
	return &Participant{
		ID:            id,
		Name:          id,
		Pos:           pos,
		Heading:       heading,
		SpeedMul:      1,
		Alive:         true,
		SpawnAt:       now,
		Input:         Input{Target: pos.Add(FromAngle(heading).Mul(ForwardProjection)), Accelerate: true},
		targetHeading: heading,
		shrink:        1,
		boostEnergy:   BoostEnergyMax,
	}
}

// SetInput stores the latest control state and derives the target heading
func (p *Participant) SetInput(in Input) {
	p.Input = in
	p.targetHeading = Heading(in.Target.Sub(p.Pos), p.Heading)
}

// IsBoosting reports whether a boost is active at now
func (p *Participant) IsBoosting(now time.Time) bool {
	return now.Before(p.boostUntil) && p.boostEnergy > 0
}

// BoostReady reports whether TryBoost would succeed at now
func (p *Participant) BoostReady(now time.Time) bool {
	return p.Alive && !now.Before(p.nextBoostAt) && p.boostEnergy >= BoostMinStartEnergy
}

// BoostEnergy returns the remaining boost energy
func (p *Participant) BoostEnergy() float64 {
	return p.boostEnergy
}

// AddBoostEnergy grants energy, capped at the maximum
func (p *Participant) AddBoostEnergy(amount float64) {
	p.boostEnergy = math.Min(BoostEnergyMax, p.boostEnergy+amount)
}

// TryBoost starts a boost if cooldown and energy allow it
func (p *Participant) TryBoost(now time.Time) bool {
	if !p.BoostReady(now) {
		return false
	}
	possible := time.Duration(p.boostEnergy / BoostEnergyDrain * float64(time.Second))
	d := BoostDuration
	if possible < d {
		d = possible
	}
	if d <= 0 {
		return false
	}
	p.boostUntil = now.Add(d)
	p.nextBoostAt = now.Add(BoostCooldown)
	return true
}

// Update integrates one tick of physics (dt in seconds)
func (p *Participant) Update(dt float64, now time.Time, shrink float64) {
	if !p.Alive {
		return
	}
	p.shrink = shrink

	speed := p.Vel.Len()
	speedFrac := math.Min(1, speed/ParticipantMaxSpeed)
	turnScale := 1 / (1 + speed/ParticipantMaxSpeed*SpeedTurnScale)
	lowSpeed := 1 + LowSpeedTurnBonus*(1-speedFrac)
	change := NormalizeAngle(p.targetHeading-p.Heading) * TurnSpeed * turnScale * lowSpeed * dt
	maxChange := MaxTurnRate * dt
	p.Heading = NormalizeAngle(p.Heading + Clamp(change, -maxChange, maxChange))

	boosting := p.IsBoosting(now)
	mul := p.SpeedMul
	if mul <= 0 {
		mul = 1
	}
	fwd := FromAngle(p.Heading)
	if p.Input.Accelerate {
		accel := ParticipantAccel * mul
		if boosting {
			accel *= BoostMultiplier
		}
		p.Vel = p.Vel.Add(fwd.Mul(accel * dt))
	}

	// split velocity along and across the heading
	side := mgl64.Vec2{-fwd.Y(), fwd.X()}
	vf := p.Vel.Dot(fwd) * LongitudinalDrag
	vs := p.Vel.Dot(side) * LateralDrag
	p.Vel = fwd.Mul(vf).Add(side.Mul(vs))

	maxSpeed := ParticipantMaxSpeed * mul
	if s := p.Vel.Len(); s > maxSpeed {
		p.Vel = p.Vel.Mul(maxSpeed / s)
	}

	p.Pos = p.Pos.Add(p.Vel.Mul(dt))

	p.sinceEmit += time.Duration(dt * float64(time.Second))
	p.emitTrail(now, boosting)

	if boosting {
		p.boostEnergy = math.Max(0, p.boostEnergy-BoostEnergyDrain*dt)
		if p.boostEnergy <= 0 {
			p.boostUntil = time.Time{}
		}
	} else {
		p.boostEnergy = math.Min(BoostEnergyMax, p.boostEnergy+BoostEnergyRegen*dt)
	}
	if p.wasBoosting && !boosting {
		p.Vel = p.Vel.Mul(PostBoostDamp)
	}
	p.wasBoosting = boosting
}

func (p *Participant) emitTrail(now time.Time, boosting bool) {
	if now.Sub(p.SpawnAt) < TrailSpawnDelay || p.sinceEmit < TrailEmitInterval {
		return
	}
	p.sinceEmit = 0
	life := TrailLifetime(p.shrink)
	if boosting {
		life += BoostTrailBonus
	}
	p.Trail = append(p.Trail, TrailPoint{Pos: p.Pos, CreatedAt: now, ExpiresAt: now.Add(life)})
}

// TrailLifetime maps the arena shrink factor (1..0.5) onto a point lifetime (8s..5s)
func TrailLifetime(shrink float64) time.Duration {
	t := Clamp((1-shrink)/0.5, 0, 1)
	base := float64(TrailBaseLifetime)
	return time.Duration(base + (float64(TrailFinalLifetime)-base)*t)
}

// PruneTrail drops expired points from the head of the trail
func (p *Participant) PruneTrail(now time.Time) {
	n := 0
	for n < len(p.Trail) && !now.Before(p.Trail[n].ExpiresAt) {
		n++
	}
	if n > 0 {
		p.Trail = append(p.Trail[:0], p.Trail[n:]...)
	}
}

// Eliminate kills the participant and fades its remaining trail
func (p *Participant) Eliminate(now time.Time) bool {
	if !p.Alive {
		return false
	}
	p.Alive = false
	p.EliminatedAt = now
	p.Vel = mgl64.Vec2{}
	p.boostUntil = time.Time{}
	fade := now.Add(TrailFadeOut)
	for i := range p.Trail {
		if p.Trail[i].ExpiresAt.After(fade) {
			p.Trail[i].ExpiresAt = fade
		}
	}
	return true
}

// ToState converts to the snapshot representation
func (p *Participant) ToState(now time.Time) ParticipantState {
	trail := make([]TrailPointState, len(p.Trail))
	for i, tp := range p.Trail {
		trail[i] = TrailPointState{
			X: round1(tp.Pos.X()),
			Y: round1(tp.Pos.Y()),
			E: tp.ExpiresAt.UnixMilli(),
		}
	}
	return ParticipantState{
		ID:      p.ID,
		Name:    p.Name,
		X:       round1(p.Pos.X()),
		Y:       round1(p.Pos.Y()),
		VX:      round1(p.Vel.X()),
		VY:      round1(p.Vel.Y()),
		Heading: math.Round(p.Heading*1000) / 1000,
		Alive:   p.Alive,
		Bot:     p.IsBot,
		Boost:   p.IsBoosting(now),
		Energy:  math.Round(p.boostEnergy),
		Kills:   p.Kills,
		Trail:   trail,
	}
}

// SchoolingMultiplier returns the speed bonus for the given number of nearby living mates
func SchoolingMultiplier(mates int) float64 {
	return math.Min(SchoolingMaxMul, 1+SchoolingBonusPerMate*float64(mates))
}
