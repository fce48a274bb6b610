package main

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	ParticipantRadius   = 8.0
	TrailRadius         = 7.0
	SelfCollisionBuffer = 20 // most recent own points never hit their owner
	SelfIgnoreRecent    = 300 * time.Millisecond
	SpawnSelfGrace      = 2200 * time.Millisecond
	PostBounceGrace     = 700 * time.Millisecond
	WallBounceDamping   = 0.65
	BodyRadiusSum       = ParticipantRadius * 2.5
	BodyRestitution     = 0.8
	LungeKnockback      = 800.0
	LungeAttackerDamp   = 0.8
)

// RadiusCompensator widens a participant's hit radius based on its measured latency
type RadiusCompensator interface {
	CompensatedRadius(id string, base float64) float64
}

type fixedRadius struct{}

func (fixedRadius) CompensatedRadius(_ string, base float64) float64 { return base }

// TrailSegment is the piece of trail that was struck
type TrailSegment struct {
	From mgl64.Vec2
	To   mgl64.Vec2
}

// CollisionDebug carries geometry for client-side hit visualisation
type CollisionDebug struct {
	Hit      mgl64.Vec2
	Normal   mgl64.Vec2
	RelSpeed float64
	Segment  *TrailSegment
}

// Elimination is one death detected by the collision pass.
// KillerID is empty for self-inflicted eliminations.
type Elimination struct {
	VictimID string
	KillerID string
	Debug    CollisionDebug
}

// CheckCollision checks if two circles overlap
func CheckCollision(x1, y1, r1, x2, y2, r2 float64) bool {
	dx := x2 - x1
	dy := y2 - y1
	dist2 := dx*dx + dy*dy
	radSum := r1 + r2
	return dist2 <= radSum*radSum
}

// CollisionSystem runs the per-tick bounce, trail and body passes for one round
type CollisionSystem struct {
	width  float64
	height float64
	radius RadiusCompensator
	trails *SpatialGrid
	bodies *SpatialGrid
	slots  []*Participant
	buf    []EntityRef
}

// NewCollisionSystem creates a collision system for a width x height arena.
// A nil compensator uses the base radii.
func NewCollisionSystem(width, height float64, radius RadiusCompensator) *CollisionSystem {
	if radius == nil {
		radius = fixedRadius{}
	}
	return &CollisionSystem{
		width:  width,
		height: height,
		radius: radius,
		trails: NewSpatialGrid(width, height),
		bodies: NewSpatialGrid(width, height),
	}
}

// SetWorldBounds updates the arena size used for wall bounces
func (cs *CollisionSystem) SetWorldBounds(width, height float64) {
	cs.width = width
	cs.height = height
}

// Bounds returns the current arena size
func (cs *CollisionSystem) Bounds() (float64, float64) {
	return cs.width, cs.height
}

// Bounce clamps a participant into the arena, reflecting and damping the outward
// velocity component. It reports whether a wall was touched.
func (cs *CollisionSystem) Bounce(p *Participant, now time.Time) bool {
	x, y := p.Pos.X(), p.Pos.Y()
	vx, vy := p.Vel.X(), p.Vel.Y()
	hit := false
	if x < 0 {
		x, vx, hit = 0, math.Abs(vx)*WallBounceDamping, true
	} else if x > cs.width {
		x, vx, hit = cs.width, -math.Abs(vx)*WallBounceDamping, true
	}
	if y < 0 {
		y, vy, hit = 0, math.Abs(vy)*WallBounceDamping, true
	} else if y > cs.height {
		y, vy, hit = cs.height, -math.Abs(vy)*WallBounceDamping, true
	}
	if hit {
		p.Pos = mgl64.Vec2{x, y}
		p.Vel = mgl64.Vec2{vx, vy}
		p.LastBounceAt = now
	}
	return hit
}

// selfGuarded reports whether an own trail point is exempt from hitting its owner.
// Any single guard is enough.
func selfGuarded(p *Participant, idx int, now time.Time) bool {
	if idx >= len(p.Trail)-SelfCollisionBuffer {
		return true
	}
	if now.Sub(p.Trail[idx].CreatedAt) < SelfIgnoreRecent {
		return true
	}
	if now.Sub(p.SpawnAt) < SpawnSelfGrace {
		return true
	}
	if !p.LastBounceAt.IsZero() && now.Sub(p.LastBounceAt) < PostBounceGrace {
		return true
	}
	return false
}

// Update bounces every living participant into bounds and returns the trail
// eliminations for this tick. Victims are not mutated; the caller applies them.
func (cs *CollisionSystem) Update(participants []*Participant, now time.Time) []Elimination {
	cs.slots = cs.slots[:0]
	for _, p := range participants {
		if p.Alive {
			cs.slots = append(cs.slots, p)
		}
	}
	for _, p := range cs.slots {
		cs.Bounce(p, now)
	}

	cs.trails.Clear()
	for slot, p := range cs.slots {
		for i := range p.Trail {
			if p.Trail[i].ExpiresAt.After(now) {
				tp := p.Trail[i].Pos
				cs.trails.Insert(tp.X(), tp.Y(), EntityRef{Kind: 't', Slot: slot, Idx: i})
			}
		}
	}

	base := ParticipantRadius + TrailRadius
	var out []Elimination
	for slot, p := range cs.slots {
		threshold := cs.radius.CompensatedRadius(p.ID, base)
		cs.buf = cs.trails.Neighbors(p.Pos.X(), p.Pos.Y(), cs.buf[:0])
		for _, ref := range cs.buf {
			owner := cs.slots[ref.Slot]
			limit := threshold
			if ref.Slot == slot {
				if selfGuarded(p, ref.Idx, now) {
					continue
				}
				limit = base
			}
			point := owner.Trail[ref.Idx]
			d := p.Pos.Sub(point.Pos)
			distSq := d.Dot(d)
			if distSq >= limit*limit {
				continue
			}
			e := Elimination{VictimID: p.ID}
			if ref.Slot != slot {
				e.KillerID = owner.ID
				prev := point
				if ref.Idx > 0 {
					prev = owner.Trail[ref.Idx-1]
				}
				e.Debug.Segment = &TrailSegment{From: prev.Pos, To: point.Pos}
			}
			dist := math.Sqrt(distSq)
			if dist == 0 {
				dist = 1
			}
			e.Debug.Hit = p.Pos
			e.Debug.Normal = d.Mul(1 / dist)
			e.Debug.RelSpeed = p.Vel.Len()
			out = append(out, e)
			break
		}
	}
	return out
}

// ResolveBodies pushes overlapping living participants apart and exchanges momentum
func (cs *CollisionSystem) ResolveBodies(participants []*Participant, now time.Time) {
	cs.slots = cs.slots[:0]
	for _, p := range participants {
		if p.Alive {
			cs.slots = append(cs.slots, p)
		}
	}
	if len(cs.slots) < 2 {
		return
	}
	cs.bodies.Clear()
	for slot, p := range cs.slots {
		cs.bodies.Insert(p.Pos.X(), p.Pos.Y(), EntityRef{Kind: 'p', Slot: slot})
	}
	for i, p1 := range cs.slots {
		cs.buf = cs.bodies.Neighbors(p1.Pos.X(), p1.Pos.Y(), cs.buf[:0])
		for _, ref := range cs.buf {
			if ref.Slot <= i {
				continue
			}
			resolvePair(p1, cs.slots[ref.Slot], now)
		}
	}
}

func resolvePair(p1, p2 *Participant, now time.Time) {
	d := p2.Pos.Sub(p1.Pos)
	distSq := d.Dot(d)
	if distSq >= BodyRadiusSum*BodyRadiusSum {
		return
	}
	dist := math.Sqrt(distSq)
	if dist < 0.001 {
		return
	}
	n := d.Mul(1 / dist)
	push := n.Mul((BodyRadiusSum - dist) * 0.5)
	p1.Pos = p1.Pos.Sub(push)
	p2.Pos = p2.Pos.Add(push)

	lunge1 := p1.IsBoosting(now)
	lunge2 := p2.IsBoosting(now)
	switch {
	case lunge1 && !lunge2:
		p2.Vel = p2.Vel.Add(n.Mul(LungeKnockback))
		p1.Vel = p1.Vel.Mul(LungeAttackerDamp)
	case lunge2 && !lunge1:
		p1.Vel = p1.Vel.Sub(n.Mul(LungeKnockback))
		p2.Vel = p2.Vel.Mul(LungeAttackerDamp)
	default:
		dv := p1.Vel.Dot(n) - p2.Vel.Dot(n)
		if dv <= 0 {
			return
		}
		impulse := -(1 + BodyRestitution) * dv / 2
		p1.Vel = p1.Vel.Add(n.Mul(impulse))
		p2.Vel = p2.Vel.Sub(n.Mul(impulse))
	}
}
