package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	WorldWidth         = 3500.0
	WorldHeight        = 2500.0
	ArenaMinWidth      = 800.0
	ArenaMinHeight     = 600.0
	ArenaMinShrink     = 0.5
	ArenaScalePlayers  = 8.0 // population at which the base size applies
	ArenaMaxScale      = 1.6
	SpawnWallMargin    = 240.0
	SpawnMinSeparation = 220.0
	SpawnJitter        = 60.0
	SpawnAttempts      = 40
)

// Spawn is a start position and facing
type Spawn struct {
	Pos     mgl64.Vec2
	Heading float64
}

// ArenaSize returns the starting bounds for a round with the given population
func ArenaSize(mode ModeConfig, players int) (float64, float64) {
	scale := 1.0
	if players > 0 {
		scale = Clamp(math.Sqrt(float64(players)/ArenaScalePlayers), 1, ArenaMaxScale)
	}
	return mode.BaseWidth*scale + 2*mode.Margin, mode.BaseHeight*scale + 2*mode.Margin
}

// ArenaController owns the arena bounds of one round and shrinks them over time
type ArenaController struct {
	baseWidth  float64
	baseHeight float64
	width      float64
	height     float64
	shrink     float64
	start      time.Duration
	duration   time.Duration
	startedAt  time.Time
}

// NewArenaController creates a controller sized for the given population
func NewArenaController(mode ModeConfig, players int) *ArenaController {
	w, h := ArenaSize(mode, players)
	return &ArenaController{
		baseWidth:  w,
		baseHeight: h,
		width:      w,
		height:     h,
		shrink:     1,
		start:      time.Duration(mode.ShrinkStartSec * float64(time.Second)),
		duration:   time.Duration(mode.ShrinkDurationSec * float64(time.Second)),
	}
}

// Start marks the beginning of the round
func (a *ArenaController) Start(now time.Time) {
	a.startedAt = now
}

// Update recomputes the bounds for now and reports whether they changed.
// Bounds never grow.
func (a *ArenaController) Update(now time.Time) bool {
	if a.startedAt.IsZero() {
		return false
	}
	elapsed := now.Sub(a.startedAt) - a.start
	if elapsed <= 0 {
		return false
	}
	t := 1.0
	if a.duration > 0 {
		t = math.Min(1, float64(elapsed)/float64(a.duration))
	}
	factor := math.Max(ArenaMinShrink, 1-(1-ArenaMinShrink)*t)
	if factor >= a.shrink {
		return false
	}
	w := math.Max(ArenaMinWidth, a.baseWidth*factor)
	h := math.Max(ArenaMinHeight, a.baseHeight*factor)
	a.shrink = factor
	changed := w < a.width || h < a.height
	a.width = math.Min(a.width, w)
	a.height = math.Min(a.height, h)
	return changed
}

// Bounds returns the current width and height
func (a *ArenaController) Bounds() (float64, float64) {
	return a.width, a.height
}

// ShrinkFactor returns the current shrink factor in [0.5, 1]
func (a *ArenaController) ShrinkFactor() float64 {
	return a.shrink
}

// SpawnLayout places n participants on concentric rings around the arena centre,
// facing inward. Each slot is jittered and re-drawn until it keeps the minimum
// separation from the slots already placed.
func SpawnLayout(n int, width, height float64, rng *rand.Rand) []Spawn {
	if n <= 0 {
		return nil
	}
	center := mgl64.Vec2{width / 2, height / 2}
	maxR := math.Min(width, height)/2 - SpawnWallMargin
	if maxR < SpawnMinSeparation {
		maxR = math.Min(width, height) / 2 * 0.8
	}

	rings := 1
	switch {
	case n > 20:
		rings = 3
	case n > 8:
		rings = 2
	}
	radii := make([]float64, rings)
	total := 0.0
	for i := range radii {
		radii[i] = maxR * float64(rings-i) / float64(rings)
		total += radii[i]
	}

	// share slots by circumference, outermost ring first
	counts := make([]int, rings)
	left := n
	for i := range counts {
		if i == rings-1 {
			counts[i] = left
			break
		}
		c := int(math.Round(float64(n) * radii[i] / total))
		if c > left {
			c = left
		}
		counts[i] = c
		left -= c
	}

	minSep := SpawnMinSeparation
	for i, c := range counts {
		if c > 1 {
			chord := 2 * radii[i] * math.Sin(math.Pi/float64(c))
			minSep = math.Min(minSep, chord*0.8)
		}
	}

	spawns := make([]Spawn, 0, n)
	offset := rng.Float64() * 2 * math.Pi
	for i, c := range counts {
		for k := 0; k < c; k++ {
			angle := offset + 2*math.Pi*float64(k)/float64(c) + float64(i)*math.Pi/float64(max(c, 1))
			slot := center.Add(FromAngle(angle).Mul(radii[i]))
			if c == 1 && rings == 1 {
				slot = center
			}
			pos := slot
			for try := 0; try < SpawnAttempts; try++ {
				cand := slot.Add(mgl64.Vec2{(rng.Float64()*2 - 1) * SpawnJitter, (rng.Float64()*2 - 1) * SpawnJitter})
				cand = mgl64.Vec2{Clamp(cand.X(), 0, width), Clamp(cand.Y(), 0, height)}
				if separated(cand, spawns, minSep) {
					pos = cand
					break
				}
			}
			heading := Heading(center.Sub(pos), angle+math.Pi)
			spawns = append(spawns, Spawn{Pos: pos, Heading: heading})
		}
	}
	return spawns
}

func separated(p mgl64.Vec2, placed []Spawn, minSep float64) bool {
	for _, s := range placed {
		if DistanceSq(p, s.Pos) < minSep*minSep {
			return false
		}
	}
	return true
}
