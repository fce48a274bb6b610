package main

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestArenaSizeScaling(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		players int
		scale   float64
	}{
		{1, 1},
		{8, 1},
		{16, math.Sqrt(2)},
		{32, ArenaMaxScale},
		{64, ArenaMaxScale},
	}
	for _, tt := range tests {
		w, h := ArenaSize(cfg.Practice, tt.players)
		if math.Abs(w-WorldWidth*tt.scale) > 1e-6 || math.Abs(h-WorldHeight*tt.scale) > 1e-6 {
			t.Errorf("players=%d: expected %.1fx%.1f, got %.1fx%.1f", tt.players, WorldWidth*tt.scale, WorldHeight*tt.scale, w, h)
		}
	}

	pw, _ := ArenaSize(cfg.Practice, 8)
	tw, _ := ArenaSize(cfg.Tournament, 8)
	if tw <= pw {
		t.Errorf("tournament arena should carry a larger margin: %f <= %f", tw, pw)
	}
}

func TestArenaShrink(t *testing.T) {
	cfg := DefaultConfig()
	mode := cfg.Practice
	a := NewArenaController(mode, 8)
	a.Start(testEpoch)

	if a.Update(testEpoch.Add(5 * time.Second)) {
		t.Error("arena must not shrink before the shrink start")
	}
	if a.ShrinkFactor() != 1 {
		t.Errorf("expected factor 1, got %f", a.ShrinkFactor())
	}

	mid := testEpoch.Add(time.Duration((mode.ShrinkStartSec + mode.ShrinkDurationSec/2) * float64(time.Second)))
	if !a.Update(mid) {
		t.Error("expected bounds to change halfway through the shrink")
	}
	if math.Abs(a.ShrinkFactor()-0.75) > 1e-9 {
		t.Errorf("expected factor 0.75, got %f", a.ShrinkFactor())
	}

	a.Update(testEpoch.Add(10 * time.Minute))
	if a.ShrinkFactor() != ArenaMinShrink {
		t.Errorf("expected factor %f at the end, got %f", ArenaMinShrink, a.ShrinkFactor())
	}
	w, h := a.Bounds()
	if w != WorldWidth*0.5 || h != WorldHeight*0.5 {
		t.Errorf("expected half-size arena, got %fx%f", w, h)
	}
}

func TestArenaBoundsNonIncreasingWithFloor(t *testing.T) {
	mode := DefaultConfig().Practice
	mode.BaseWidth, mode.BaseHeight = 1000, 800
	a := NewArenaController(mode, 2)
	a.Start(testEpoch)

	prevW, prevH := a.Bounds()
	for s := 0; s < 120; s++ {
		a.Update(testEpoch.Add(time.Duration(s) * time.Second))
		w, h := a.Bounds()
		if w > prevW || h > prevH {
			t.Fatalf("bounds grew at %ds: %fx%f -> %fx%f", s, prevW, prevH, w, h)
		}
		if w < ArenaMinWidth || h < ArenaMinHeight {
			t.Fatalf("bounds below floor at %ds: %fx%f", s, w, h)
		}
		prevW, prevH = w, h
	}
}

func TestSpawnLayoutSeparationAndFacing(t *testing.T) {
	mode := DefaultConfig().Practice
	for _, n := range []int{2, 5, 8, 12, 16, 24, 32} {
		w, h := ArenaSize(mode, n)
		spawns := SpawnLayout(n, w, h, rand.New(rand.NewSource(int64(n))))
		if len(spawns) != n {
			t.Fatalf("n=%d: expected %d spawns, got %d", n, n, len(spawns))
		}
		center := [2]float64{w / 2, h / 2}
		for i, s := range spawns {
			if s.Pos.X() < 0 || s.Pos.X() > w || s.Pos.Y() < 0 || s.Pos.Y() > h {
				t.Errorf("n=%d: spawn %d out of bounds: %v", n, i, s.Pos)
			}
			toCenter := FromAngle(s.Heading)
			dx, dy := center[0]-s.Pos.X(), center[1]-s.Pos.Y()
			if toCenter.X()*dx+toCenter.Y()*dy <= 0 {
				t.Errorf("n=%d: spawn %d does not face the centre", n, i)
			}
			for j := i + 1; j < n; j++ {
				if d := spawns[j].Pos.Sub(s.Pos).Len(); d < SpawnMinSeparation {
					t.Errorf("n=%d: spawns %d and %d only %.1f apart", n, i, j, d)
				}
			}
		}
	}
}

func TestSpawnLayoutSingle(t *testing.T) {
	spawns := SpawnLayout(1, WorldWidth, WorldHeight, rand.New(rand.NewSource(1)))
	if len(spawns) != 1 {
		t.Fatalf("expected one spawn, got %d", len(spawns))
	}
	if SpawnLayout(0, WorldWidth, WorldHeight, rand.New(rand.NewSource(1))) != nil {
		t.Error("expected no spawns for an empty round")
	}
}
