package main

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestGenerateIDLength(t *testing.T) {
	id := GenerateID(4)
	if len(id) != 8 { // 4 bytes = 8 hex chars
		t.Errorf("expected 8 chars, got %d: %s", len(id), id)
	}

	id2 := GenerateID(8)
	if len(id2) != 16 {
		t.Errorf("expected 16 chars, got %d: %s", len(id2), id2)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		v, min, max, want float64
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{15, 0, 10, 10},
		{0, 0, 10, 0},
		{10, 0, 10, 10},
	}
	for _, tt := range tests {
		got := Clamp(tt.v, tt.min, tt.max)
		if got != tt.want {
			t.Errorf("Clamp(%f, %f, %f) = %f, want %f", tt.v, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestDistanceSq(t *testing.T) {
	if d := DistanceSq(mgl64.Vec2{0, 0}, mgl64.Vec2{3, 4}); d != 25 {
		t.Errorf("DistanceSq = %f, want 25", d)
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct {
		input, wantApprox float64
	}{
		{0, 0},
		{3.14159, 3.14159},
		{-3.14159, -3.14159},
		{7, 7 - 2*3.14159265358979},
	}
	for _, tt := range tests {
		got := NormalizeAngle(tt.input)
		diff := got - tt.wantApprox
		if diff > 0.01 || diff < -0.01 {
			t.Errorf("NormalizeAngle(%f) = %f, want ~%f", tt.input, got, tt.wantApprox)
		}
	}
}

func TestHeadingFallback(t *testing.T) {
	if got := Heading(mgl64.Vec2{}, 1.5); got != 1.5 {
		t.Errorf("zero vector must keep the fallback, got %f", got)
	}
	if got := Heading(mgl64.Vec2{0, 2}, 0); math.Abs(got-math.Pi/2) > 1e-9 {
		t.Errorf("expected pi/2, got %f", got)
	}
}

func TestRoundIDIsUUID(t *testing.T) {
	if id := NewRoundID(); !uuidRegex.MatchString(id) {
		t.Errorf("expected a v4 uuid, got %q", id)
	}
}
