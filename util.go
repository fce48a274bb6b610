package main

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Clock is the time source handed to every component that needs wall time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the real wall clock
var SystemClock Clock = systemClock{}

// GenerateID returns a random hex string of the given byte length
func GenerateID(byteLen int) string {
	b := make([]byte, byteLen)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewRoundID returns a fresh round identifier
func NewRoundID() string {
	return uuid.NewString()
}

// Clamp restricts v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DistanceSq returns the squared distance between two points
func DistanceSq(a, b mgl64.Vec2) float64 {
	d := b.Sub(a)
	return d.Dot(d)
}

// NormalizeAngle wraps angle to [-PI, PI]
func NormalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// FromAngle returns the unit vector pointing along angle a
func FromAngle(a float64) mgl64.Vec2 {
	return mgl64.Vec2{math.Cos(a), math.Sin(a)}
}

// Heading returns the angle of v, or fallback for the zero vector
func Heading(v mgl64.Vec2, fallback float64) float64 {
	if v.X() == 0 && v.Y() == 0 {
		return fallback
	}
	return math.Atan2(v.Y(), v.X())
}

func finite(v mgl64.Vec2) bool {
	return !math.IsNaN(v.X()) && !math.IsNaN(v.Y()) && !math.IsInf(v.X(), 0) && !math.IsInf(v.Y(), 0)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
