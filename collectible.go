package main

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/go-gl/mathgl/mgl64"
)

const (
	CollectibleRadius       = 14.0
	CollectibleEnergy       = 25.0 // boost energy granted on pickup
	CollectibleLifetime     = 30 * time.Second
	CollectibleEdgeMargin   = 50.0
	CollectibleBase         = 10
	CollectiblePerPlayer    = 2
	CollectibleCap          = 48
	CollectibleSpawnPerTick = 2
	CollectibleKindDNA      = "dna"
)

// Collectible is a pickup that refills boost energy
type Collectible struct {
	ID        string
	Kind      string
	Pos       mgl64.Vec2
	SpawnedAt time.Time
}

// NewCollectible spawns a collectible at a random position away from the edges
func NewCollectible(id string, rng *rand.Rand, width, height float64, now time.Time) *Collectible {
	return &Collectible{
		ID:        id,
		Kind:      CollectibleKindDNA,
		Pos:       mgl64.Vec2{
			CollectibleEdgeMargin + rng.Float64()*(width-2*CollectibleEdgeMargin),
			CollectibleEdgeMargin + rng.Float64()*(height-2*CollectibleEdgeMargin),
		},
		SpawnedAt: now,
	}
}

// ToState converts to the snapshot representation
func (c *Collectible) ToState() CollectibleState {
	return CollectibleState{
		ID:   c.ID,
		Kind: c.Kind,
		X:    round1(c.Pos.X()),
		Y:    round1(c.Pos.Y()),
	}
}

// CollectibleTarget is how many collectibles a round keeps on the field
func CollectibleTarget(players int) int {
	return min(CollectibleCap, CollectibleBase+CollectiblePerPlayer*players)
}

// CollectibleField holds the live collectibles of a round in spawn order
type CollectibleField struct {
	items *orderedmap.OrderedMap[string, *Collectible]
	rng   *rand.Rand
	seq   int

	grid *SpatialGrid // pickup broad phase, sized on first Collect
	buf  []EntityRef
}

// NewCollectibleField creates an empty field
func NewCollectibleField(rng *rand.Rand) *CollectibleField {
	return &CollectibleField{
		items: orderedmap.NewOrderedMap[string, *Collectible](),
		rng:   rng,
	}
}

// Len returns the number of live collectibles
func (f *CollectibleField) Len() int {
	return f.items.Len()
}

// List returns the live collectibles in spawn order
func (f *CollectibleField) List() []*Collectible {
	out := make([]*Collectible, 0, f.items.Len())
	for el := f.items.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Add places a collectible on the field
func (f *CollectibleField) Add(c *Collectible) {
	f.items.Set(c.ID, c)
}

// Update expires old collectibles, drops those outside the bounds and spawns
// up to target, a few per call
func (f *CollectibleField) Update(now time.Time, width, height float64, target int) {
	var gone []string
	for el := f.items.Front(); el != nil; el = el.Next() {
		c := el.Value
		if now.Sub(c.SpawnedAt) >= CollectibleLifetime || c.Pos.X() > width || c.Pos.Y() > height {
			gone = append(gone, el.Key)
		}
	}
	for _, id := range gone {
		f.items.Delete(id)
	}
	for i := 0; i < CollectibleSpawnPerTick && f.items.Len() < target; i++ {
		f.seq++
		f.Add(NewCollectible("c"+strconv.Itoa(f.seq), f.rng, width, height, now))
	}
}

// Collect removes every collectible a living participant touches and credits
// its boost energy. Participants are served in order, so the earlier one wins
// a shared pickup. It returns the number picked up.
func (f *CollectibleField) Collect(participants []*Participant, width, height float64) int {
	if f.items.Len() == 0 {
		return 0
	}
	if f.grid == nil {
		f.grid = NewSpatialGrid(width, height)
	}
	list := f.List()
	f.grid.Clear()
	for i, c := range list {
		f.grid.InsertCircle(c.Pos.X(), c.Pos.Y(), CollectibleRadius, EntityRef{Kind: 'c', Idx: i})
	}

	taken := make(map[int]bool)
	for _, p := range participants {
		if !p.Alive {
			continue
		}
		f.buf = f.grid.QueryBuf(p.Pos.X(), p.Pos.Y(), ParticipantRadius, f.buf[:0])
		for _, ref := range f.buf {
			if taken[ref.Idx] {
				continue
			}
			c := list[ref.Idx]
			if CheckCollision(p.Pos.X(), p.Pos.Y(), ParticipantRadius, c.Pos.X(), c.Pos.Y(), CollectibleRadius) {
				p.AddBoostEnergy(CollectibleEnergy)
				taken[ref.Idx] = true
			}
		}
	}
	for i := range taken {
		f.items.Delete(list[i].ID)
	}
	return len(taken)
}
