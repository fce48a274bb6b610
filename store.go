package main

import (
	"errors"

	"github.com/elliotchance/orderedmap/v2"
)

var (
	ErrDuplicateParticipant = errors.New("participant already in round")
	ErrUnknownParticipant   = errors.New("unknown participant")
)

// EntityStore owns the participants of one round. Iteration follows spawn order
// so every tick visits entities in the same sequence.
type EntityStore struct {
	m *orderedmap.OrderedMap[string, *Participant]
}

// NewEntityStore creates an empty store
func NewEntityStore() *EntityStore {
	return &EntityStore{m: orderedmap.NewOrderedMap[string, *Participant]()}
}

// Spawn adds a participant
func (s *EntityStore) Spawn(p *Participant) error {
	if _, ok := s.m.Get(p.ID); ok {
		return ErrDuplicateParticipant
	}
	s.m.Set(p.ID, p)
	return nil
}

// Remove deletes a participant, reporting whether it was present
func (s *EntityStore) Remove(id string) bool {
	return s.m.Delete(id)
}

// Get looks up a participant by id
func (s *EntityStore) Get(id string) (*Participant, bool) {
	return s.m.Get(id)
}

// Len returns the number of participants, living or not
func (s *EntityStore) Len() int {
	return s.m.Len()
}

// Each visits every participant in spawn order
func (s *EntityStore) Each(fn func(*Participant)) {
	for el := s.m.Front(); el != nil; el = el.Next() {
		fn(el.Value)
	}
}

// All returns the participants in spawn order
func (s *EntityStore) All() []*Participant {
	out := make([]*Participant, 0, s.m.Len())
	for el := s.m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// AliveCount returns how many participants are still alive
func (s *EntityStore) AliveCount() int {
	n := 0
	for el := s.m.Front(); el != nil; el = el.Next() {
		if el.Value.Alive {
			n++
		}
	}
	return n
}

// LastAlive returns the single survivor, if exactly one remains
func (s *EntityStore) LastAlive() (*Participant, bool) {
	var last *Participant
	for el := s.m.Front(); el != nil; el = el.Next() {
		if el.Value.Alive {
			if last != nil {
				return nil, false
			}
			last = el.Value
		}
	}
	return last, last != nil
}
