package main

import (
	"context"
	"errors"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyQueued = errors.New("already queued")
	ErrInvalidTier   = errors.New("invalid entry tier")
)

// LobbyStatus is waiting until a countdown opens, then starting
type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyStarting LobbyStatus = "starting"
)

const DefaultLobbyTick = 250 * time.Millisecond

// Lobby is a queue of participants waiting for a round
type Lobby struct {
	ID                 string
	Mode               GameMode
	Tier               int
	Players            []string // queue order
	MaxPlayers         int
	Status             LobbyStatus
	CreatedAt          time.Time
	CountdownStartedAt time.Time
	StartAt            time.Time
	Deadline           time.Time // max-wait: start with whoever is here
	RetryAt            time.Time // earliest next countdown after a failed one
}

// LobbyView is the wire form of a lobby
type LobbyView struct {
	ID         string      `json:"id"`
	Mode       GameMode    `json:"mode"`
	Tier       int         `json:"tier"`
	Players    []string    `json:"players"`
	MaxPlayers int         `json:"max"`
	MinPlayers int         `json:"min"`
	Status     LobbyStatus `json:"status"`
	StartAt    int64       `json:"startAt,omitempty"` // unix ms
}

// LobbyStart is what a lobby hands over when its countdown completes
type LobbyStart struct {
	LobbyID string
	Mode    GameMode
	Tier    int
	Players []string
}

// RoundStarter turns a completed lobby into a running round
type RoundStarter interface {
	StartRound(s LobbyStart) (string, error)
}

// LobbySettings are the queue rules shared by every lobby
type LobbySettings struct {
	Practice   ModeConfig
	Tournament ModeConfig
	Surge      []SurgeRule // sorted by AfterSec
	MaxWait    time.Duration
	Retry      time.Duration
	Tiers      []int
}

// NewLobbySettings extracts the lobby rules from cfg
func NewLobbySettings(cfg Config, log logrus.FieldLogger) LobbySettings {
	rules, err := ParseSurgeRules(cfg.Lobby.SurgeRules)
	if err != nil {
		log.WithError(err).Warn("surge rules ignored")
		rules = nil
	}
	return LobbySettings{
		Practice:   cfg.Practice,
		Tournament: cfg.Tournament,
		Surge:      rules,
		MaxWait:    time.Duration(cfg.Lobby.MaxWaitSec) * time.Second,
		Retry:      time.Duration(cfg.Lobby.RetrySec) * time.Second,
		Tiers:      cfg.Lobby.EntryTiers,
	}
}

func (s LobbySettings) mode(m GameMode) ModeConfig {
	if m == ModeTournament {
		return s.Tournament
	}
	return s.Practice
}

func (s LobbySettings) validTier(tier int) bool {
	if len(s.Tiers) == 0 {
		return tier >= 0
	}
	for _, t := range s.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// LobbyManager groups queued participants into lobbies and starts rounds from
// them. It is a clock-driven state machine: Tick advances countdowns.
type LobbyManager struct {
	mu       deadlock.Mutex
	settings LobbySettings
	starter  RoundStarter
	bus      *EventBus
	clock    Clock
	log      logrus.FieldLogger
	lobbies  *orderedmap.OrderedMap[string, *Lobby]
	byPlayer map[string]string
}

// NewLobbyManager creates an empty manager
func NewLobbyManager(settings LobbySettings, starter RoundStarter, bus *EventBus, clock Clock, log logrus.FieldLogger) *LobbyManager {
	if clock == nil {
		clock = SystemClock
	}
	return &LobbyManager{
		settings: settings,
		starter:  starter,
		bus:      bus,
		clock:    clock,
		log:      log.WithField("component", "lobby"),
		lobbies:  orderedmap.NewOrderedMap[string, *Lobby](),
		byPlayer: make(map[string]string),
	}
}

// MinPlayers is the start threshold of l at now. Practice lobbies need one
// participant; otherwise every surge rule whose wait has elapsed may lower
// the mode minimum.
func (m *LobbyManager) MinPlayers(l *Lobby, now time.Time) int {
	if l.Mode == ModePractice {
		return 1
	}
	need := m.settings.mode(l.Mode).MinPlayers
	waited := now.Sub(l.CreatedAt)
	for _, r := range m.settings.Surge {
		if waited >= time.Duration(r.AfterSec)*time.Second && r.MinPlayers < need {
			need = r.MinPlayers
		}
	}
	if need < 1 {
		need = 1
	}
	return need
}

// surgeActive reports whether any surge rule has kicked in for l
func (m *LobbyManager) surgeActive(l *Lobby, now time.Time) bool {
	if len(m.settings.Surge) == 0 {
		return false
	}
	return now.Sub(l.CreatedAt) >= time.Duration(m.settings.Surge[0].AfterSec)*time.Second
}

// Join queues playerID for a round of the given mode and tier
func (m *LobbyManager) Join(playerID string, mode GameMode, tier int) (LobbyView, error) {
	if mode != ModeTournament {
		mode = ModePractice
	}
	if !m.settings.validTier(tier) {
		return LobbyView{}, ErrInvalidTier
	}

	m.mu.Lock()
	if _, ok := m.byPlayer[playerID]; ok {
		m.mu.Unlock()
		return LobbyView{}, ErrAlreadyQueued
	}
	now := m.clock.Now()
	l := m.findOpen(mode, tier)
	if l == nil {
		l = m.create(mode, tier, now)
	}
	l.Players = append(l.Players, playerID)
	m.byPlayer[playerID] = l.ID
	m.log.WithFields(logrus.Fields{"lobby": l.ID, "player": playerID, "count": len(l.Players)}).Info("joined lobby")

	var starts []LobbyStart
	if len(l.Players) >= l.MaxPlayers {
		starts = append(starts, m.take(l))
	} else {
		m.evaluate(l, now)
	}
	view := m.view(l, now)
	m.mu.Unlock()

	m.publish(LobbyUpdateEvent{Lobby: view})
	m.launch(starts)
	return view, nil
}

// Leave removes playerID from its lobby. Leaving during a countdown drops the
// lobby back to waiting when it no longer meets its minimum.
func (m *LobbyManager) Leave(playerID string) bool {
	m.mu.Lock()
	id, ok := m.byPlayer[playerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byPlayer, playerID)
	l, ok := m.lobbies.Get(id)
	if !ok {
		m.mu.Unlock()
		return true
	}
	for i, p := range l.Players {
		if p == playerID {
			l.Players = append(l.Players[:i], l.Players[i+1:]...)
			break
		}
	}

	now := m.clock.Now()
	if humans(l.Players) == 0 {
		m.reclaim(l)
		m.mu.Unlock()
		return true
	}
	if l.Status == LobbyStarting && len(l.Players) < m.MinPlayers(l, now) {
		m.resetCountdown(l)
		m.log.WithField("lobby", l.ID).Info("countdown reset after leave")
	}
	view := m.view(l, now)
	m.mu.Unlock()

	m.publish(LobbyUpdateEvent{Lobby: view})
	return true
}

// Tick opens and completes countdowns that are due at now
func (m *LobbyManager) Tick(now time.Time) {
	m.mu.Lock()
	var (
		starts  []LobbyStart
		updates []LobbyView
	)
	var open []*Lobby
	for el := m.lobbies.Front(); el != nil; el = el.Next() {
		open = append(open, el.Value)
	}
	for _, l := range open {
		switch l.Status {
		case LobbyWaiting:
			if m.evaluate(l, now) {
				updates = append(updates, m.view(l, now))
			}
		case LobbyStarting:
			if now.Before(l.StartAt) {
				continue
			}
			if s, ok := m.expire(l, now); ok {
				starts = append(starts, s)
			} else {
				updates = append(updates, m.view(l, now))
			}
		}
	}
	m.mu.Unlock()

	for _, v := range updates {
		m.publish(LobbyUpdateEvent{Lobby: v})
	}
	m.launch(starts)
}

// Run calls Tick every interval until ctx is done
func (m *LobbyManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLobbyTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.clock.Now())
		}
	}
}

// ForPlayer returns the lobby playerID is queued in
func (m *LobbyManager) ForPlayer(playerID string) (LobbyView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPlayer[playerID]
	if !ok {
		return LobbyView{}, false
	}
	l, ok := m.lobbies.Get(id)
	if !ok {
		return LobbyView{}, false
	}
	return m.view(l, m.clock.Now()), true
}

// List returns every open lobby in creation order
func (m *LobbyManager) List() []LobbyView {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	out := make([]LobbyView, 0, m.lobbies.Len())
	for el := m.lobbies.Front(); el != nil; el = el.Next() {
		out = append(out, m.view(el.Value, now))
	}
	return out
}

// Len returns the number of open lobbies
func (m *LobbyManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lobbies.Len()
}

func (m *LobbyManager) findOpen(mode GameMode, tier int) *Lobby {
	for el := m.lobbies.Front(); el != nil; el = el.Next() {
		l := el.Value
		if l.Mode == mode && l.Tier == tier && len(l.Players) < l.MaxPlayers {
			return l
		}
	}
	return nil
}

func (m *LobbyManager) create(mode GameMode, tier int, now time.Time) *Lobby {
	l := &Lobby{
		ID:         uuid.NewString(),
		Mode:       mode,
		Tier:       tier,
		MaxPlayers: m.settings.mode(mode).MaxPlayers,
		Status:     LobbyWaiting,
		CreatedAt:  now,
		Deadline:   now.Add(m.settings.MaxWait),
	}
	m.lobbies.Set(l.ID, l)
	m.log.WithFields(logrus.Fields{"lobby": l.ID, "mode": mode, "tier": tier}).Debug("lobby created")
	return l
}

// evaluate opens a countdown on a waiting lobby when it meets its minimum, or
// as a last call once a surge rule has kicked in or the max wait is over. It
// reports whether l changed.
func (m *LobbyManager) evaluate(l *Lobby, now time.Time) bool {
	if l.Status != LobbyWaiting || len(l.Players) == 0 || now.Before(l.RetryAt) {
		return false
	}
	pastDeadline := !now.Before(l.Deadline) && len(l.Players) >= 2
	if len(l.Players) < m.MinPlayers(l, now) && !m.surgeActive(l, now) && !pastDeadline {
		return false
	}
	l.Status = LobbyStarting
	l.CountdownStartedAt = now
	l.StartAt = now.Add(time.Duration(m.settings.mode(l.Mode).CountdownSec) * time.Second)
	m.log.WithFields(logrus.Fields{"lobby": l.ID, "players": len(l.Players)}).Info("countdown started")
	m.publish(LobbyCountdownEvent{LobbyID: l.ID, Players: append([]string(nil), l.Players...), StartAt: l.StartAt})
	return true
}

// expire completes a countdown. The lobby starts when it meets its minimum,
// when bots may fill it, or when the max-wait deadline has passed with at
// least two participants; otherwise it waits again.
func (m *LobbyManager) expire(l *Lobby, now time.Time) (LobbyStart, bool) {
	mc := m.settings.mode(l.Mode)
	switch {
	case len(l.Players) >= m.MinPlayers(l, now):
		m.fillBots(l, mc.BotFill)
		return m.take(l), true
	case mc.BotFill > 0:
		m.fillBots(l, mc.BotFill)
		return m.take(l), true
	case !now.Before(l.Deadline) && len(l.Players) >= 2:
		return m.take(l), true
	}
	m.resetCountdown(l)
	l.RetryAt = now.Add(m.settings.Retry)
	m.log.WithFields(logrus.Fields{"lobby": l.ID, "players": len(l.Players)}).Info("countdown lapsed, waiting")
	return LobbyStart{}, false
}

func (m *LobbyManager) fillBots(l *Lobby, target int) {
	if target > l.MaxPlayers {
		target = l.MaxPlayers
	}
	for len(l.Players) < target {
		l.Players = append(l.Players, BotIDPrefix+GenerateID(4))
	}
}

func (m *LobbyManager) resetCountdown(l *Lobby) {
	l.Status = LobbyWaiting
	l.CountdownStartedAt = time.Time{}
	l.StartAt = time.Time{}
}

// take removes l and its players from the manager
func (m *LobbyManager) take(l *Lobby) LobbyStart {
	m.lobbies.Delete(l.ID)
	for _, p := range l.Players {
		delete(m.byPlayer, p)
	}
	return LobbyStart{LobbyID: l.ID, Mode: l.Mode, Tier: l.Tier, Players: append([]string(nil), l.Players...)}
}

func (m *LobbyManager) reclaim(l *Lobby) {
	for _, p := range l.Players {
		delete(m.byPlayer, p)
	}
	m.lobbies.Delete(l.ID)
	m.log.WithField("lobby", l.ID).Debug("empty lobby reclaimed")
}

// launch hands completed lobbies to the round starter outside the lock.
// Humans of a lobby whose round could not start are queued again.
func (m *LobbyManager) launch(starts []LobbyStart) {
	for _, s := range starts {
		if m.starter == nil {
			continue
		}
		roundID, err := m.starter.StartRound(s)
		if err != nil {
			m.log.WithError(err).WithField("lobby", s.LobbyID).Error("round start failed, requeueing")
			for _, p := range s.Players {
				if IsBotID(p) {
					continue
				}
				if _, err := m.Join(p, s.Mode, s.Tier); err != nil {
					m.log.WithError(err).WithFields(logrus.Fields{"lobby": s.LobbyID, "player": p}).Warn("requeue failed, player dropped")
				}
			}
			continue
		}
		m.publish(LobbyStartEvent{LobbyID: s.LobbyID, RoundID: roundID, Players: s.Players})
	}
}

func (m *LobbyManager) view(l *Lobby, now time.Time) LobbyView {
	v := LobbyView{
		ID:         l.ID,
		Mode:       l.Mode,
		Tier:       l.Tier,
		Players:    append([]string(nil), l.Players...),
		MaxPlayers: l.MaxPlayers,
		MinPlayers: m.MinPlayers(l, now),
		Status:     l.Status,
	}
	if l.Status == LobbyStarting {
		v.StartAt = l.StartAt.UnixMilli()
	}
	return v
}

func (m *LobbyManager) publish(e Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

func humans(ids []string) int {
	n := 0
	for _, id := range ids {
		if !IsBotID(id) {
			n++
		}
	}
	return n
}
