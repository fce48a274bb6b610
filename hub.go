package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

const (
	maxTotalConns  = 1000
	ReconnectGrace = 10 * time.Second // a dropped player keeps its round seat this long
)

// Hub manages all connected clients, routes them to lobbies and rounds and
// fans round output back out to them
type Hub struct {
	mu         deadlock.RWMutex
	clients    map[*Client]bool
	players    map[string]*Client // player id -> current connection
	names      map[string]string
	graces     map[string]*time.Timer
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once

	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu        sync.Mutex
	ipConns       map[string]int
	totalConns    int
	maxConnsPerIP int

	cfg     Config
	auth    *Auth
	lobbies *LobbyManager
	rounds  *RoundRegistry
	log     logrus.FieldLogger
}

// NewHub creates a Hub. Bind must be called before clients connect.
func NewHub(cfg Config, auth *Auth, log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		players:       make(map[string]*Client),
		names:         make(map[string]string),
		graces:        make(map[string]*time.Timer),
		register:      make(chan *Client, 64),
		unregister:    make(chan *Client, 64),
		done:          make(chan struct{}),
		ipConns:       make(map[string]int),
		maxConnsPerIP: cfg.Server.MaxConnsPerIP,
		cfg:           cfg,
		auth:          auth,
		log:           log.WithField("component", "hub"),
	}
}

// Bind attaches the matchmaking side
func (h *Hub) Bind(lobbies *LobbyManager, rounds *RoundRegistry) {
	h.lobbies = lobbies
	h.rounds = rounds
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= h.maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	h.ipConns[ip]--
	last := h.ipConns[ip] <= 0
	if last {
		delete(h.ipConns, ip)
	}
	h.totalConns--
	h.connMu.Unlock()
	if last && h.auth != nil {
		h.auth.ForgetIP(ip)
	}
}

// Run processes register/unregister events until Stop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			pid := client.PlayerID()
			current := pid != "" && h.players[pid] == client
			if current {
				delete(h.players, pid)
			}
			h.mu.Unlock()
			if current {
				h.disconnected(pid)
			}

		case <-h.done:
			return
		}
	}
}

// Stop ends Run and cancels pending grace timers
func (h *Hub) Stop() {
	h.doneOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	for id, t := range h.graces {
		t.Stop()
		delete(h.graces, id)
	}
	h.mu.Unlock()
}

// Attach binds an identity to a connection, replacing an older connection of
// the same player and cancelling its grace timer
func (h *Hub) Attach(c *Client, playerID, name string) {
	h.mu.Lock()
	old := h.players[playerID]
	h.players[playerID] = c
	h.names[playerID] = name
	if t, ok := h.graces[playerID]; ok {
		t.Stop()
		delete(h.graces, playerID)
	}
	h.mu.Unlock()
	if old != nil && old != c {
		old.Kick("signed in elsewhere")
	}
}

// PlayerName returns the display name of a connected or recently seen player
func (h *Hub) PlayerName(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.names[id]
}

// Client returns the live connection of a player
func (h *Hub) Client(playerID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.players[playerID]
	return c, ok
}

// disconnected drops a player from its lobby at once and from its round after
// the reconnect grace
func (h *Hub) disconnected(pid string) {
	if h.lobbies != nil {
		h.lobbies.Leave(pid)
	}
	if h.rounds == nil {
		return
	}
	if _, ok := h.rounds.RoundForPlayer(pid); !ok {
		h.forget(pid)
		return
	}
	h.mu.Lock()
	h.graces[pid] = time.AfterFunc(ReconnectGrace, func() { h.expireGrace(pid) })
	h.mu.Unlock()
	h.log.WithField("player", pid).Info("disconnected, holding seat")
}

func (h *Hub) expireGrace(pid string) {
	h.mu.Lock()
	if _, ok := h.graces[pid]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.graces, pid)
	_, back := h.players[pid]
	h.mu.Unlock()
	if back {
		return
	}
	h.rounds.Leave(pid)
	h.forget(pid)
	h.log.WithField("player", pid).Info("reconnect grace expired")
}

func (h *Hub) forget(pid string) {
	h.mu.Lock()
	if _, ok := h.players[pid]; !ok {
		delete(h.names, pid)
	}
	h.mu.Unlock()
}

// DeliverSnapshot encodes a snapshot once and queues it to every connected
// participant. Called on the round goroutine; never blocks.
func (h *Hub) DeliverSnapshot(s *Snapshot) {
	if !h.broadcastDue(s) {
		return
	}
	frame, err := EncodeSnapshot(s, h.cfg.Game.CompressSnapshots)
	if err != nil {
		h.log.WithError(err).WithField("round", s.RoundID).Error("encode snapshot")
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(s.Participants))
	for _, p := range s.Participants {
		if c, ok := h.players[p.ID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.SendBinary(frame)
	}
}

// broadcastDue thins the per-tick stream to every BroadcastEvery ticks.
// Snapshots outside the in-progress phase always go out.
func (h *Hub) broadcastDue(s *Snapshot) bool {
	every := uint64(max(h.cfg.Game.BroadcastEvery, 1))
	return s.Status != RoundInProgress || s.Tick%every == 0
}

// HandleEvent is an EventBus listener that forwards lobby and round events
// to the players they concern
func (h *Hub) HandleEvent(e Event) {
	switch ev := e.(type) {
	case LobbyUpdateEvent:
		h.sendTo(ev.Lobby.Players, Envelope{T: MsgLobby, Data: LobbyMsg{Lobby: ev.Lobby}})
	case LobbyCountdownEvent:
		h.sendTo(ev.Players, Envelope{T: MsgCountdown, Data: CountdownMsg{LobbyID: ev.LobbyID, StartAt: ev.StartAt.UnixMilli()}})
	case LobbyStartEvent:
		h.sendTo(ev.Players, Envelope{T: MsgStart, Data: StartMsg{RoundID: ev.RoundID, Players: ev.Players}})
	case EliminationEvent:
		h.sendTo(h.roundMembers(ev.RoundID), Envelope{T: MsgElimination, Data: ev.ToMsg()})
	case RoundEndEvent:
		h.sendTo(ev.Participants, Envelope{T: MsgRoundEnd, Data: RoundEndMsg{
			RoundID:  ev.RoundID,
			WinnerID: ev.WinnerID,
			Draw:     ev.Draw,
			Prize:    ev.Prize,
		}})
	case SettlementEvent:
		rec := ev.Record
		h.sendTo([]string{rec.WinnerID}, Envelope{T: MsgSettlement, Data: SettlementMsg{
			RoundID: rec.RoundID,
			Status:  string(rec.Status),
			Amount:  rec.Amount,
			Ref:     rec.Ref,
		}})
	}
}

func (h *Hub) roundMembers(roundID string) []string {
	if h.rounds == nil {
		return nil
	}
	r, ok := h.rounds.Get(roundID)
	if !ok {
		return nil
	}
	s := r.Snapshot()
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (h *Hub) sendTo(ids []string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.WithError(err).WithField("type", env.T).Error("marshal")
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.players[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.SendRaw(data)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
