package main

import "encoding/json"

// Client -> Server message types
const (
	MsgHello = "hello" // guest login or resume
	MsgQueue = "queue" // join a lobby
	MsgLeave = "leave" // leave lobby or round
	MsgInput = "input"
	MsgPong  = "pong"
)

// Server -> Client message types
const (
	MsgWelcome     = "welcome"
	MsgLobby       = "lobby"
	MsgCountdown   = "countdown"
	MsgStart       = "start"
	MsgState       = "state" // JSON fallback; binary frames carry the same snapshot
	MsgElimination = "elim"
	MsgRoundEnd    = "end"
	MsgSettlement  = "settle"
	MsgPing        = "ping"
	MsgError       = "error"
)

// Envelope wraps all outgoing messages with a type field
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids double-unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// HelloMsg asks for a guest identity, or resumes one with a token
type HelloMsg struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

// QueueMsg asks to join a lobby
type QueueMsg struct {
	Tier int    `json:"tier"`
	Mode string `json:"mode"`
}

// ClientInput is the control state sent by the client
type ClientInput struct {
	TX         float64 `json:"tx"` // target X (world coords)
	TY         float64 `json:"ty"` // target Y (world coords)
	Accelerate bool    `json:"acc"`
	Boost      bool    `json:"boost,omitempty"`
}

// PongMsg answers a ping
type PongMsg struct {
	ID uint64 `json:"id"`
}

// WelcomeMsg confirms the guest identity
type WelcomeMsg struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
	Round string `json:"round,omitempty"` // set when resuming into a running round
}

// PingMsg carries a latency probe
type PingMsg struct {
	ID uint64 `json:"id"`
	TS int64  `json:"ts"`
}

// ErrorMsg reports a rejected request
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// TrailPointState is one trail point on the wire
type TrailPointState struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	E int64   `json:"e"` // expiry, unix ms
}

// ParticipantState is broadcast per participant each snapshot
type ParticipantState struct {
	ID      string            `json:"id"`
	Name    string            `json:"n"`
	X       float64           `json:"x"`
	Y       float64           `json:"y"`
	VX      float64           `json:"vx"`
	VY      float64           `json:"vy"`
	Heading float64           `json:"h"`
	Alive   bool              `json:"a"`
	Bot     bool              `json:"bot,omitempty"`
	Boost   bool              `json:"b,omitempty"`
	Energy  float64           `json:"en"`
	Kills   int               `json:"k,omitempty"`
	Trail   []TrailPointState `json:"tr"`
}

// CollectibleState is one collectible on the wire
type CollectibleState struct {
	ID   string  `json:"id"`
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Snapshot is the full round state emitted after each tick
type Snapshot struct {
	RoundID      string             `json:"rid"`
	Tick         uint64             `json:"tick"`
	Status       RoundStatus        `json:"st"`
	Width        float64            `json:"w"`
	Height       float64            `json:"hgt"`
	Shrink       float64            `json:"sf"`
	Alive        int                `json:"alive"`
	WinnerID     string             `json:"win,omitempty"`
	Participants []ParticipantState `json:"p"`
	Collectibles []CollectibleState `json:"c"`
	TS           int64              `json:"ts"`
}

// EliminationMsg is the wire form of an elimination
type EliminationMsg struct {
	VictimID string     `json:"victim"`
	KillerID string     `json:"killer,omitempty"`
	HitX     float64    `json:"hx"`
	HitY     float64    `json:"hy"`
	Segment  [4]float64 `json:"seg,omitempty"`
}

// RoundEndMsg is the wire form of a round end
type RoundEndMsg struct {
	RoundID  string  `json:"rid"`
	WinnerID string  `json:"winner,omitempty"`
	Draw     bool    `json:"draw,omitempty"`
	Prize    float64 `json:"prize"`
}

// LobbyMsg is sent to lobby members on every membership change
type LobbyMsg struct {
	Lobby LobbyView `json:"lobby"`
}

// CountdownMsg announces when the round will start
type CountdownMsg struct {
	LobbyID string `json:"lid"`
	StartAt int64  `json:"startAt"`
}

// StartMsg tells lobby members which round they were placed in
type StartMsg struct {
	RoundID string   `json:"rid"`
	Players []string `json:"players"`
}

// SettlementMsg reports the payout outcome to the winner
type SettlementMsg struct {
	RoundID string  `json:"rid"`
	Status  string  `json:"status"`
	Amount  float64 `json:"amount"`
	Ref     string  `json:"ref,omitempty"`
}

// ToMsg converts an elimination event for the wire
func (e EliminationEvent) ToMsg() EliminationMsg {
	m := EliminationMsg{
		VictimID: e.VictimID,
		KillerID: e.KillerID,
		HitX:     round1(e.Debug.Hit.X()),
		HitY:     round1(e.Debug.Hit.Y()),
	}
	if s := e.Debug.Segment; s != nil {
		m.Segment = [4]float64{round1(s.From.X()), round1(s.From.Y()), round1(s.To.X()), round1(s.To.Y())}
	}
	return m
}
