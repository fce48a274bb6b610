package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	keepalivePeriod   = (pongWait * 9) / 10
	maxMessageSize    = 4096
	sendBufSize       = 256
	maxMessagesPerSec = 20 // non-input messages
	binaryInputLen    = 6
	binaryInputTag    = 0x01
)

// Client represents a WebSocket connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	log        logrus.FieldLogger
	inputs     *rate.Limiter
	messages   *rate.Limiter

	mu       sync.RWMutex
	playerID string
	name     string
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	perSec := hub.cfg.Game.InputsPerSecond
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		remoteAddr: remoteAddr,
		log:        hub.log.WithField("ip", remoteAddr),
		inputs:     rate.NewLimiter(rate.Limit(perSec), perSec/4+1),
		messages:   rate.NewLimiter(maxMessagesPerSec, 2*maxMessagesPerSec),
	}
}

// PlayerID returns the identity bound by hello, or ""
func (c *Client) PlayerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

func (c *Client) setIdentity(id, name string) {
	c.mu.Lock()
	c.playerID, c.name = id, name
	c.mu.Unlock()
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if len(appData) == 8 {
			c.handlePong(binary.BigEndian.Uint64([]byte(appData)))
		}
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("ws read")
			}
			break
		}

		// Binary input: [0x01, tx_hi, tx_lo, ty_hi, ty_lo, flags]
		if msgType == websocket.BinaryMessage && len(message) == binaryInputLen && message[0] == binaryInputTag {
			if c.inputs.Allow() {
				c.handleBinaryInput(message)
			}
			continue
		}
		if !c.handleMessage(message) {
			c.log.Warn("rate limit exceeded, disconnecting")
			break
		}
	}
}

// WritePump writes queued messages and, while the player is in a round,
// issues latency probes as websocket pings carrying the probe id
func (c *Client) WritePump() {
	ticker := time.NewTicker(PingInterval)
	lastPing := time.Now()
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Check for binary marker (0xFF prefix from SendBinary)
			var err error
			if len(message) > 0 && message[0] == 0xFF {
				err = c.conn.WriteMessage(websocket.BinaryMessage, message[1:])
			} else {
				err = c.conn.WriteMessage(websocket.TextMessage, message)
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			var payload []byte
			if ping, ok := c.nextProbe(); ok {
				payload = make([]byte, 8)
				binary.BigEndian.PutUint64(payload, ping.ID)
			} else if time.Since(lastPing) < keepalivePeriod {
				continue
			}
			lastPing = time.Now()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, payload); err != nil {
				return
			}
		}
	}
}

func (c *Client) nextProbe() (Ping, bool) {
	pid := c.PlayerID()
	if pid == "" || c.hub.rounds == nil {
		return Ping{}, false
	}
	r, ok := c.hub.rounds.RoundForPlayer(pid)
	if !ok {
		return Ping{}, false
	}
	return r.Latency().GeneratePing(pid)
}

func (c *Client) handlePong(id uint64) {
	pid := c.PlayerID()
	if pid == "" || c.hub.rounds == nil {
		return
	}
	if r, ok := c.hub.rounds.RoundForPlayer(pid); ok {
		r.Latency().ProcessPong(pid, id)
	}
}

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("marshal")
		return
	}
	c.SendRaw(data)
}

// SendRaw sends pre-marshaled bytes as a text message to the client
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// Client too slow, drop message
	}
}

// SendBinary sends pre-marshaled bytes as a binary WebSocket message
// Prefixes with 0xFF marker byte so WritePump can distinguish from text
func (c *Client) SendBinary(data []byte) {
	defer func() { recover() }()
	msg := make([]byte, len(data)+1)
	msg[0] = 0xFF // binary marker
	copy(msg[1:], data)
	select {
	case c.send <- msg:
	default:
	}
}

// Kick closes the connection with a reason
func (c *Client) Kick(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *Client) sendError(msg string) {
	c.SendJSON(Envelope{T: MsgError, Data: ErrorMsg{Msg: msg}})
}

// handleMessage routes incoming messages (single-pass decode via InEnvelope).
// It returns false when the client exceeded its message budget.
func (c *Client) handleMessage(raw []byte) bool {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.WithError(err).Debug("unmarshal")
		return c.messages.Allow()
	}

	switch env.T {
	case MsgInput:
		if c.inputs.Allow() {
			c.handleInput(env.D)
		}
		return true
	case MsgPong:
		c.handleJSONPong(env.D)
		return true
	}
	if !c.messages.Allow() {
		return false
	}
	switch env.T {
	case MsgHello:
		c.handleHello(env.D)
	case MsgQueue:
		c.handleQueue(env.D)
	case MsgLeave:
		c.handleLeave()
	}
	return true
}

func (c *Client) handleHello(data json.RawMessage) {
	if c.PlayerID() != "" {
		c.sendError("already identified")
		return
	}
	if !c.hub.auth.AllowHello(c.remoteAddr) {
		c.sendError("too many requests")
		return
	}
	var msg HelloMsg
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("bad hello")
			return
		}
	}

	var id, name, token string
	if msg.Token != "" {
		var err error
		id, name, err = c.hub.auth.Resume(msg.Token)
		if err != nil {
			c.sendError("invalid token")
			return
		}
		token = msg.Token
	} else {
		var err error
		id, name, token, err = c.hub.auth.IssueGuest(msg.Name)
		if err != nil {
			c.log.WithError(err).Error("issue guest")
			c.sendError("internal error")
			return
		}
	}

	c.setIdentity(id, name)
	c.hub.Attach(c, id, name)

	welcome := WelcomeMsg{ID: id, Name: name, Token: token}
	if r, ok := c.hub.rounds.RoundForPlayer(id); ok {
		welcome.Round = r.ID
	}
	c.SendJSON(Envelope{T: MsgWelcome, Data: welcome})
	if v, ok := c.hub.lobbies.ForPlayer(id); ok {
		c.SendJSON(Envelope{T: MsgLobby, Data: LobbyMsg{Lobby: v}})
	}
}

func (c *Client) handleQueue(data json.RawMessage) {
	pid := c.PlayerID()
	if pid == "" {
		c.sendError("say hello first")
		return
	}
	var msg QueueMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("bad queue request")
		return
	}
	if _, ok := c.hub.rounds.RoundForPlayer(pid); ok {
		c.sendError("already in a round")
		return
	}
	v, err := c.hub.lobbies.Join(pid, GameMode(msg.Mode), msg.Tier)
	switch {
	case errors.Is(err, ErrAlreadyQueued):
		c.sendError("already queued")
	case errors.Is(err, ErrInvalidTier):
		c.sendError("invalid entry tier")
	case err != nil:
		c.log.WithError(err).Warn("queue")
		c.sendError("queue failed")
	default:
		c.SendJSON(Envelope{T: MsgLobby, Data: LobbyMsg{Lobby: v}})
	}
}

func (c *Client) handleLeave() {
	pid := c.PlayerID()
	if pid == "" {
		return
	}
	if !c.hub.lobbies.Leave(pid) {
		c.hub.rounds.Leave(pid)
	}
}

// handleBinaryInput decodes a compact binary input message
func (c *Client) handleBinaryInput(msg []byte) {
	tx := float64(int16(binary.BigEndian.Uint16(msg[1:3])))
	ty := float64(int16(binary.BigEndian.Uint16(msg[3:5])))
	flags := msg[5]
	c.submit(ClientInput{
		TX:         tx,
		TY:         ty,
		Accelerate: flags&0x01 != 0,
		Boost:      flags&0x02 != 0,
	})
}

func (c *Client) handleInput(data json.RawMessage) {
	var input ClientInput
	if err := json.Unmarshal(data, &input); err != nil {
		return
	}
	c.submit(input)
}

func (c *Client) submit(in ClientInput) {
	pid := c.PlayerID()
	if pid == "" {
		return
	}
	err := c.hub.rounds.SubmitInput(pid, Input{
		Target:     mgl64.Vec2{in.TX, in.TY},
		Accelerate: in.Accelerate,
		Boost:      in.Boost,
	})
	if errors.Is(err, ErrInboxFull) {
		c.log.Warn("round inbox full, input dropped")
	}
}

func (c *Client) handleJSONPong(data json.RawMessage) {
	var msg PongMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.handlePong(msg.ID)
}
