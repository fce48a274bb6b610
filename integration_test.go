package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ---------- helpers ----------

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

type testServer struct {
	srv     *httptest.Server
	wsURL   string
	hub     *Hub
	lobbies *LobbyManager
	rounds  *RoundRegistry
	db      *DB
}

// startTestServer wires the full stack behind an httptest.Server. Practice
// lobbies start immediately and without bots.
func startTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Practice.CountdownSec = 0
	cfg.Practice.BotFill = 0
	cfg.Game.ResultLingerSec = 0
	log := quietLogger()

	db := openTestDB(t)
	bus := NewEventBus(log)
	settler := NewSettlementDispatcher(NewLocalSettlement([]byte("test-secret"), nil), db, db, bus, nil, log)
	settler.Start()

	auth := NewAuth(db, "", time.Hour, nil, log)
	hub := NewHub(cfg, auth, log)
	rounds := NewRoundRegistry(RegistryOptions{Config: cfg, Bus: bus, Settler: settler, Sink: hub, Log: log, Names: hub.PlayerName})
	lobbies := NewLobbyManager(NewLobbySettings(cfg, log), rounds, bus, nil, log)
	hub.Bind(lobbies, rounds)
	bus.Subscribe(hub.HandleEvent)
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	go lobbies.Run(ctx, 20*time.Millisecond)

	srv := httptest.NewServer(SetupRoutes(hub, db, ""))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		hub.Stop()
		rounds.StopAll()
		settler.Stop()
		bus.Close()
	})
	return &testServer{
		srv:     srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:     hub,
		lobbies: lobbies,
		rounds:  rounds,
		db:      db,
	}
}

// dialWS opens a WebSocket connection to the test server.
func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial WS: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads one JSON message from the WebSocket, skipping binary
// snapshot frames.
func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read WS: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return env
	}
}

// readUntil reads JSON messages until one of type want arrives
func readUntil(t *testing.T, conn *websocket.Conn, want string) Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		if env := readEnvelope(t, conn); env.T == want {
			return env
		}
	}
	t.Fatalf("no %s message", want)
	return Envelope{}
}

// readSnapshot reads until a binary snapshot frame arrives and decodes it
func readSnapshot(t *testing.T, conn *websocket.Conn) *Snapshot {
	t.Helper()
	for i := 0; i < 200; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read WS: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s, err := DecodeSnapshot(raw)
		if err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		return s
	}
	t.Fatal("no snapshot frame")
	return nil
}

// sendMsg sends a typed message over the WebSocket.
func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	env := Envelope{T: msgType, Data: data}
	raw, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write WS: %v", err)
	}
}

// dataMap extracts the Data field as map[string]interface{}.
func dataMap(t *testing.T, env Envelope) map[string]interface{} {
	t.Helper()
	raw, _ := json.Marshal(env.Data)
	var m map[string]interface{}
	json.Unmarshal(raw, &m)
	return m
}

// hello identifies the connection and returns the welcome payload
func hello(t *testing.T, conn *websocket.Conn, name, token string) map[string]interface{} {
	t.Helper()
	sendMsg(t, conn, MsgHello, HelloMsg{Name: name, Token: token})
	env := readEnvelope(t, conn)
	if env.T != MsgWelcome {
		t.Fatalf("expected welcome, got %s %v", env.T, env.Data)
	}
	return dataMap(t, env)
}

// ---------- identity ----------

func TestHelloIssuesResumableGuest(t *testing.T) {
	ts := startTestServer(t)

	c1 := dialWS(t, ts.wsURL)
	w := hello(t, c1, "  Ann  ", "")
	id, _ := w["id"].(string)
	if !uuidRegex.MatchString(id) {
		t.Errorf("expected uuid player id, got %q", id)
	}
	if w["name"] != "Ann" {
		t.Errorf("expected trimmed name, got %v", w["name"])
	}
	token, _ := w["token"].(string)
	if token == "" {
		t.Fatal("expected a resume token")
	}

	sendMsg(t, c1, MsgHello, HelloMsg{Name: "again"})
	if env := readEnvelope(t, c1); env.T != MsgError {
		t.Errorf("second hello must be rejected, got %s", env.T)
	}
	c1.Close()

	c2 := dialWS(t, ts.wsURL)
	w2 := hello(t, c2, "", token)
	if w2["id"] != id || w2["name"] != "Ann" {
		t.Errorf("resume must restore the identity, got %v", w2)
	}
}

func TestHelloRejectsForgedToken(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	sendMsg(t, conn, MsgHello, HelloMsg{Token: "not.a.token"})
	env := readEnvelope(t, conn)
	if env.T != MsgError || dataMap(t, env)["msg"] != "invalid token" {
		t.Errorf("expected invalid token error, got %s %v", env.T, env.Data)
	}
}

func TestDefaultGuestName(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	w := hello(t, conn, "", "")
	if name, _ := w["name"].(string); !strings.HasPrefix(name, "Guest_") {
		t.Errorf("expected a guest name, got %q", name)
	}
}

// ---------- queue ----------

func TestQueueRequiresHello(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	sendMsg(t, conn, MsgQueue, QueueMsg{Mode: "practice"})
	env := readEnvelope(t, conn)
	if env.T != MsgError {
		t.Errorf("expected error, got %s", env.T)
	}
}

func TestQueueRejectsUnknownTier(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	hello(t, conn, "Ann", "")
	sendMsg(t, conn, MsgQueue, QueueMsg{Mode: "tournament", Tier: 7})
	env := readEnvelope(t, conn)
	if env.T != MsgError || dataMap(t, env)["msg"] != "invalid entry tier" {
		t.Errorf("expected tier error, got %s %v", env.T, env.Data)
	}
}

func TestPracticeQueueStartsRoundAndStreamsSnapshots(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	id := hello(t, conn, "Ann", "")["id"].(string)

	sendMsg(t, conn, MsgQueue, QueueMsg{Mode: "practice"})
	lobby := readUntil(t, conn, MsgLobby)
	if l, _ := dataMap(t, lobby)["lobby"].(map[string]interface{}); l == nil || l["mode"] != "practice" {
		t.Fatalf("unexpected lobby message %v", lobby.Data)
	}

	start := readUntil(t, conn, MsgStart)
	rid, _ := dataMap(t, start)["rid"].(string)
	if rid == "" {
		t.Fatal("start must carry the round id")
	}
	r, ok := ts.rounds.RoundForPlayer(id)
	if !ok || r.ID != rid {
		t.Fatalf("player must be placed in %s", rid)
	}

	s := readSnapshot(t, conn)
	if s.RoundID != rid || len(s.Participants) != 1 || s.Participants[0].Name != "Ann" {
		t.Errorf("unexpected snapshot %+v", s)
	}

	sendMsg(t, conn, MsgInput, ClientInput{TX: 100, TY: 100, Accelerate: true})
	frame := []byte{binaryInputTag, 0, 0, 0, 0, 0x03}
	binary.BigEndian.PutUint16(frame[1:3], 200)
	binary.BigEndian.PutUint16(frame[3:5], 300)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}

	sendMsg(t, conn, MsgQueue, QueueMsg{Mode: "practice"})
	if env := readUntil(t, conn, MsgError); dataMap(t, env)["msg"] != "already in a round" {
		t.Errorf("unexpected error %v", env.Data)
	}
}

func TestLeaveAndDisconnectReleaseLobby(t *testing.T) {
	ts := startTestServer(t)

	c1 := dialWS(t, ts.wsURL)
	hello(t, c1, "Ann", "")
	sendMsg(t, c1, MsgQueue, QueueMsg{Mode: "tournament", Tier: 1})
	readUntil(t, c1, MsgLobby)
	sendMsg(t, c1, MsgLeave, nil)
	if !waitFor(2*time.Second, func() bool { return ts.lobbies.Len() == 0 }) {
		t.Fatal("leave must reclaim the lobby")
	}

	c2 := dialWS(t, ts.wsURL)
	hello(t, c2, "Bob", "")
	sendMsg(t, c2, MsgQueue, QueueMsg{Mode: "tournament", Tier: 1})
	readUntil(t, c2, MsgLobby)
	c2.Close()
	if !waitFor(2*time.Second, func() bool { return ts.lobbies.Len() == 0 }) {
		t.Error("disconnect must leave the lobby")
	}
}

func TestPingProbesFeedLatency(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	id := hello(t, conn, "Ann", "")["id"].(string)

	var mu sync.Mutex
	pingIDs := 0
	conn.SetPingHandler(func(appData string) error {
		if len(appData) == 8 {
			mu.Lock()
			pingIDs++
			mu.Unlock()
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	sendMsg(t, conn, MsgQueue, QueueMsg{Mode: "practice"})
	readUntil(t, conn, MsgStart)

	// keep reading so control frames are processed
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ok := waitFor(3*time.Second, func() bool {
		r, ok := ts.rounds.RoundForPlayer(id)
		if !ok {
			return false
		}
		return r.Latency().Stats()[id].Samples > 0
	})
	if !ok {
		t.Fatal("expected an RTT sample from the ping")
	}
	mu.Lock()
	defer mu.Unlock()
	if pingIDs == 0 {
		t.Error("expected ping ids in ping payloads")
	}
}

// ---------- HTTP ----------

func TestHealthAndReadAPI(t *testing.T) {
	ts := startTestServer(t)
	if err := ts.db.RecordResult(context.Background(), sampleResult("r1", testEpoch)); err != nil {
		t.Fatal(err)
	}

	get := func(path string, want int) map[string]interface{} {
		t.Helper()
		resp, err := http.Get(ts.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: content type %q", path, ct)
		}
		var v interface{}
		json.NewDecoder(resp.Body).Decode(&v)
		m, _ := v.(map[string]interface{})
		return m
	}

	if h := get("/healthz", http.StatusOK); h["status"] != "ok" {
		t.Errorf("unexpected health %v", h)
	}
	get("/api/rounds", http.StatusOK)
	get("/api/lobbies", http.StatusOK)
	get("/api/results", http.StatusOK)
	if r := get("/api/results/r1", http.StatusOK); r["winner"] != "alice" {
		t.Errorf("unexpected result %v", r)
	}
	get("/api/results/nope", http.StatusNotFound)
	get("/api/rounds/nope/latency", http.StatusNotFound)
}

func TestWSEndpointRequiresUpgrade(t *testing.T) {
	ts := startTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a plain GET, got %d", resp.StatusCode)
	}
}

func TestHubClientCount(t *testing.T) {
	ts := startTestServer(t)
	c1 := dialWS(t, ts.wsURL)
	dialWS(t, ts.wsURL)
	if !waitFor(time.Second, func() bool { return ts.hub.ClientCount() == 2 }) {
		t.Fatalf("expected 2 clients, got %d", ts.hub.ClientCount())
	}
	c1.Close()
	if !waitFor(time.Second, func() bool { return ts.hub.ClientCount() == 1 }) {
		t.Errorf("expected 1 client after close, got %d", ts.hub.ClientCount())
	}
}

func TestAuditVerifyEndpoint(t *testing.T) {
	ts := startTestServer(t)
	a, err := NewAuditLog(ts.db, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	a.Track(auditEvent("round_start", 0))
	a.Track(auditEvent("elimination", 1))
	a.Stop()

	verify := func() ChainReport {
		t.Helper()
		resp, err := http.Get(ts.srv.URL + "/api/audit/verify")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var rep ChainReport
		if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
			t.Fatal(err)
		}
		return rep
	}

	if rep := verify(); !rep.Valid || rep.Records != 2 {
		t.Fatalf("expected an intact chain of 2, got %+v", rep)
	}

	forged := AuditRecord{Type: "round_end", RoundID: "r1", Payload: "{}", PrevHash: GenesisHash, CreatedAt: testEpoch}
	forged.Hash = ChainHash(forged.PrevHash, forged)
	if err := ts.db.InsertAudit(context.Background(), []AuditRecord{forged}); err != nil {
		t.Fatal(err)
	}
	rep := verify()
	if rep.Valid || rep.BrokenAt != 3 || rep.Records != 2 {
		t.Errorf("expected a break at seq 3, got %+v", rep)
	}
}

func TestRoundDigestEndpoint(t *testing.T) {
	ts := startTestServer(t)
	conn := dialWS(t, ts.wsURL)
	hello(t, conn, "Ann", "")
	sendMsg(t, conn, MsgQueue, QueueMsg{Mode: "practice"})
	rid, _ := dataMap(t, readUntil(t, conn, MsgStart))["rid"].(string)

	resp, err := http.Get(ts.srv.URL + "/api/rounds/" + rid + "/digest")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["digest"] == "" || body["digest"] == nil {
		t.Errorf("unexpected digest response %d %v", resp.StatusCode, body)
	}
}
