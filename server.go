package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
)

const (
	defaultResultsLimit = 20
	maxResultsLimit     = 100
	auditPageSize       = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// ResultQuery reads finished rounds, their payouts and the audit chain
type ResultQuery interface {
	RecentResults(ctx context.Context, limit int) ([]RoundResult, error)
	GetResult(ctx context.Context, roundID string) (*RoundResult, error)
	GetSettlement(ctx context.Context, roundID string) (SettlementRecord, bool, error)
	AuditRecords(ctx context.Context, afterSeq int64, limit int) ([]AuditRecord, error)
}

// ResultView is a result with its payout outcome
type ResultView struct {
	RoundResult
	Settlement *SettlementRecord `json:"settlement,omitempty"`
}

// ChainReport is the outcome of walking the whole audit chain
type ChainReport struct {
	Records  int    `json:"records"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"brokenAt,omitempty"` // seq of the first bad link
	Head     string `json:"head"`
}

// verifyAuditChain walks the chain page by page from genesis
func verifyAuditChain(ctx context.Context, q ResultQuery) (ChainReport, error) {
	rep := ChainReport{Valid: true, Head: GenesisHash}
	var after int64
	for {
		recs, err := q.AuditRecords(ctx, after, auditPageSize)
		if err != nil {
			return rep, err
		}
		if i := VerifyChain(rep.Head, recs); i >= 0 {
			rep.Records += i
			rep.Valid = false
			rep.BrokenAt = recs[i].Seq
			return rep, nil
		}
		rep.Records += len(recs)
		if len(recs) < auditPageSize {
			return rep, nil
		}
		last := recs[len(recs)-1]
		rep.Head, after = last.Hash, last.Seq
	}
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// SetupRoutes configures HTTP routes. results may be nil.
func SetupRoutes(hub *Hub, results ResultQuery, clientDir string) *http.ServeMux {
	mux := http.NewServeMux()

	if clientDir != "" {
		fs := http.FileServer(http.Dir(clientDir))
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			fs.ServeHTTP(w, r)
		}))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": hub.ClientCount(),
			"rounds":  hub.rounds.Len(),
			"lobbies": hub.lobbies.Len(),
		})
	})

	mux.HandleFunc("GET /api/rounds", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.rounds.List())
	})

	mux.HandleFunc("GET /api/rounds/{id}/latency", func(w http.ResponseWriter, r *http.Request) {
		round, ok := hub.rounds.Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorMsg{Msg: ErrUnknownRound.Error()})
			return
		}
		writeJSON(w, http.StatusOK, round.Latency().Stats())
	})

	mux.HandleFunc("GET /api/rounds/{id}/digest", func(w http.ResponseWriter, r *http.Request) {
		round, ok := hub.rounds.Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorMsg{Msg: ErrUnknownRound.Error()})
			return
		}
		s := round.Snapshot()
		sum, err := SnapshotDigest(s)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, ErrorMsg{Msg: "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tick":   s.Tick,
			"digest": strconv.FormatUint(sum, 16),
		})
	})

	mux.HandleFunc("GET /api/lobbies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.lobbies.List())
	})

	if results != nil {
		mux.HandleFunc("GET /api/results", func(w http.ResponseWriter, r *http.Request) {
			limit := defaultResultsLimit
			if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
				limit = min(v, maxResultsLimit)
			}
			list, err := results.RecentResults(r.Context(), limit)
			if err != nil {
				hub.log.WithError(err).Error("recent results")
				writeJSON(w, http.StatusInternalServerError, ErrorMsg{Msg: "internal error"})
				return
			}
			if list == nil {
				list = []RoundResult{}
			}
			writeJSON(w, http.StatusOK, list)
		})

		mux.HandleFunc("GET /api/results/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			res, err := results.GetResult(r.Context(), id)
			if err != nil {
				hub.log.WithError(err).WithField("round", id).Error("get result")
				writeJSON(w, http.StatusInternalServerError, ErrorMsg{Msg: "internal error"})
				return
			}
			if res == nil {
				writeJSON(w, http.StatusNotFound, ErrorMsg{Msg: ErrUnknownRound.Error()})
				return
			}
			view := ResultView{RoundResult: *res}
			if rec, ok, err := results.GetSettlement(r.Context(), id); err == nil && ok {
				view.Settlement = &rec
			}
			writeJSON(w, http.StatusOK, view)
		})

		mux.HandleFunc("GET /api/audit/verify", func(w http.ResponseWriter, r *http.Request) {
			rep, err := verifyAuditChain(r.Context(), results)
			if err != nil {
				hub.log.WithError(err).Error("verify audit chain")
				writeJSON(w, http.StatusInternalServerError, ErrorMsg{Msg: "internal error"})
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.WithError(err).Debug("upgrade")
			return
		}

		hub.TrackConnect(ip)

		client := NewClient(hub, conn, ip)
		hub.register <- client

		go client.WritePump()
		go client.ReadPump()
	})

	return mux
}
