// Package api exposes the Persistence Gateway over HTTP and upgrades
// WebSocket connections to the Delta-Client Transport wire protocol
// (spec.md §6 "Client HTTP" / "Client websocket"). It is named external
// glue, not a core algorithm: every handler reads through
// internal/gateway.Gateway or forwards to an already-running
// internal/runner.Runner.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tycho/internal/gateway"
	"tycho/internal/model"
	"tycho/pkg/chain"
)

// ExtractorHub is the narrow surface Server needs from a running
// extractor's runner.Handle: subscribe/unsubscribe by connection, not
// by extractor id, since one Handle is already bound to one extractor.
type ExtractorHub interface {
	Subscribe(ctx context.Context) (uuid.UUID, <-chan model.NormalisedMessage, error)
	Unsubscribe(uuid.UUID)
}

// Server wires the Gateway's read paths and a set of registered
// extractor hubs behind a mux.Router, following the teacher's
// cmd/explorer server split (router/routes/handlers) and its
// logging middleware.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	gw         gateway.Gateway
	upgrader   websocket.Upgrader
	log        *logrus.Entry

	mu   sync.RWMutex
	hubs map[string]ExtractorHub
}

// NewServer constructs the router and underlying http.Server; Start
// blocks serving on addr.
func NewServer(addr string, gw gateway.Gateway, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		router: mux.NewRouter(),
		gw:     gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:  log,
		hubs: make(map[string]ExtractorHub),
	}
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// RegisterHub makes an extractor's live stream reachable for C7
// subscriptions under extractorID (spec.md §4.7's subscribe contract).
func (s *Server) RegisterHub(extractorID string, hub ExtractorHub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hubs[extractorID] = hub
}

// Start begins serving; blocks until the listener errors or Shutdown
// is called.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully stops the HTTP server, letting in-flight
// requests (including open websocket connections) drain until ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

func (s *Server) routes() {
	s.router.Use(s.logging)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/state", s.handleState).Methods(http.MethodPost)
	s.router.HandleFunc("/protocol_state", s.handleProtocolState).Methods(http.MethodPost)
	s.router.HandleFunc("/protocol_components", s.handleProtocolComponents).Methods(http.MethodPost)
	s.router.HandleFunc("/tokens", s.handleTokens).Methods(http.MethodPost)
	s.router.HandleFunc("/contract_delta", s.handleContractDelta).Methods(http.MethodPost)
	s.router.HandleFunc("/protocol_delta", s.handleProtocolDelta).Methods(http.MethodPost)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Info("handled request")
	})
}

// StateRequestBody selects a single contract's snapshot (spec.md §6
// "POST /state").
type StateRequestBody struct {
	Chain     chain.Chain   `json:"chain"`
	Address   chain.Address `json:"address"`
	Version   *uint64       `json:"version,omitempty"`
	WithSlots bool          `json:"with_slots"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var body StateRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	state, err := s.gw.GetContract(r.Context(), body.Address, body.Version, body.WithSlots)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

// ProtocolStateRequestBody carries the chain and optional block range
// handed to Gateway.GetDelta (spec.md §6). No TVL filter applies to
// the balances reported.
type ProtocolStateRequestBody struct {
	Chain chain.Chain `json:"chain"`
	Start *uint64     `json:"start,omitempty"`
	End   *uint64     `json:"end,omitempty"`
}

func (s *Server) handleProtocolState(w http.ResponseWriter, r *http.Request) {
	var body ProtocolStateRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	delta, err := s.gw.GetDelta(r.Context(), body.Chain, body.Start, body.End)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, delta)
}

// ProtocolComponentsRequestBody filters the component catalog; TVLGt
// corresponds to the `tvl_gt` query parameter named in spec.md §6.
type ProtocolComponentsRequestBody struct {
	Chain  chain.Chain `json:"chain"`
	System string      `json:"system,omitempty"`
	IDs    []string    `json:"ids,omitempty"`
	TVLGt  *float64    `json:"tvl_gt,omitempty"`
}

func (s *Server) handleProtocolComponents(w http.ResponseWriter, r *http.Request) {
	var body ProtocolComponentsRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	if tvl := r.URL.Query().Get("tvl_gt"); tvl != "" && body.TVLGt == nil {
		if f, err := strconv.ParseFloat(tvl, 64); err == nil {
			body.TVLGt = &f
		}
	}
	comps, err := s.gw.GetProtocolComponents(r.Context(), body.Chain, gateway.ComponentQuery{
		System: body.System,
		IDs:    body.IDs,
		TVLGt:  body.TVLGt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, comps)
}

// TokensRequestBody restricts a token lookup to a set of addresses;
// an empty Addresses returns every known token for Chain.
type TokensRequestBody struct {
	Chain     chain.Chain     `json:"chain"`
	Addresses []chain.Address `json:"addresses,omitempty"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	var body TokensRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	tokens, err := s.gw.GetTokens(r.Context(), body.Chain, body.Addresses)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tokens)
}

// handleContractDelta reports only the VM-flavour half of GetDelta
// (spec.md §6 "POST /contract_delta").
func (s *Server) handleContractDelta(w http.ResponseWriter, r *http.Request) {
	var body ProtocolStateRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	delta, err := s.gw.GetDelta(r.Context(), body.Chain, body.Start, body.End)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		AccountUpdates map[chain.Address]model.AccountUpdate `json:"account_updates"`
		BalanceChanges []model.ComponentBalance              `json:"balance_changes"`
	}{delta.AccountUpdates, delta.BalanceChanges})
}

// handleProtocolDelta reports only the native-flavour half of GetDelta
// (spec.md §6 "POST /protocol_delta").
func (s *Server) handleProtocolDelta(w http.ResponseWriter, r *http.Request) {
	var body ProtocolStateRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	delta, err := s.gw.GetDelta(r.Context(), body.Chain, body.Start, body.End)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		StateDeltas    map[string]model.ProtocolStateDelta `json:"state_deltas"`
		BalanceChanges []model.ComponentBalance            `json:"balance_changes"`
	}{delta.StateDeltas, delta.BalanceChanges})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encode response")
	}
}
