// Package gateway serves the operator HTTP API and the live activity feed.
// Every endpoint except /healthz honors the configured bearer token.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agora/internal/audit"
	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/heartbeat"
	"github.com/basket/agora/internal/store"
)

type Config struct {
	Store  *store.Store
	Runner *heartbeat.Runner
	Bus    *bus.Bus

	// AuthToken guards the API. Empty leaves it open, which is the local
	// dev mode; the default bind is loopback-only.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections to /v1/feed. Empty means same-origin only.
	AllowOrigins []string

	Version string

	// ReasoningOnline reports whether live model calls are configured.
	// nil reads as offline.
	ReasoningOnline func() bool

	// ConfigFingerprint surfaces the active config hash on /v1/status so
	// a hot reload is observable.
	ConfigFingerprint func() string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/agents/", s.handleAgents)
	mux.HandleFunc("/v1/listings", s.handleListings)
	mux.HandleFunc("/v1/escrows/", s.handleEscrows)
	mux.HandleFunc("/v1/feed", s.handleFeed)
	return mux
}

// authorize checks the bearer token. An empty configured token leaves the
// API open for loopback deployments.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := extractToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// extractToken checks, in order: Authorization: Bearer <token>, the
// X-API-Key header, and the access_token query param. The query param
// exists because browsers cannot set headers on a websocket dial.
func extractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("access_token")
}

// handleHealthz is the auth-exempt liveness probe. It degrades to 503 when
// the store stops answering.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountAgents(r.Context()); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": dbOK, "db_ok": dbOK})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	agents, err := s.cfg.Store.CountAgents(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	listings, err := s.cfg.Store.CountOpenListings(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	escrows, err := s.cfg.Store.CountOpenEscrows(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cycles, err := s.cfg.Store.CountCycles(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reasoning := false
	if s.cfg.ReasoningOnline != nil {
		reasoning = s.cfg.ReasoningOnline()
	}
	fingerprint := ""
	if s.cfg.ConfigFingerprint != nil {
		fingerprint = s.cfg.ConfigFingerprint()
	}
	payload := map[string]any{
		"version":            s.cfg.Version,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"agents":             agents,
		"open_listings":      listings,
		"open_escrows":       escrows,
		"cycles":             cycles,
		"cycle_failures":     audit.FailureCount(),
		"reasoning_online":   reasoning,
		"config_fingerprint": fingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleAgents routes the /v1/agents/{id}[/heartbeat|/cycles] subtree.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	agentID, sub, _ := strings.Cut(rest, "/")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	switch sub {
	case "":
		s.handleAgentProfile(w, r, agentID)
	case "heartbeat":
		s.handleAgentHeartbeat(w, r, agentID)
	case "cycles":
		s.handleAgentCycles(w, r, agentID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleAgentProfile(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a, err := s.cfg.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a)
}

type heartbeatRequest struct {
	// Immediate bypasses the skip policy. Defaults to true: an operator
	// poking an agent by hand wants a cycle, not a skip verdict.
	Immediate *bool `json:"immediate"`

	// ForcePrivileged treats the agent as a house agent for this one cycle.
	ForcePrivileged bool `json:"force_privileged"`
}

// handleAgentHeartbeat triggers one cycle outside the schedule.
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	immediate := true
	if req.Immediate != nil {
		immediate = *req.Immediate
	}
	s.logger.Info("manual heartbeat requested",
		"agent_id", agentID, "immediate", immediate, "force_privileged", req.ForcePrivileged)
	res, err := s.cfg.Runner.Run(r.Context(), agentID, heartbeat.RunOpts{
		Immediate:       immediate,
		ForcePrivileged: req.ForcePrivileged,
	})
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) handleAgentCycles(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.cfg.Store.ListRecentCycles(r.Context(), agentID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cycles": entries})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	listings, err := s.cfg.Store.ListOpenListings(r.Context(), "", nil, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"listings": listings})
}

// handleEscrows routes the /v1/escrows/{id}[/funded|/dispute] subtree.
func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/escrows/")
	escrowID, sub, _ := strings.Cut(rest, "/")
	if escrowID == "" {
		http.Error(w, "escrow id required", http.StatusBadRequest)
		return
	}
	switch sub {
	case "":
		s.handleEscrowDetail(w, r, escrowID)
	case "funded":
		s.handleEscrowFunded(w, r, escrowID)
	case "dispute":
		s.handleEscrowDispute(w, r, escrowID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleEscrowDetail returns one escrow plus its transition journal.
func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request, escrowID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	esc, err := s.cfg.Store.GetEscrow(r.Context(), escrowID)
	if err != nil {
		if errors.Is(err, store.ErrEscrowNotFound) {
			http.Error(w, "escrow not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.cfg.Store.ListEscrowEvents(r.Context(), escrowID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"escrow": esc, "events": events})
}

// handleEscrowFunded is the rails funding confirmation callback: the
// deposit landed, so a PENDING escrow becomes FUNDED. Replays against an
// already-FUNDED escrow come back as a 409, not a second transition.
func (s *Server) handleEscrowFunded(w http.ResponseWriter, r *http.Request, escrowID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	detail := body.Detail
	if detail == "" {
		detail = "rails funding confirmed"
	}
	esc, err := s.cfg.Store.FundEscrow(r.Context(), escrowID, detail)
	if err != nil {
		s.writeEscrowTransitionError(w, escrowID, err)
		return
	}
	s.logger.Info("escrow funding confirmed", "escrow_id", escrowID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(esc)
}

// handleEscrowDispute lets either party raise a dispute on a FUNDED or
// DELIVERED escrow.
func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, escrowID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.Reason == "" {
		http.Error(w, "agent_id and reason are required", http.StatusBadRequest)
		return
	}
	esc, err := s.cfg.Store.DisputeEscrow(r.Context(), escrowID, body.AgentID, body.Reason)
	if err != nil {
		s.writeEscrowTransitionError(w, escrowID, err)
		return
	}
	s.logger.Info("escrow disputed", "escrow_id", escrowID, "by", body.AgentID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(esc)
}

func (s *Server) writeEscrowTransitionError(w http.ResponseWriter, escrowID string, err error) {
	switch {
	case errors.Is(err, store.ErrEscrowNotFound):
		http.Error(w, "escrow not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
