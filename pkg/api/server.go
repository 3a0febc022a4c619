package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Server serves the plan API.
type Server struct {
	life    *plan.Lifecycle
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	schemas schemaSet
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimiter enables per-client rate limiting.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates an API server. Every route except /health requires a bearer token
// accepted by auth.
func NewServer(life *plan.Lifecycle, auth *Authenticator, opts ...ServerOption) (*Server, error) {
	if life == nil {
		return nil, errors.New("api: lifecycle is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{life: life, auth: auth, logger: slog.Default(), schemas: schemas}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/plans", s.handleCreate)
	mux.HandleFunc("GET /v1/plans", s.handleList)
	mux.HandleFunc("GET /v1/plans/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/plans/{id}/attestations", s.handleAttest)
	mux.HandleFunc("POST /v1/plans/{id}/complete", s.handleComplete)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AuthMiddleware(s.auth)(h)
	h = LoggingMiddleware(s.logger)(h)
	return RequestIDMiddleware(h)
}

// planView is the client representation of a plan. The release capability never
// leaves the server.
type planView struct {
	*plan.Plan
	ReleaseCapability string `json:"release_capability,omitempty"`
}

func viewOf(p *plan.Plan) planView {
	return planView{Plan: p}
}

type createRequest struct {
	ID              uint64 `json:"id"`
	NumberOfDays    uint8  `json:"number_of_days"`
	DailyFrequency  uint8  `json:"daily_frequency"`
	DurationMinutes uint8  `json:"duration_minutes"`
	Stake           uint64 `json:"stake"`
	Asset           string `json:"asset"`
}

type attestRequest struct {
	Owner     string `json:"owner"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at"`
}

type completeRequest struct {
	Owner string `json:"owner"`
}

type completeResponse struct {
	Plan       planView         `json:"plan"`
	Settlement *plan.Settlement `json:"settlement"`
}

type listResponse struct {
	Plans []planView `json:"plans"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	var req createRequest
	if err := s.schemas.decode(r, "create_plan", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	p, err := s.life.Create(r.Context(), caller, plan.CreateParams{
		ID:              req.ID,
		NumberOfDays:    req.NumberOfDays,
		DailyFrequency:  req.DailyFrequency,
		DurationMinutes: req.DurationMinutes,
		Stake:           req.Stake,
		Asset:           req.Asset,
	})
	if err != nil {
		WritePlanError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/plans/%d", p.ID))
	s.writePlan(w, r, http.StatusCreated, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	plans, err := s.life.List(r.Context(), s.caller(r), limit)
	if errors.Is(err, plan.ErrListUnsupported) {
		WriteError(w, r, http.StatusNotImplemented, "Not Implemented", "The configured store cannot list plans")
		return
	}
	if err != nil {
		WritePlanError(w, r, s.logger, err)
		return
	}
	resp := listResponse{Plans: make([]planView, 0, len(plans))}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, viewOf(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	p, err := s.life.Get(r.Context(), plan.Key{Owner: s.caller(r), ID: id})
	if err != nil {
		WritePlanError(w, r, s.logger, err)
		return
	}
	s.writePlan(w, r, http.StatusOK, p)
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req attestRequest
	if err := s.schemas.decode(r, "attestation", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	caller := s.caller(r)
	p, err := s.life.Attest(r.Context(), caller, s.key(caller, req.Owner, id), req.StartedAt, req.EndedAt)
	if err != nil {
		WritePlanError(w, r, s.logger, err)
		return
	}
	s.writePlan(w, r, http.StatusOK, p)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := s.schemas.decode(r, "complete", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	caller := s.caller(r)
	p, settlement, err := s.life.Complete(r.Context(), caller, s.key(caller, req.Owner, id))
	if err != nil {
		WritePlanError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Plan: viewOf(p), Settlement: settlement})
}

// caller returns the identity set by AuthMiddleware. Routes are never reached without one.
func (s *Server) caller(r *http.Request) plan.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

// key addresses the plan owned by owner, or by the caller when owner is empty.
func (s *Server) key(caller plan.Identity, owner string, id uint64) plan.Key {
	if owner == "" {
		return plan.Key{Owner: caller, ID: id}
	}
	return plan.Key{Owner: plan.Identity(owner), ID: id}
}

func (s *Server) writePlan(w http.ResponseWriter, r *http.Request, status int, p *plan.Plan) {
	digest, err := plan.Digest(p)
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	etag := strconv.Quote(digest)
	w.Header().Set("ETag", etag)
	if status == http.StatusOK && r.Method == http.MethodGet && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, status, viewOf(p))
}

func planID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, r, "plan id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
