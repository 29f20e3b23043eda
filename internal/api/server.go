package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-crawler/internal/batch"
	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/links"
	"github.com/JakeFAU/url-crawler/internal/metrics"
)

// Depth bounds accepted on submission.
const (
	MinRequestDepth = 1
	MaxRequestDepth = 10
)

// Batches is the batch service surface the handlers use.
type Batches interface {
	CreateBatch(ctx context.Context, seeds []string) (crawler.Batch, error)
	GetBatchWithPages(ctx context.Context, batchID string, query crawler.PageQuery) (batch.Result, error)
}

// Scheduler starts a batch in the background.
type Scheduler interface {
	Schedule(batchID string, seeds []string, maxDepth *int)
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Options tune the server. Zero values pick defaults.
type Options struct {
	RequestTimeout time.Duration
	Ready          ReadyFunc
}

// Server wires HTTP handlers to the batch service and scheduler.
type Server struct {
	router    chi.Router
	batches   Batches
	scheduler Scheduler
	ready     ReadyFunc
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(batches Batches, scheduler Scheduler, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		batches:   batches,
		scheduler: scheduler,
		ready:     opts.Ready,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/fetch", s.submitFetch)
	r.Get("/fetch/{batch_id}", s.getBatch)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitFetchRequest struct {
	URLs     []string `json:"urls"`
	MaxDepth *int     `json:"maxDepth"`
}

type submitFetchResponse struct {
	BatchID string `json:"batchId"`
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req submitFetchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	seeds, err := validateSubmission(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.batches.CreateBatch(r.Context(), seeds)
	if err != nil {
		s.logger.Error("create batch failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}
	s.scheduler.Schedule(created.ID, seeds, req.MaxDepth)
	s.writeJSON(w, http.StatusAccepted, submitFetchResponse{BatchID: created.ID})
}

// validateSubmission returns the normalized, de-duplicated seed list.
func validateSubmission(req submitFetchRequest) ([]string, error) {
	if len(req.URLs) == 0 {
		return nil, errors.New("urls must contain at least one URL")
	}
	if req.MaxDepth != nil && (*req.MaxDepth < MinRequestDepth || *req.MaxDepth > MaxRequestDepth) {
		return nil, fmt.Errorf("maxDepth must be between %d and %d", MinRequestDepth, MaxRequestDepth)
	}
	seen := make(map[string]struct{}, len(req.URLs))
	seeds := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		normalized, ok := links.NormalizeString(raw)
		if !ok {
			return nil, fmt.Errorf("invalid URL %q: must be an absolute http or https URL", raw)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		seeds = append(seeds, normalized)
	}
	return seeds, nil
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	query, err := parsePageQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.batches.GetBatchWithPages(r.Context(), batchID, query)
	if err != nil {
		if batch.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("batch %s not found", batchID))
			return
		}
		s.logger.Error("load batch failed", zap.String("batch_id", batchID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func parsePageQuery(r *http.Request) (crawler.PageQuery, error) {
	q := r.URL.Query()
	query := crawler.PageQuery{Limit: batch.DefaultPageLimit, IncludeContent: true}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return query, errors.New("limit must be a positive integer")
		}
		query.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return query, errors.New("offset must be a non-negative integer")
		}
		query.Offset = v
	}
	if raw := q.Get("includeContent"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return query, errors.New("includeContent must be a boolean")
		}
		query.IncludeContent = v
	}
	return query, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
