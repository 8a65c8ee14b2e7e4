// Package httpapi exposes report submission, status polling, artifact
// download and the websocket push channel.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"expense-reports/pkg/artifact"
	"expense-reports/pkg/auth"
	"expense-reports/pkg/job"
	"expense-reports/pkg/notify"
	"expense-reports/pkg/reporting"
)

type Server struct {
	reports   *reporting.Service
	artifacts artifact.Store
	hub       *notify.Hub
	verifier  *auth.Verifier
	limiter   *RateLimiter
	health    func(ctx context.Context) error
	logger    *slog.Logger
}

type Deps struct {
	Reports   *reporting.Service
	Artifacts artifact.Store
	Hub       *notify.Hub
	Verifier  *auth.Verifier
	Limiter   *RateLimiter // nil disables submission throttling
	Health    func(ctx context.Context) error
	Logger    *slog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		reports:   d.Reports,
		artifacts: d.Artifacts,
		hub:       d.Hub,
		verifier:  d.Verifier,
		limiter:   d.Limiter,
		health:    d.Health,
		logger:    d.Logger,
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/reports/{name}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.verifier.Middleware)

	submit := http.Handler(http.HandlerFunc(s.handleSubmit))
	if s.limiter != nil {
		submit = s.limiter.Handler(submit)
	}
	api.Handle("/reports", submit).Methods(http.MethodPost)
	api.HandleFunc("/reports/{reportId}", s.handleStatus).Methods(http.MethodGet)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req reporting.SubmitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
			return
		}
	}
	view, err := s.reports.RequestReport(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.reports.GetReportStatus(r.Context(), auth.UserID(r.Context()), mux.Vars(r)["reportId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDownload serves an artifact. A swept artifact and one that never
// existed both answer 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rc, err := s.artifacts.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, job.ErrInvalidArgument) {
			err = job.ErrNotFound
		}
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", artifact.ContentType(name))
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact download interrupted", "artifact", name, "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.ServeWS(w, r, userID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required for websocket upgrades behind this middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
