// Package api serves the read API over HTTP: live PnL, snapshot history,
// aggregates, leaderboard, coverage status, and the subscribe/backfill
// control endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/backfill"
	"github.com/perpfolio/perpfolio/internal/ingest"
	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/state"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

// Config tunes the HTTP server.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the read API.
type Server struct {
	cfg      Config
	repos    *persistence.Repository
	store    *state.Store
	stream   *ingest.Stream
	backfill *backfill.Worker
	client   *upstream.Client
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	started time.Time
	http    *http.Server
}

// NewServer assembles the API server.
func NewServer(cfg Config, repos *persistence.Repository, store *state.Store, stream *ingest.Stream,
	bf *backfill.Worker, client *upstream.Client, m *metrics.Metrics, gatherer prometheus.Gatherer,
	log zerolog.Logger) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 20 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		repos:    repos,
		store:    store,
		stream:   stream,
		backfill: bf,
		client:   client,
		metrics:  m,
		gatherer: gatherer,
		log:      log.With().Str("component", "api").Logger(),
		started:  time.Now().UTC(),
	}

	router := mux.NewRouter()
	router.Use(s.observe)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/pnl/{address}", s.handlePnl).Methods(http.MethodGet)
	apiRouter.HandleFunc("/positions/{address}", s.handlePositions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/stats/{address}", s.handleStats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/history/{address}", s.handleHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	apiRouter.HandleFunc("/status/{address}", s.handleDataStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/portfolio/{address}", s.handlePortfolio).Methods(http.MethodGet)
	apiRouter.HandleFunc("/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	apiRouter.HandleFunc("/subscribe/{address}", s.handleUnsubscribe).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/backfill/{address}", s.handleBackfillStart).Methods(http.MethodPost)
	apiRouter.HandleFunc("/backfill/{address}", s.handleBackfillStatus).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("api listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// observe wraps every handler with request logging and metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.APIRequests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).Inc()
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("api request")
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

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, errorBody{Error: msg})
}

// pathAddress extracts and validates the {address} path variable.
func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := mux.Vars(r)["address"]
	if !upstream.ValidAddress(address) {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return "", false
	}
	return upstream.NormalizeAddress(address), true
}

// queryInt reads an integer query parameter with a default and a cap.
func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
