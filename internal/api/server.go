// Package api exposes inbound message routing, load queries and operator
// actions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/dispatch"
	"github.com/sells-group/loadblast/internal/intake"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/scorer"
	"github.com/sells-group/loadblast/internal/store"
)

// Intake is the part of the qualification machine the API drives.
type Intake interface {
	Route(ctx context.Context, msg intake.Message) (*model.Load, error)
	Correct(ctx context.Context, loadID string, fields model.Fields, note string) (*model.Load, error)
	Reextract(ctx context.Context, loadID string) (*model.Load, error)
	Withdraw(ctx context.Context, loadID, reason string) (*model.Load, error)
	MarkFilled(ctx context.Context, loadID, note string) (*model.Load, error)
}

// Deps holds the collaborators of the HTTP server.
type Deps struct {
	Store    store.Store
	Intake   Intake
	Scorer   dispatch.Scorer
	Launcher dispatch.Launcher
	// Breakers, when set, are reported by /health.
	Breakers *resilience.Breakers
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// AutoDispatch starts the tier schedule as soon as a load qualifies.
	AutoDispatch bool
	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string
}

// Server is the HTTP front of the pipeline.
type Server struct {
	deps Deps
}

// NewRouter builds the chi router with every route mounted.
func NewRouter(deps Deps) http.Handler {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.inbound)

		r.Get("/loads", s.listLoads)
		r.Route("/loads/{id}", func(r chi.Router) {
			r.Get("/", s.getLoad)
			r.Get("/events", s.listEvents)
			r.Get("/scores", s.listScores)
			r.Get("/attempts", s.listAttempts)
			r.Post("/correct", s.correct)
			r.Post("/reextract", s.reextract)
			r.Post("/withdraw", s.withdraw)
			r.Post("/fill", s.fill)
			r.Post("/dispatch", s.dispatch)
		})

		r.Get("/carriers", s.listCarriers)

		r.Get("/dlq", s.listDLQ)
		r.Post("/dlq/{id}/resolve", s.resolveDLQ)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	body := map[string]any{"status": "ok"}
	if s.deps.Breakers != nil {
		circuits := map[string]string{}
		for name, state := range s.deps.Breakers.States() {
			circuits[name] = state.String()
		}
		body["circuits"] = circuits
	}
	writeJSON(w, http.StatusOK, body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps err onto a status code.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, intake.ErrResolutionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, intake.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, scorer.ErrNotQualified),
		errors.Is(err, dispatch.ErrNotDispatchable):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
