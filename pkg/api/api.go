// Package api exposes the unit store to operators over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/psantana5/evalfarm/pkg/auth"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/middleware"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/tracing"
)

// Handler serves the operator API
type Handler struct {
	store    store.Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
	verifier *auth.Verifier
}

// NewHandler creates an API handler
func NewHandler(s store.Store, m *metrics.Metrics, v *auth.Verifier, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if v == nil {
		v = auth.NewVerifier("")
	}
	return &Handler{store: s, logger: logger, metrics: m, verifier: v}
}

// NewRouter builds the full router, wrapped in tracing and request logging
func NewRouter(h *Handler, tp *tracing.Provider) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	var handler http.Handler = r
	handler = middleware.Logging(h.logger)(handler)
	if tp != nil {
		handler = tracing.HTTPMiddleware(tp)(handler)
	}
	return handler
}

// RegisterRoutes registers every API route on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/units", h.ListUnits).Methods("GET")
	v1.HandleFunc("/units/{id}", h.GetUnit).Methods("GET")
	v1.HandleFunc("/generations/{generation}", h.GenerationSummary).Methods("GET")

	ops := v1.PathPrefix("/units").Subrouter()
	ops.Use(middleware.RequireOperator(h.verifier, h.logger))
	ops.HandleFunc("/{id}/requeue", h.RequeueUnit).Methods("POST")
}

// Health reports whether the store answers
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListUnits lists units matching the query parameters generation, trial,
// algo, status, hostname and sort (fifo or best)
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order := store.SortFIFO
	if r.URL.Query().Get("sort") == "best" {
		order = store.SortBest
	}

	units, err := h.store.FindAll(r.Context(), filter, order)
	if err != nil {
		h.logger.Error("Failed to list units", logging.Fields{"error": err.Error()})
		http.Error(w, "failed to list units", http.StatusInternalServerError)
		return
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(units) {
			units = units[:n]
		}
	}

	for _, u := range units {
		u.SerializedController = nil
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"units": units, "count": len(units)})
}

// GetUnit returns one unit including its controller
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.store.GetUnit(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrUnitNotFound) {
		http.Error(w, "unit not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get unit", logging.Fields{"error": err.Error()})
		http.Error(w, "failed to get unit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// GenerationSummaryResponse counts the units of one generation by status
type GenerationSummaryResponse struct {
	Generation int                       `json:"generation"`
	Trial      float64                   `json:"trial"`
	Algo       string                    `json:"algo"`
	Counts     map[models.UnitStatus]int `json:"counts"`
	Workers    []string                  `json:"workers"`
}

// GenerationSummary counts units of a generation by status
func (h *Handler) GenerationSummary(w http.ResponseWriter, r *http.Request) {
	generation, err := strconv.Atoi(mux.Vars(r)["generation"])
	if err != nil {
		http.Error(w, "invalid generation", http.StatusBadRequest)
		return
	}
	trial := 1.0
	if t := r.URL.Query().Get("trial"); t != "" {
		if trial, err = strconv.ParseFloat(t, 64); err != nil {
			http.Error(w, "invalid trial", http.StatusBadRequest)
			return
		}
	}
	base := store.GenerationFilter(generation, trial, r.URL.Query().Get("algo"))

	resp := GenerationSummaryResponse{
		Generation: generation,
		Trial:      trial,
		Algo:       *base.Algo,
		Counts:     make(map[models.UnitStatus]int),
	}
	for _, status := range []models.UnitStatus{
		models.UnitStatusPending,
		models.UnitStatusInProgress,
		models.UnitStatusFailed,
		models.UnitStatusFinished,
		models.UnitStatusPermanentlyFailed,
	} {
		f, _ := base.WithStatus(status)
		n, err := h.store.CountMatching(r.Context(), f)
		if err != nil {
			http.Error(w, "failed to count units", http.StatusInternalServerError)
			return
		}
		resp.Counts[status] = n
	}

	resp.Workers, err = h.store.DistinctHostnames(r.Context(), base.InProgress())
	if err != nil {
		http.Error(w, "failed to list workers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequeueUnit puts a finished or failed unit back into the queue
func (h *Handler) RequeueUnit(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsOperator(r) {
		http.Error(w, "operator token required", http.StatusForbidden)
		return
	}
	id := mux.Vars(r)["id"]
	unit, err := store.Requeue(r.Context(), h.store, id)
	switch {
	case errors.Is(err, store.ErrUnitNotFound):
		http.Error(w, "unit not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("Failed to requeue unit", logging.Fields{"unit_id": id, "error": err.Error()})
		http.Error(w, "failed to requeue unit", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Unit requeued by operator", logging.Fields{
		"unit_id":    id,
		"generation": unit.Generation,
		"individual": unit.IndividualNum,
		"remote":     r.RemoteAddr,
	})
	unit.SerializedController = nil
	writeJSON(w, http.StatusOK, unit)
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	var f store.Filter

	if g := q.Get("generation"); g != "" {
		n, err := strconv.Atoi(g)
		if err != nil {
			return f, fmt.Errorf("invalid generation %q", g)
		}
		f.Generation = store.Int(n)
	}
	if t := q.Get("trial"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return f, fmt.Errorf("invalid trial %q", t)
		}
		f.Trial = store.Float(v)
	}
	if a := q.Get("algo"); a != "" {
		f.Algo = store.String(a)
	}
	if host := q.Get("hostname"); host != "" {
		f.Hostname = store.String(host)
	}
	if s := q.Get("status"); s != "" {
		return f.WithStatus(models.UnitStatus(s))
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
