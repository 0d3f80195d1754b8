// Package api provides the admin HTTP API for Courier webhook management.
//
// Routes are registered on a gorilla/mux router so the handler can be
// mounted under any prefix with Router().PathPrefix or used directly as an
// http.Handler.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hookline/courier"
)

// Handler is the root HTTP handler for the Courier admin API.
type Handler struct {
	courier *courier.Courier
	logger  *slog.Logger
	router  *mux.Router
}

// NewHandler creates a new admin API handler around a wired Courier.
func NewHandler(c *courier.Courier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		courier: c,
		logger:  logger,
		router:  mux.NewRouter(),
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	r := h.router

	// Event kinds
	r.HandleFunc("/event-kinds", h.registerEventKind).Methods(http.MethodPost)
	r.HandleFunc("/event-kinds", h.listEventKinds).Methods(http.MethodGet)
	r.HandleFunc("/event-kinds/{name}", h.getEventKind).Methods(http.MethodGet)
	r.HandleFunc("/event-kinds/{name}", h.deleteEventKind).Methods(http.MethodDelete)

	// Subscriptions
	r.HandleFunc("/subscriptions", h.createSubscription).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions", h.listSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}", h.getSubscription).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}", h.updateSubscription).Methods(http.MethodPut)
	r.HandleFunc("/subscriptions/{id}", h.deleteSubscription).Methods(http.MethodDelete)
	r.HandleFunc("/subscriptions/{id}/pause", h.pauseSubscription).Methods(http.MethodPatch)
	r.HandleFunc("/subscriptions/{id}/resume", h.resumeSubscription).Methods(http.MethodPatch)
	r.HandleFunc("/subscriptions/{id}/test", h.testSubscription).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{id}/deliveries", h.listDeliveries).Methods(http.MethodGet)

	// Events
	r.HandleFunc("/events", h.emitEvent).Methods(http.MethodPost)
	r.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", h.getEvent).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}/deliveries", h.listEventDeliveries).Methods(http.MethodGet)

	// Deliveries
	r.HandleFunc("/deliveries/{id}", h.getDelivery).Methods(http.MethodGet)
	r.HandleFunc("/deliveries/{id}/retry", h.retryDelivery).Methods(http.MethodPost)

	// DLQ
	r.HandleFunc("/dlq", h.listDLQ).Methods(http.MethodGet)
	r.HandleFunc("/dlq/replay", h.replayBulkDLQ).Methods(http.MethodPost)
	r.HandleFunc("/dlq/purge", h.purgeDLQ).Methods(http.MethodPost)
	r.HandleFunc("/dlq/{id}", h.getDLQ).Methods(http.MethodGet)
	r.HandleFunc("/dlq/{id}/replay", h.replayDLQ).Methods(http.MethodPost)

	// Stats
	r.HandleFunc("/stats", h.getStats).Methods(http.MethodGet)
}

// Router exposes the underlying mux router for mounting.
func (h *Handler) Router() *mux.Router {
	return h.router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withMiddleware(h.router).ServeHTTP(w, r)
}

func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.panicRecovery(h.logging(next))
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// pathVar returns a mux path variable.
func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a query parameter as int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
