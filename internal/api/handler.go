package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/monitor"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
)

const (
	maxBatchSize = 100
	maxBodyBytes = 1 << 20
)

// PatternReloader re-reads the pattern file into the catalog.
type PatternReloader func() (*pattern.Library, error)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	rt      *monitor.Runtime
	catalog *pattern.Catalog
	reload  PatternReloader // nil when no pattern file is configured
	logger  *slog.Logger
	now     func() time.Time
	mux     *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(rt *monitor.Runtime, cat *pattern.Catalog, reload PatternReloader, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{rt: rt, catalog: cat, reload: reload, logger: logger, now: time.Now, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/monitors", h.listMonitors)
	h.mux.HandleFunc("GET /v1/monitors/{id}", h.getMonitor)
	h.mux.HandleFunc("GET /v1/monitors/{id}/detections", h.listDetections)
	h.mux.HandleFunc("POST /v1/monitors/{id}/scan", h.scanNow)
	h.mux.HandleFunc("GET /v1/patterns", h.listPatterns)
	h.mux.HandleFunc("POST /v1/patterns/reload", h.reloadPatterns)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// POST /v1/events: route one event to the subscribed monitors.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	ev, err := event.Decode(body, "", h.now())
	if err != nil {
		metrics.EventsRejected.WithLabelValues("http").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id": ev.ID,
		"topic":    ev.Topic,
		"routed":   h.rt.Route(ev),
	})
}

type batchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// POST /v1/events/batch: route up to 100 events; invalid ones are reported
// by index and do not fail the batch.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(raw) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(raw), maxBatchSize))
		return
	}

	now := h.now()
	accepted, routed := 0, 0
	var rejected []batchError
	for i, data := range raw {
		ev, err := event.Decode(data, "", now)
		if err != nil {
			metrics.EventsRejected.WithLabelValues("http").Inc()
			rejected = append(rejected, batchError{Index: i, Error: err.Error()})
			continue
		}
		accepted++
		routed += h.rt.Route(ev)
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"total":      len(raw),
		"accepted":   accepted,
		"deliveries": routed,
		"rejected":   rejected,
	})
}

// GET /v1/monitors: status of every monitor.
func (h *Handler) listMonitors(w http.ResponseWriter, r *http.Request) {
	ms := h.rt.Monitors()
	out := make([]monitor.Status, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Status())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"monitors": out})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*monitor.Monitor, bool) {
	id := r.PathValue("id")
	m, ok := h.rt.Monitor(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("monitor %s not found", id))
	}
	return m, ok
}

// GET /v1/monitors/{id}: status plus cycle history.
func (h *Handler) getMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  m.Status(),
		"history": m.History(),
	})
}

// GET /v1/monitors/{id}/detections?limit=N: most recent detections, oldest
// first.
func (h *Handler) listDetections(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	dets := m.Detections()
	limit, ok, err := queryLimit(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ok && limit < len(dets) {
		dets = dets[len(dets)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monitor_id": m.ID(),
		"count":      len(dets),
		"detections": dets,
	})
}

// POST /v1/monitors/{id}/scan: run a cycle now. 409 when one is running.
func (h *Handler) scanNow(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	rec, err := m.RunOneCycle(r.Context())
	if errors.Is(err, monitor.ErrScanInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/patterns: the active pattern library.
func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	lib := h.catalog.Library()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    lib.Len(),
		"patterns": lib.Patterns(),
	})
}

// POST /v1/patterns/reload: re-read the pattern file.
func (h *Handler) reloadPatterns(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeError(w, http.StatusConflict, "no pattern file configured; the builtin catalog is active")
		return
	}
	lib, err := h.reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":       true,
		"patterns_count": lib.Len(),
	})
}

// GET /healthz: always 200 while the process is up.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 until every monitor is running.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	var stopped []string
	for _, m := range h.rt.Monitors() {
		if !m.Status().Running {
			stopped = append(stopped, m.ID())
		}
	}
	if len(stopped) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"stopped": stopped,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
