package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/internal/websocket"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Engine is the part of the tracker the API drives
type Engine interface {
	ProcessFix(ctx context.Context, fix tracker.Fix) (tracker.UpdatedFix, error)
	RunTimeoutSweep(ctx context.Context, now time.Time) tracker.SweepResult
	ActiveFlights() []*tracker.Flight
	State(deviceID string) (tracker.StateSnapshot, bool)
	Stats() (aircraft, openFlights, pendingTow int)
}

// StatusFunc reports one component's health for GET /health
type StatusFunc func() any

// Handler contains the API handlers
type Handler struct {
	engine   Engine
	history  tracker.History
	wsServer *websocket.Server
	limiter  *rate.Limiter
	maxFixes int
	status   map[string]StatusFunc
	now      func() time.Time
	logger   *logger.Logger
}

// Options configure a Handler
type Options struct {
	FixSubmitRate     float64 // fixes per second, 0 = unlimited
	FixSubmitBurst    int
	MaxFixesPerSubmit int
	Now               func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(engine Engine, history tracker.History, wsServer *websocket.Server, opts Options, log *logger.Logger) *Handler {
	h := &Handler{
		engine:   engine,
		history:  history,
		wsServer: wsServer,
		maxFixes: opts.MaxFixesPerSubmit,
		status:   make(map[string]StatusFunc),
		now:      opts.Now,
		logger:   log.Named("api"),
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.maxFixes <= 0 {
		h.maxFixes = 500
	}
	if opts.FixSubmitRate > 0 {
		burst := max(opts.FixSubmitBurst, 1)
		h.limiter = rate.NewLimiter(rate.Limit(opts.FixSubmitRate), burst)
	}
	return h
}

// AddStatus registers a component reported by GET /health
func (h *Handler) AddStatus(name string, fn StatusFunc) {
	h.status[name] = fn
}

// GetHealth returns engine counters and the status of registered components
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	aircraft, open, pendingTow := h.engine.Stats()
	response := map[string]any{
		"status":       "ok",
		"time":         h.now().UTC(),
		"aircraft":     aircraft,
		"open_flights": open,
		"pending_tow":  pendingTow,
	}
	if h.wsServer != nil {
		response["websocket_clients"] = h.wsServer.ClientCount()
	}
	for name, fn := range h.status {
		response[name] = fn()
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetActiveFlights returns every open flight, most recently updated first
func (h *Handler) GetActiveFlights(w http.ResponseWriter, r *http.Request) {
	flights := h.engine.ActiveFlights()
	if limit := queryInt(r, "limit", 0); limit > 0 && len(flights) > limit {
		flights = flights[:limit]
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":   len(flights),
		"flights": flights,
	})
}

// GetFlight returns a flight by id; ?track=true adds its fixes
func (h *Handler) GetFlight(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid flight id")
		return
	}

	flight, err := h.history.GetFlight(r.Context(), id)
	if errors.Is(err, tracker.ErrFlightNotFound) {
		writeError(w, http.StatusNotFound, "flight not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load flight", logger.String("flight_id", id.String()), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load flight")
		return
	}

	response := map[string]any{"flight": flight}
	if r.URL.Query().Get("track") == "true" {
		track, err := h.history.FlightTrack(r.Context(), id)
		if err != nil {
			h.logger.Error("Failed to load flight track", logger.String("flight_id", id.String()), logger.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load flight track")
			return
		}
		response["track"] = track
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetAircraft returns the tracker state of a device and its recent flights
func (h *Handler) GetAircraft(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if device == "" {
		writeError(w, http.StatusBadRequest, "missing device id")
		return
	}

	limit := queryInt(r, "limit", 20)
	flights, err := h.history.ListFlights(r.Context(), device, limit)
	if err != nil {
		h.logger.Error("Failed to list flights", logger.String("device", device), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list flights")
		return
	}

	state, tracked := h.engine.State(device)
	if !tracked && len(flights) == 0 {
		writeError(w, http.StatusNotFound, "aircraft not found")
		return
	}

	response := map[string]any{
		"device_id": device,
		"tracked":   tracked,
		"flights":   flights,
	}
	if tracked {
		response["state"] = state
	}
	WriteJSON(w, http.StatusOK, response)
}

// FixResult is the outcome of one submitted fix
type FixResult struct {
	Fix   *tracker.UpdatedFix `json:"fix,omitempty"`
	Error string              `json:"error,omitempty"`
}

// SubmitFixes applies a fix, or an array of fixes, synchronously. A single fix
// maps its error to the status code; an array always answers 200 with one
// result per fix.
func (h *Handler) SubmitFixes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	body = bytes.TrimSpace(body)
	batch := len(body) > 0 && body[0] == '['
	var fixes []tracker.Fix
	if batch {
		err = json.Unmarshal(body, &fixes)
	} else {
		var fix tracker.Fix
		err = json.Unmarshal(body, &fix)
		fixes = []tracker.Fix{fix}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(fixes) == 0 {
		writeError(w, http.StatusBadRequest, "no fixes")
		return
	}
	if len(fixes) > h.maxFixes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("%d fixes exceeds the limit of %d per request", len(fixes), h.maxFixes))
		return
	}
	if h.limiter != nil {
		if len(fixes) > h.limiter.Burst() {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("%d fixes exceeds the rate limit burst of %d", len(fixes), h.limiter.Burst()))
			return
		}
		if !h.limiter.AllowN(h.now(), len(fixes)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "fix submission rate exceeded")
			return
		}
	}

	results := make([]FixResult, len(fixes))
	var lastErr error
	for i, f := range fixes {
		out, err := h.engine.ProcessFix(r.Context(), f)
		if err != nil {
			results[i].Error = err.Error()
			lastErr = err
			continue
		}
		results[i].Fix = &out
	}

	if !batch && lastErr != nil {
		writeError(w, statusFor(lastErr), lastErr.Error())
		return
	}
	if batch {
		WriteJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	WriteJSON(w, http.StatusOK, results[0].Fix)
}

// RunSweep runs a timeout sweep now
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res := h.engine.RunTimeoutSweep(r.Context(), h.now())
	errs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	h.logger.Info("Manual timeout sweep",
		logger.Int("checked", res.Checked),
		logger.Int("timed_out", res.TimedOut),
		logger.Int("deleted", res.Deleted),
		logger.Int("evicted", res.Evicted))
	WriteJSON(w, http.StatusOK, map[string]any{
		"checked":    res.Checked,
		"timed_out":  res.TimedOut,
		"deleted":    res.Deleted,
		"evicted":    res.Evicted,
		"errors":     errs,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
}

// HandleMessage answers websocket requests for the current active flights
func (h *Handler) HandleMessage(client *websocket.Client, messageType string, _ json.RawMessage) error {
	switch messageType {
	case "active_flights_request":
		client.SendMessage(&websocket.Message{
			Type: "active_flights",
			Data: h.engine.ActiveFlights(),
		})
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", messageType)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidFix):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrStaleFix):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
