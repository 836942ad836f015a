package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"swarmview/mirror/internal/driver"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/reconcile"
	"swarmview/mirror/internal/replay"
)

// ReadinessProvider exposes the state readiness checks depend on.
type ReadinessProvider interface {
	// Ready is true once at least one snapshot has been applied.
	Ready() bool
	ViewerCount() int
	Uptime() time.Duration
}

// Stats is the payload of /api/stats.
type Stats struct {
	Driver  driver.CycleStats    `json:"driver"`
	Viewers int                  `json:"viewers"`
	Replay  *replay.Stats        `json:"replay,omitempty"`
	Storage *replay.StorageStats `json:"storage,omitempty"`
}

// SessionRoller closes the active replay session and starts a new one.
type SessionRoller interface {
	RollSession(ctx context.Context) (string, error)
}

// SessionRollerFunc adapts a function into a SessionRoller.
type SessionRollerFunc func(ctx context.Context) (string, error)

// RollSession implements SessionRoller.
func (f SessionRollerFunc) RollSession(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	State       func() reconcile.View
	Stats       func() Stats
	Metrics     http.Handler
	Roller      SessionRoller
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the mirror's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	state       func() reconcile.View
	stats       func() Stats
	metrics     http.Handler
	roller      SessionRoller
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger.With(logging.String("component", "httpapi")),
		readiness:   opts.Readiness,
		state:       opts.State,
		stats:       opts.Stats,
		metrics:     opts.Metrics,
		roller:      opts.Roller,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/api/state", h.StateHandler())
	mux.HandleFunc("/api/stats", h.StatsHandler())
	mux.HandleFunc("/admin/replay/roll", h.RollHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler answers 503 until the first snapshot was applied.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Viewers       int     `json:"viewers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Viewers = h.readiness.ViewerCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if !h.readiness.Ready() {
				status = http.StatusServiceUnavailable
				resp.Status = "waiting"
				resp.Message = "no snapshot applied yet"
			}
		}
		writeJSON(w, status, resp)
	}
}

// StateHandler returns the current local mirror.
func (h *HandlerSet) StateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.state == nil {
			http.Error(w, "state is unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.state())
	}
}

// StatsHandler returns driver, viewer and replay statistics.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.stats == nil {
			http.Error(w, "stats are unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.stats())
	}
}

// RollHandler authorises and triggers a replay session roll.
func (h *HandlerSet) RollHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "replay_roll"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		//1.- Gate on configuration, credentials and the rate limit in that order.
		if h.adminToken == "" {
			reqLogger.Warn("replay roll denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay roll denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("replay roll denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.roller == nil {
			reqLogger.Warn("replay roll denied: recording disabled")
			http.Error(w, "replay recording is disabled", http.StatusServiceUnavailable)
			return
		}
		//2.- Roll and report the directory of the closed session.
		location, err := h.roller.RollSession(r.Context())
		if err != nil {
			reqLogger.Error("replay roll failed", logging.Error(err))
			http.Error(w, "failed to roll replay session", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay session rolled", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
