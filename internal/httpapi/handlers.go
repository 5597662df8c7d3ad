// Package httpapi serves the operational endpoints of authd: liveness,
// readiness, build info and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"authcore.org/internal/clock"
	"authcore.org/internal/obs"
)

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function to ReadyProbe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ready(ctx context.Context) error { return f(ctx) }

type API struct {
	mux        *http.ServeMux
	probe      ReadyProbe
	version    string
	logger     *slog.Logger
	clock      clock.Clock
	rateBurst  int
	ratePerSec float64
}

type Option func(*API)

func WithLogger(l *slog.Logger) Option { return func(a *API) { a.logger = l } }
func WithClock(c clock.Clock) Option   { return func(a *API) { a.clock = c } }

// WithRateLimit sets the per-client token bucket. A non-positive rate
// disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func New(probe ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		probe:      probe,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = obs.Resolve(a.logger)
	a.clock = clock.OrSystem(a.clock)

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	return a
}

// Handler returns the mux wrapped in request id, logging, rate limiting and
// metrics middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	return RequestID(Logging(a.logger)(obs.Instrument(h)))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authd",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.probe != nil {
		if err := a.probe.Ready(ctx); err != nil {
			a.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	build := obs.CurrentBuild()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "authd",
		"time":       a.clock.Now().UTC().Format(time.RFC3339),
		"version":    a.version,
		"commit":     build.Commit,
		"go_version": build.GoVersion,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
