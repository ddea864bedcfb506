/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     X-Forwarded-For / X-Real-IP into RemoteAddr (punch source IP)
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Latency histogram by route pattern
  6. CORS:       Cross-origin requests for kiosk/web clients

ROUTE GROUPS:
  /api/employees/*      Employees, fence assignment, punches, days, hours
  /api/geofences        Fence management
  /api/ledger/verify    Range integrity audit
  /api/punches/{nsr}/*  Single record audit
  /metrics              Prometheus exposition
  /healthz              Liveness + store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/timeclock/metrics"
)

// Options configures the router around a Handler.
type Options struct {
	// CORSOrigins are the allowed origins. Empty or "*" allows any origin
	// without credentials.
	CORSOrigins []string
	// Metrics, when set, records request latency and serves /metrics.
	Metrics *metrics.Recorder
	// Health is called by /healthz; typically the store's Ping.
	Health func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(instrument(opts.Metrics))
	}
	r.Use(cors.Handler(corsOptions(opts.CORSOrigins)))

	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/geofences", h.ListEmployeeGeofences)
			r.Post("/{id}/geofences", h.AssignGeofence)
			r.Get("/{id}/punches", h.ListPunches)
			r.Post("/{id}/punches", h.RecordPunch)
			r.Get("/{id}/days/{date}", h.DayStatus)
			r.Get("/{id}/hours", h.Hours)
		})

		r.Route("/geofences", func(r chi.Router) {
			r.Get("/", h.ListGeofences)
			r.Post("/", h.CreateGeofence)
		})

		r.Get("/ledger/verify", h.VerifyLedger)
		r.Get("/punches/count", h.CountPunches)
		r.Get("/punches/{nsr}/verify", h.VerifyRecord)
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	r.Get("/healthz", healthz(opts.Health))

	return r
}

func corsOptions(origins []string) cors.Options {
	o := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		o.AllowedOrigins = []string{"*"}
		return o
	}
	o.AllowCredentials = true
	return o
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.String("remote", r.RemoteAddr),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// instrument observes latency labelled by the matched route pattern, so
// /api/employees/{id}/punches is one series regardless of the ID.
func instrument(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
