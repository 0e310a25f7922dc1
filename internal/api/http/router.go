package apihttp

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/auth"
	"energy-telemetry/internal/logging"
)

// Pinger reports backend health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Routes are the handlers mounted by NewRouter. Nil handlers are skipped.
type Routes struct {
	Ingest     http.Handler
	Readings   http.Handler
	Aggregates http.Handler
	Export     http.Handler
	RunPass    http.Handler
	Health     Pinger
}

// Security configures request authentication.
type Security struct {
	JWTSecret     []byte
	IngestSecret  []byte
	IngestMaxSkew time.Duration
}

// NewRouter mounts routes behind access logging, JWT RBAC and ingest signatures.
func NewRouter(routes Routes, security Security, logger logrus.FieldLogger) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	ingestAuth := auth.NewIngestAuthMiddleware(security.IngestSecret, security.IngestMaxSkew)

	mux := http.NewServeMux()
	mount(mux, "/ingest/readings", routes.Ingest, ingestAuth.Wrap)
	mount(mux, "/api/v1/devices/", routes.Readings, nil)
	mount(mux, "/api/v1/aggregates", routes.Aggregates, nil)
	mount(mux, "/api/v1/aggregates/export.csv", routes.Export, nil)
	mount(mux, "/api/v1/aggregates/export.xlsx", routes.Export, nil)
	mount(mux, "/api/v1/aggregates/export.pdf", routes.Export, nil)
	mount(mux, "/aggregation/run", routes.RunPass, nil)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler(routes.Health))

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware(security.JWTSecret, policy, logger)
	return loggingMiddleware(authMiddleware.Wrap(mux), logging.Component(logger, "http"))
}

func mount(mux *http.ServeMux, pattern string, handler http.Handler, wrap func(http.Handler) http.Handler) {
	if handler == nil {
		return
	}
	if wrap != nil {
		handler = wrap(handler)
	}
	mux.Handle(pattern, handler)
}

func healthHandler(pinger Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.PingContext(ctx); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func loggingMiddleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		entry := logger.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  resp.status,
			"latency": time.Since(start).String(),
		})
		if resp.status >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
