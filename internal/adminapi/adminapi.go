// Package adminapi implements the admin HTTP/WebSocket surface (§6):
// suspend/suspend-cancel/xfer/xfer-cancel/inspect-sched-q, Prometheus and
// JSON metrics endpoints, an optional deliverability-signals pair backed
// by whatever SignalsProvider is configured, and a WebSocket trace
// channel. It operates
// entirely over the primitives internal/schedqueue, internal/queuemanager
// and internal/adminrule already expose — this package is wiring, not
// new core logic, grounded on internal/api/routes.go's chi+cors mounting
// idiom.
package adminapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/relaycore/kumogo/internal/adminrule"
	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/schedqueue"
)

// Service implements the admin HTTP/WebSocket surface.
type Service struct {
	manager     *queuemanager.Manager[*schedqueue.Queue]
	rules       *adminrule.Index
	metricsReg  *metrics.Registry
	recordLog   *logging.RecordLogger
	create      queuemanager.CreateFunc[*schedqueue.Queue]
	bearerToken string
	tracer      *Tracer
	signals     SignalsProvider
}

// Option configures a Service at construction.
type Option func(*Service)

func WithBearerToken(token string) Option { return func(s *Service) { s.bearerToken = token } }
func WithRecordLogger(rl *logging.RecordLogger) Option {
	return func(s *Service) { s.recordLog = rl }
}
func WithTracer(t *Tracer) Option { return func(s *Service) { s.tracer = t } }

// New constructs a Service. create is used both to resolve transfer-queue
// targets on xfer and, via WrapCreate, to re-apply standing suspend rules
// to queues created after the rule was installed.
func New(manager *queuemanager.Manager[*schedqueue.Queue], rules *adminrule.Index, metricsReg *metrics.Registry, create queuemanager.CreateFunc[*schedqueue.Queue], opts ...Option) *Service {
	s := &Service{
		manager:    manager,
		rules:      rules,
		metricsReg: metricsReg,
		create:     create,
		tracer:     NewTracer(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tracer returns the service's WebSocket trace hub, so callers can pass
// it to smtpserver.WithTrace / httpinject instrumentation.
func (s *Service) Tracer() *Tracer { return s.tracer }

// WrapCreate wraps base so that a queue created after a matching suspend
// rule was installed starts out suspended, instead of silently bypassing
// an administrative suspension that predates it. The caller passes the
// wrapped function to whatever builds its queuemanager.Manager (cmd/kumod).
func (s *Service) WrapCreate(base queuemanager.CreateFunc[*schedqueue.Queue]) queuemanager.CreateFunc[*schedqueue.Queue] {
	return func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		q, err := base(ctx, name)
		if err != nil {
			return nil, err
		}
		if s.rules != nil && matchesStandingSuspend(s.rules, name) {
			q.Suspend()
		}
		return q, nil
	}
}

// Routes mounts the admin surface on r: bearer-token auth (if configured)
// and permissive CORS for the admin console, matching the teacher's
// cors.Handler usage in internal/api/routes.go.
func (s *Service) Routes(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/metrics", s.handleMetricsText)
	r.Get("/metrics.json", s.handleMetricsJSON)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/api/admin/suspend", s.handleSuspend)
		r.Post("/api/admin/suspend-cancel", s.handleSuspendCancel)
		r.Post("/api/admin/xfer", s.handleXfer)
		r.Post("/api/admin/xfer-cancel", s.handleXferCancel)
		r.Get("/api/admin/inspect-sched-q", s.handleInspectSchedQ)
		r.Get("/api/admin/trace", s.handleTraceWS)
		r.Get("/api/admin/deliverability-summary", s.handleDeliverabilitySummary)
		r.Get("/api/admin/deliverability-signals", s.handleDeliverabilitySignals)
	})
}

func (s *Service) requireBearer(next http.Handler) http.Handler {
	if s.bearerToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.bearerToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleMetricsText(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metricsReg.RenderPrometheus()))
}

func (s *Service) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metricsReg.Snapshot())
}
