package adminapi

import (
	"context"
	"net/http"
	"time"
)

// SignalsProvider is satisfied in cmd/kumod by a thin adapter over
// *internal/ses.Client, whose methods return concrete types. It is declared
// here, rather than depending on the concrete type, so this package
// doesn't need to know about AWS SES credentials or the sesv2 SDK just
// to expose two read-only admin routes over whatever deliverability
// source is configured.
type SignalsProvider interface {
	GetSummary(ctx context.Context, from, to time.Time) (interface{}, error)
	GetSignals(ctx context.Context, from, to time.Time) (interface{}, error)
}

// WithSignals attaches the deliverability-signals source served by
// GET /api/admin/deliverability-summary and
// GET /api/admin/deliverability-signals. Both routes are always mounted;
// omitted, both respond 404.
func WithSignals(p SignalsProvider) Option {
	return func(s *Service) { s.signals = p }
}

// deliverabilityWindow is how far back the summary/signals routes look
// when the request carries no explicit ?since= query parameter.
const deliverabilityWindow = 24 * time.Hour

func windowFromQuery(r *http.Request) (time.Time, time.Time) {
	to := time.Now().UTC()
	from := to.Add(-deliverabilityWindow)
	if since := r.URL.Query().Get("since"); since != "" {
		if d, err := time.ParseDuration(since); err == nil {
			from = to.Add(-d)
		}
	}
	return from, to
}

func (s *Service) handleDeliverabilitySummary(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no deliverability signals source configured"})
		return
	}
	from, to := windowFromQuery(r)
	summary, err := s.signals.GetSummary(r.Context(), from, to)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleDeliverabilitySignals(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no deliverability signals source configured"})
		return
	}
	from, to := windowFromQuery(r)
	signals, err := s.signals.GetSignals(r.Context(), from, to)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, signals)
}
