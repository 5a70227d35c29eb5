// Package httpinject implements the HTTP message-injection surface
// (POST /api/inject/v1): it accepts a JSON envelope + content builder or
// raw RFC-822 body, expands per-recipient substitutions, spools one
// Message per recipient, and routes it to its scheduled queue — the HTTP
// analogue of the SMTP ingress path (internal/smtpserver), sharing the
// same HTTPMessageGenerated policy hook boundary named in §4.3.
//
// Backpressure is adapted from the teacher's queue-depth monitor
// (internal/worker/backpressure.go): instead of polling a SQL table, it
// tracks in-flight injected-but-not-yet-spooled messages with an atomic
// counter and applies the same pause-at-max/resume-at-50% hysteresis, so
// a burst of inject calls can't out-run the scheduled-queue maintainers.
package httpinject

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/queuename"
	"github.com/relaycore/kumogo/internal/schedqueue"
	"github.com/relaycore/kumogo/internal/spool"
)

// Monitor tracks in-flight inject requests and signals when to reject new
// ones with 503. Pauses at maxInFlight, resumes at 50% (hysteresis
// prevents flapping under bursty load).
type Monitor struct {
	inFlight     int64
	maxInFlight  int64
	pausedFlag   int32
}

// NewMonitor constructs a Monitor. A max <= 0 disables the limit.
func NewMonitor(max int64) *Monitor {
	return &Monitor{maxInFlight: max}
}

func (m *Monitor) enter() bool {
	if m.maxInFlight <= 0 {
		atomic.AddInt64(&m.inFlight, 1)
		return true
	}
	if atomic.LoadInt32(&m.pausedFlag) == 1 {
		return false
	}
	n := atomic.AddInt64(&m.inFlight, 1)
	if n >= m.maxInFlight {
		atomic.StoreInt32(&m.pausedFlag, 1)
	}
	return true
}

func (m *Monitor) leave() {
	n := atomic.AddInt64(&m.inFlight, -1)
	if m.maxInFlight > 0 && n <= m.maxInFlight/2 {
		atomic.StoreInt32(&m.pausedFlag, 0)
	}
}

// Paused reports whether new injects should be rejected.
func (m *Monitor) Paused() bool {
	return m.maxInFlight > 0 && atomic.LoadInt32(&m.pausedFlag) == 1
}

// InFlight reports the current in-flight count.
func (m *Monitor) InFlight() int64 { return atomic.LoadInt64(&m.inFlight) }

// CreateQueue constructs a *schedqueue.Queue for a newly-seen queue name.
type CreateQueue func(ctx context.Context, name string) (*schedqueue.Queue, error)

// Service implements POST /api/inject/v1.
type Service struct {
	hooks     policy.Hooks
	sp        spool.Spool
	manager   *queuemanager.Manager[*schedqueue.Queue]
	create    CreateQueue
	recordLog *logging.RecordLogger
	monitor   *Monitor
	received  *metrics.Counter
}

// New constructs a Service. received, if non-nil, is incremented once per
// spooled recipient, matching internal/smtpserver's ingress counter.
func New(hooks policy.Hooks, sp spool.Spool, manager *queuemanager.Manager[*schedqueue.Queue], create CreateQueue, recordLog *logging.RecordLogger, monitor *Monitor, received *metrics.Counter) *Service {
	if monitor == nil {
		monitor = NewMonitor(0)
	}
	return &Service{hooks: hooks, sp: sp, manager: manager, create: create, recordLog: recordLog, monitor: monitor, received: received}
}

// Routes mounts the inject endpoint on r.
func (svc *Service) Routes(r chi.Router) {
	r.Post("/api/inject/v1", svc.handleInject)
}

// RecipientSpec is one entry in the recipients array.
type RecipientSpec struct {
	Email         string                 `json:"email"`
	Name          string                 `json:"name,omitempty"`
	Substitutions map[string]interface{} `json:"substitutions,omitempty"`
}

// Builder is the structured content form: either this or a raw RFC-822
// string may be supplied as "content".
type Builder struct {
	From        string            `json:"from,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	TextBody    string            `json:"text_body,omitempty"`
	HTMLBody    string            `json:"html_body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Attachment is a builder attachment; Content is base64 when Base64 is true.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Base64      bool   `json:"base64"`
}

// Request is the POST /api/inject/v1 body.
type Request struct {
	EnvelopeSender string                 `json:"envelope_sender"`
	Recipients     []RecipientSpec        `json:"recipients"`
	Content        json.RawMessage        `json:"content"`
	Substitutions  map[string]interface{} `json:"substitutions,omitempty"`
}

// Response is the POST /api/inject/v1 reply.
type Response struct {
	SuccessCount     int      `json:"success_count"`
	FailCount        int      `json:"fail_count"`
	FailedRecipients []string `json:"failed_recipients,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

func (svc *Service) handleInject(w http.ResponseWriter, r *http.Request) {
	if svc.monitor.Paused() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "insufficient headroom"})
		return
	}
	if !svc.monitor.enter() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "insufficient headroom"})
		return
	}
	defer svc.monitor.leave()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.EnvelopeSender == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "envelope_sender is required"})
		return
	}
	if len(req.Recipients) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recipients must be non-empty"})
		return
	}

	tmpl, rawBody, err := parseContent(req.Content)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid content: %v", err)})
		return
	}

	resp := Response{}
	sender := mtamsg.ParseAddress(req.EnvelopeSender)
	ctx := r.Context()

	for _, rcpt := range req.Recipients {
		if err := svc.injectOne(ctx, sender, rcpt, tmpl, rawBody, req.Substitutions); err != nil {
			resp.FailCount++
			resp.FailedRecipients = append(resp.FailedRecipients, rcpt.Email)
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.SuccessCount++
	}

	status := http.StatusOK
	if resp.SuccessCount == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (svc *Service) injectOne(ctx context.Context, sender mtamsg.Address, rcpt RecipientSpec, tmpl *builderTemplate, rawBody []byte, globalSubs map[string]interface{}) error {
	recipient := mtamsg.ParseAddress(rcpt.Email)

	body := rawBody
	if tmpl != nil {
		merged := mergeSubstitutions(globalSubs, rcpt.Substitutions)
		rendered, err := tmpl.render(rcpt, merged)
		if err != nil {
			return fmt.Errorf("render content: %w", err)
		}
		body = rendered
	}

	msg := mtamsg.NewDirty(sender, recipient, map[string]interface{}{"received_via": "http"}, body)

	if err := svc.hooks.HTTPMessageGenerated(ctx, msg); err != nil {
		return fmt.Errorf("policy rejected message: %w", err)
	}

	if err := msg.SaveTo(ctx, svc.sp, svc.sp); err != nil {
		return fmt.Errorf("spool message: %w", err)
	}

	metaQueue, campaign, tenant, recipientDomain := msg.QueueNameParts()
	name := queuename.FromMessageMeta(metaQueue, campaign, tenant, recipientDomain).String()

	q, err := svc.manager.Resolve(ctx, name, svc.resolveCreate)
	if err != nil {
		return fmt.Errorf("resolve queue %q: %w", name, err)
	}

	if _, err := q.InsertOrUnwind(ctx, msg, svc.sp); err != nil {
		return fmt.Errorf("insert into %q: %w", name, err)
	}

	if svc.recordLog != nil {
		_ = svc.recordLog.Log(logging.Record{
			Kind:      logging.Reception,
			SpoolID:   msg.ID().String(),
			Sender:    msg.Sender().String(),
			Recipient: msg.Recipient().String(),
			Queue:     name,
		})
	}
	if svc.received != nil {
		svc.received.Inc()
	}
	return nil
}

func (svc *Service) resolveCreate(ctx context.Context, name string) (*schedqueue.Queue, error) {
	if svc.create == nil {
		return nil, fmt.Errorf("httpinject: no queue constructor configured")
	}
	return svc.create(ctx, name)
}

func mergeSubstitutions(global, perRecipient map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(global)+len(perRecipient))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range perRecipient {
		merged[k] = v
	}
	return merged
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseContent decides whether req's content field is a raw RFC-822
// string or a structured Builder. Returns (nil, body) for the raw form,
// (tmpl, nil) for the builder form.
func parseContent(raw json.RawMessage) (*builderTemplate, []byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil, fmt.Errorf("content is required")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, nil, err
		}
		return nil, []byte(s), nil
	}

	var b Builder
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, nil, fmt.Errorf("content must be an RFC-822 string or a builder object: %w", err)
	}
	tmpl, err := newBuilderTemplate(b)
	if err != nil {
		return nil, nil, err
	}
	return tmpl, nil, nil
}
