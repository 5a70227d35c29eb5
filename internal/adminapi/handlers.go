package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/kumogo/internal/adminrule"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/queuename"
	"github.com/relaycore/kumogo/internal/schedqueue"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body required")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// handleSuspend implements `suspend`: every currently-resolved queue
// matching the criteria is suspended immediately, and a standing rule is
// installed so queues resolved later (a queue that hasn't been touched
// yet, or one evicted and re-created) pick up the suspension too, via
// Service.WrapCreate.
func (s *Service) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req criteriaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	criteria := req.criteria()
	id := newRuleID()
	rule := adminrule.Rule{
		ID:       id,
		Criteria: criteria,
		Payload:  rulePayload{Kind: ruleKindSuspend, Reason: req.Reason},
	}
	if req.Expires != nil {
		rule.Expires = *req.Expires
	}
	s.rules.Insert(rule)

	snap := s.manager.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	matched := matchingQueueNames(names, criteria)
	for _, name := range matched {
		snap[name].Suspend()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id.String(),
		"matched": matched,
	})
}

// handleSuspendCancel implements `suspend-cancel`: removes the named
// suspend rule (by id), then re-evaluates every currently suspended
// queue — a queue only has SuspendCancel called on it if the rule index
// no longer returns a suspend rule for it, so an overlap between two
// suspend rules is not lifted prematurely.
func (s *Service) handleSuspendCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	s.rules.RemoveByID(id)

	snap := s.manager.Snapshot()
	var unsuspended []string
	for name, q := range snap {
		if !q.IsSuspended() {
			continue
		}
		if matchesStandingSuspend(s.rules, name) {
			continue
		}
		q.SuspendCancel()
		unsuspended = append(unsuspended, name)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"unsuspended": unsuspended})
}

// handleXfer implements `xfer`: every message currently resident (not
// yet dispatched) in a scheduled queue matching the criteria is rebound
// onto a transfer queue whose name carries the same campaign/tenant/
// domain with `target` as its routing-domain suffix — the queue-name
// grammar's own mechanism for "deliver this queue's mail somewhere other
// than its nominal domain" (internal/queuename), reused rather than
// inventing a second encoding for the same idea.
func (s *Service) handleXfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		criteriaRequest
		Target string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}

	criteria := req.criteria()
	ctx := r.Context()
	snap := s.manager.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	matched := matchingQueueNames(names, criteria)

	id := newRuleID()
	var transferred int
	var errs []string

	for _, sourceName := range matched {
		sourceQ := snap[sourceName]
		n := queuename.Parse(sourceName)
		transferName := queuename.Name{Campaign: n.Campaign, Tenant: n.Tenant, Domain: n.Domain, RoutingDomain: req.Target}.String()

		transferQ, err := s.manager.Resolve(ctx, transferName, s.create)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: resolve transfer queue: %v", sourceName, err))
			continue
		}

		for _, msg := range sourceQ.Snapshot() {
			if _, err := schedqueue.Transfer(ctx, msg, sourceQ, transferQ, s.recordLog); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", msg.ID(), err))
				continue
			}
			transferred++
		}
	}

	s.rules.Insert(adminrule.Rule{
		ID:       id,
		Criteria: criteria,
		Payload:  rulePayload{Kind: ruleKindXfer, Target: req.Target},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          id.String(),
		"transferred": transferred,
		"errors":      errs,
	})
}

// handleXferCancel implements `xfer-cancel`: only messages still resident
// in the transfer queue (i.e. not yet popped for delivery to the target
// endpoint) are reboundable — Queue.Snapshot only ever shows those,
// satisfying "may only cancel transfers whose messages have not yet been
// written to the target endpoint" (§5) without any extra in-flight
// bookkeeping.
func (s *Service) handleXferCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		criteriaRequest
		Target string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}

	criteria := req.criteria()
	ctx := r.Context()
	snap := s.manager.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}

	var cancelled int
	var errs []string

	for _, sourceName := range matchingQueueNames(names, criteria) {
		n := queuename.Parse(sourceName)
		transferName := queuename.Name{Campaign: n.Campaign, Tenant: n.Tenant, Domain: n.Domain, RoutingDomain: req.Target}.String()
		if transferName == sourceName {
			continue
		}
		transferQ, ok := snap[transferName]
		if !ok {
			continue
		}
		restoreQ, ok := snap[sourceName]
		if !ok {
			continue
		}
		for _, msg := range transferQ.Snapshot() {
			if _, err := schedqueue.Rebind(ctx, msg, transferQ, restoreQ, s.recordLog); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", msg.ID(), err))
				continue
			}
			cancelled++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled, "errors": errs})
}

// messageView is one inspect-sched-q entry.
type messageView struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Due         string `json:"due,omitempty"`
	NumAttempts uint16 `json:"num_attempts"`
}

// handleInspectSchedQ implements `inspect-sched-q`: lists every message
// currently held by queues matching the criteria (or an exact queue name
// via ?queue=), without disturbing delivery.
func (s *Service) handleInspectSchedQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if exact := q.Get("queue"); exact != "" {
		snap := s.manager.Snapshot()
		queue, ok := snap[exact]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{exact: renderMessages(queue.Snapshot())})
		return
	}

	criteria := adminrule.Criteria{
		Campaign:      optionalParam(q, "campaign"),
		Tenant:        optionalParam(q, "tenant"),
		Domain:        optionalParam(q, "domain"),
		RoutingDomain: optionalParam(q, "routing_domain"),
	}

	snap := s.manager.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}

	result := map[string]interface{}{}
	for _, name := range matchingQueueNames(names, criteria) {
		result[name] = renderMessages(snap[name].Snapshot())
	}
	writeJSON(w, http.StatusOK, result)
}

func renderMessages(msgs []*mtamsg.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		view := messageView{
			ID:          m.ID().String(),
			Sender:      m.Sender().String(),
			Recipient:   m.Recipient().String(),
			NumAttempts: m.NumAttempts(),
		}
		if due := m.Due(); due != nil {
			view.Due = due.UTC().Format(time.RFC3339)
		}
		out = append(out, view)
	}
	return out
}

func optionalParam(q map[string][]string, key string) *string {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return nil
	}
	return &vals[0]
}
