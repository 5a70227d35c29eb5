// Package requeue implements the requeue coordinator (C9): the decision
// point a failed delivery passes through before landing back in a
// scheduled queue, covering the policy callback, rebind detection,
// policy-level rejection, and back-off computation named in §4.9.
// Grounded on the upstream queue manager's requeue_message/rebind
// semantics and on the teacher's crash-safe redelivery idiom
// (internal/worker/queue_recovery.go): both exist to guarantee a message
// that failed mid-flight is never silently lost, only ever requeued,
// bounced, or (after a policy reject) removed with a log record.
package requeue

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/mtaerr"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/queuename"
	"github.com/relaycore/kumogo/internal/schedqueue"
	"github.com/relaycore/kumogo/internal/spool"
	"github.com/relaycore/kumogo/internal/timerqueue"
)

// CreateQueue constructs a *schedqueue.Queue for a newly-seen queue name;
// supplied by the caller (cmd/kumod) since only it knows the shared
// singleton wheel / onReady wiring.
type CreateQueue func(ctx context.Context, name string) (*schedqueue.Queue, error)

// Coordinator is the single entry point the dispatcher (C8) and the SES
// egress target (internal/egress/ses) call to hand off a message after a
// transient failure.
type Coordinator struct {
	hooks     policy.Hooks
	sp        spool.Spool
	manager   *queuemanager.Manager[*schedqueue.Queue]
	recordLog *logging.RecordLogger
	retry     timerqueue.RetryPolicy
	create    CreateQueue

	// ExtraHandlers run, in order, before the canonical policy hook; the
	// first one to return ok=true wins (policy.Dispatch's allow_multiple
	// semantics). The hooks.RequeueMessage call is always appended last
	// as the terminal, always-hits handler.
	ExtraHandlers []policy.Handler[policy.RequeueDecision]
}

// New constructs a Coordinator.
func New(hooks policy.Hooks, sp spool.Spool, manager *queuemanager.Manager[*schedqueue.Queue], recordLog *logging.RecordLogger, retry timerqueue.RetryPolicy, create CreateQueue) *Coordinator {
	return &Coordinator{hooks: hooks, sp: sp, manager: manager, recordLog: recordLog, retry: retry, create: create}
}

// Requeue implements dispatcher.Requeuer. It runs the five-step contract:
//  1. ensure metadata is loaded (a message arriving here may have been
//     shrunk since it was last spooled),
//  2. invoke the requeue_message policy hook chain,
//  3. honor a policy rebind (queue name changed) via schedqueue.Rebind,
//  4. honor a policy reject as a Bounce (spool removal, no reschedule),
//  5. otherwise compute a back-off due time and insert into the
//     (possibly unchanged) resolved scheduled queue.
func (c *Coordinator) Requeue(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse) error {
	if err := msg.LoadMeta(ctx, c.sp); err != nil {
		return fmt.Errorf("requeue: load meta: %w", err)
	}

	decision, err := c.runHandlers(ctx, msg, resp)
	if err != nil {
		return mtaerr.Configuration(fmt.Errorf("requeue: requeue_message: %w", err))
	}

	if decision.Reject != nil {
		return c.reject(ctx, msg, *decision.Reject)
	}

	metaQueue, campaign, tenant, recipientDomain := msg.QueueNameParts()
	currentName := queuename.FromMessageMeta(metaQueue, campaign, tenant, recipientDomain).String()

	targetName := currentName
	rebind := false
	if decision.NewQueueName != "" && decision.NewQueueName != currentName {
		targetName = decision.NewQueueName
		rebind = true
	}

	newQueue, err := c.manager.Resolve(ctx, targetName, c.resolveCreate)
	if err != nil {
		return fmt.Errorf("requeue: resolve queue %q: %w", targetName, err)
	}

	if rebind {
		if _, err := schedqueue.Rebind(ctx, msg, nil, newQueue, c.recordLog); err != nil {
			return c.unwind(ctx, msg, newQueue.Name(), err)
		}
		return nil
	}

	due, err := c.computeDue(ctx, msg, targetName, decision.Delay)
	if err != nil {
		return err
	}
	msg.IncrementAttempts()
	msg.SetDue(&due)

	if _, err := newQueue.InsertOrUnwind(ctx, msg, c.sp); err != nil {
		return fmt.Errorf("requeue: insert into %q: %w", targetName, err)
	}
	return nil
}

func (c *Coordinator) resolveCreate(ctx context.Context, name string) (*schedqueue.Queue, error) {
	if c.create == nil {
		return nil, fmt.Errorf("requeue: no queue constructor configured")
	}
	return c.create(ctx, name)
}

func (c *Coordinator) runHandlers(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse) (policy.RequeueDecision, error) {
	handlers := append([]policy.Handler[policy.RequeueDecision]{}, c.ExtraHandlers...)
	handlers = append(handlers, func(ctx context.Context) (policy.RequeueDecision, bool, error) {
		d, err := c.hooks.RequeueMessage(ctx, msg, resp, true, nil)
		if err != nil {
			return policy.RequeueDecision{}, false, err
		}
		return d, true, nil
	})
	decision, _, err := policy.Dispatch(ctx, handlers)
	return decision, err
}

func (c *Coordinator) computeDue(ctx context.Context, msg *mtamsg.Message, queueName string, overrideDelay *float64) (time.Time, error) {
	now := time.Now().UTC()
	if overrideDelay != nil {
		return now.Add(time.Duration(*overrideDelay * float64(time.Second))), nil
	}

	var expires *time.Time
	if sched := msg.Scheduling(); sched != nil {
		expires = sched.Expires
	}

	var maxAge time.Duration
	if qcfg, err := c.hooks.GetQueueConfig(ctx, queueName); err == nil && qcfg.MaxAge > 0 {
		maxAge = time.Duration(qcfg.MaxAge * float64(time.Second))
	}

	return c.retry.NextDue(now, int(msg.NumAttempts()), expires, maxAge), nil
}

func (c *Coordinator) reject(ctx context.Context, msg *mtamsg.Message, reject policy.RejectDecision) error {
	if c.recordLog != nil {
		_ = c.recordLog.Log(logging.Record{
			Kind:      logging.Bounce,
			SpoolID:   msg.ID().String(),
			Sender:    msg.Sender().String(),
			Recipient: msg.Recipient().String(),
			Response:  reject.Reason,
			Code:      reject.Code,
		})
	}
	return c.sp.Remove(ctx, msg.ID())
}

func (c *Coordinator) unwind(ctx context.Context, msg *mtamsg.Message, queueName string, cause error) error {
	_ = c.sp.Remove(ctx, msg.ID())
	if c.recordLog != nil {
		_ = c.recordLog.Log(logging.Record{
			Kind:      logging.Bounce,
			SpoolID:   msg.ID().String(),
			Sender:    msg.Sender().String(),
			Recipient: msg.Recipient().String(),
			Queue:     queueName,
			Response:  cause.Error(),
			Code:      500,
		})
	}
	return fmt.Errorf("requeue: unwound message after insert failure: %w", cause)
}
