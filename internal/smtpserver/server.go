// Package smtpserver implements SMTP ingress (§6): a hand-rolled RFC 5321
// server-side state machine accepting MAIL FROM/RCPT TO/DATA transactions,
// spooling one Message per recipient, and routing each into its scheduled
// queue through the same queuemanager.Manager single-flight resolve path
// internal/httpinject uses for HTTP-originated mail — the SMTP analogue
// of that surface, sharing the SMTPServerMessageReceived policy hook.
// Grounded on the dispatcher's client-side Client (internal/dispatcher/
// client.go): same line-oriented read/write shape, server role instead
// of client role.
package smtpserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/schedqueue"
	"github.com/relaycore/kumogo/internal/spool"
)

// CreateQueue constructs a *schedqueue.Queue for a newly-seen queue name.
type CreateQueue func(ctx context.Context, name string) (*schedqueue.Queue, error)

// TraceFunc receives one session event, fed to the admin WebSocket trace
// channel (§6: events carry {id, when, payload}).
type TraceFunc func(sessionID string, payload interface{})

// Server accepts SMTP connections and drives each through session.serve.
type Server struct {
	hostname       string
	maxMessageSize int64
	maxRecipients  int
	readTimeout    time.Duration

	hooks     policy.Hooks
	sp        spool.Spool
	manager   *queuemanager.Manager[*schedqueue.Queue]
	create    CreateQueue
	recordLog *logging.RecordLogger
	trace     TraceFunc
	received  *metrics.Counter
}

// Option configures a Server at construction.
type Option func(*Server)

func WithMaxMessageSize(n int64) Option   { return func(s *Server) { s.maxMessageSize = n } }
func WithMaxRecipients(n int) Option      { return func(s *Server) { s.maxRecipients = n } }
func WithReadTimeout(d time.Duration) Option { return func(s *Server) { s.readTimeout = d } }
func WithRecordLogger(rl *logging.RecordLogger) Option {
	return func(s *Server) { s.recordLog = rl }
}

// WithTrace attaches a TraceFunc invoked once per command line received on
// every session, for the admin WebSocket trace channel. Replies and DATA
// body lines are not traced.
func WithTrace(fn TraceFunc) Option { return func(s *Server) { s.trace = fn } }

// WithMetrics attaches the counter incremented once per spooled
// recipient, so the admin /metrics surface reflects real ingress volume
// instead of a registered-but-static zero.
func WithMetrics(received *metrics.Counter) Option {
	return func(s *Server) { s.received = received }
}

// New constructs a Server.
func New(hostname string, hooks policy.Hooks, sp spool.Spool, manager *queuemanager.Manager[*schedqueue.Queue], create CreateQueue, opts ...Option) *Server {
	s := &Server{
		hostname:       hostname,
		maxMessageSize: 36 * 1024 * 1024,
		maxRecipients:  1024,
		readTimeout:    5 * time.Minute,
		hooks:          hooks,
		sp:             sp,
		manager:        manager,
		create:         create,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) resolveQueue(ctx context.Context, name string) (*schedqueue.Queue, error) {
	if s.create == nil {
		return nil, fmt.Errorf("smtpserver: no queue constructor configured")
	}
	return s.manager.Resolve(ctx, name, func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return s.create(ctx, name)
	})
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each connection is handled in its own goroutine; Serve does not return
// until the listener is closed (by ctx cancellation via the caller, or by
// an Accept error).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go newSession(s, conn).serve(ctx)
	}
}
