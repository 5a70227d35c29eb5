// Package policy defines the typed callback boundary standing in for the
// embedded scripting engine (explicitly out of scope per the core's
// purpose: the engine itself is an external collaborator). The core only
// ever calls these Go interfaces; conversion to/from dynamically-typed
// values happens only at this boundary, never on the hot path.
package policy

import (
	"context"

	"github.com/relaycore/kumogo/internal/mtamsg"
)

// Value is a small tagged union standing in for a JSON-shaped dynamic
// value exchanged with policy callbacks.
type Value struct {
	Null   bool
	Bool   *bool
	Number *float64
	Str    *string
	List   []Value
	Object map[string]Value
}

func Str(s string) Value    { return Value{Str: &s} }
func Bool(b bool) Value     { return Value{Bool: &b} }
func Number(n float64) Value { return Value{Number: &n} }

// QueueConfig is the resolved, TTL-cacheable configuration for a
// scheduled queue (§4.5).
type QueueConfig struct {
	Strategy        QueueStrategy
	RetryBaseDelay  float64 // seconds
	RetryGrowth     float64
	RetryJitterMax  float64 // seconds
	MaxAge          float64 // seconds; clamps retry horizon
	MaintainerIdle  float64 // seconds; grace before an empty queue is destroyed
}

type QueueStrategy int

const (
	StrategyTimerWheel QueueStrategy = iota
	StrategySkipList
	StrategySingletonTimerWheel
	StrategySingletonTimerWheelV2
)

// EgressPathConfig is the resolved per-site dispatch configuration (§4.7).
type EgressPathConfig struct {
	MaxConnectionRate               int
	MaxMessageRate                  int
	MaxConnections                  int
	SMTPPort                        int
	EnableTLS                       TLSMode
	EnableMTASTS                    bool
	EnableDANE                      bool
	ConnectTimeoutSecs              float64
	EHLOTimeoutSecs                 float64
	MailFromTimeoutSecs             float64
	RcptToTimeoutSecs               float64
	DataTimeoutSecs                 float64
	DataDotTimeoutSecs              float64
	IdleTimeoutSecs                 float64
	ProhibitedHosts                 []string // CIDR literals
	SkipHosts                       []string // CIDR literals
	MXList                          []string // explicit override, bypasses DNS
	SMTPAuthPlainUsername           string
	SMTPAuthPlainPassword           string
	AllowSMTPAuthPlainWithoutTLS    bool
	EHLODomain                      string
	RemotePort                      int
	MaxDeliveriesPerConnection      int
}

// TLSMode is the four/five-value TLS negotiation policy (§4.7).
type TLSMode int

const (
	TLSDisabled TLSMode = iota
	TLSOpportunistic
	TLSOpportunisticInsecure
	TLSRequired
	TLSRequiredInsecure
)

// RequeueDecision is the result of the requeue_message event (§4.9).
type RequeueDecision struct {
	// NewQueueName, if non-empty, rebinds the message (changes its queue
	// name) and is treated as an administrative rebind.
	NewQueueName string
	// Reject, if non-nil, turns this into a policy-level Bounce with the
	// given SMTP code/enhanced status.
	Reject *RejectDecision
	// Delay overrides the computed back-off delay when non-nil.
	Delay *float64
}

type RejectDecision struct {
	Code     int
	Enhanced string
	Reason   string
}

// SMTPResponse is the normalized shape of a downstream SMTP reply handed
// to policy hooks and the requeue coordinator.
type SMTPResponse struct {
	Code    int
	Enhanced string
	Message string
}

// Hooks is the full set of typed callbacks the core consumes. A default,
// no-op-beyond-config implementation is provided by policy.Static for
// deployments that only need file-driven configuration (no scripting
// engine at all).
type Hooks interface {
	// GetQueueConfig resolves configuration for a queue name.
	GetQueueConfig(ctx context.Context, queueName string) (QueueConfig, error)
	// GetEgressPathConfig resolves configuration for a (site, source, pool) tuple.
	GetEgressPathConfig(ctx context.Context, site, source, pool string) (EgressPathConfig, error)
	// RequeueMessage is an allow_multiple event: handlers run in sequence
	// and the first non-empty decision wins (see Dispatch in allowmultiple.go).
	RequeueMessage(ctx context.Context, msg *mtamsg.Message, resp SMTPResponse, incrementAttempts bool, delay *float64) (RequeueDecision, error)
	// SMTPServerMessageReceived is invoked at SMTP ingress, before spooling.
	SMTPServerMessageReceived(ctx context.Context, msg *mtamsg.Message) error
	// HTTPMessageGenerated is invoked at HTTP ingress, after the builder
	// content is assembled into an RFC-822 message.
	HTTPMessageGenerated(ctx context.Context, msg *mtamsg.Message) error
	// SMTPClientRewriteDeliveryStatus may rewrite a downstream response
	// code before it is logged/classified.
	SMTPClientRewriteDeliveryStatus(ctx context.Context, resp SMTPResponse, domain, tenant, campaign, routingDomain string) (*SMTPResponse, error)
}
