package adminapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/kumogo/internal/adminrule"
	"github.com/relaycore/kumogo/internal/queuename"
)

// rulePayload is the adminrule.Rule.Payload shape this package installs:
// Kind distinguishes a suspend rule from an xfer rule, so that
// matchesStandingSuspend only treats suspend rules as suspensions, and
// Target records the routing-domain an xfer rule transferred to.
// suspend-cancel removes whatever rule carries the given id, and
// xfer-cancel does not consult the rule index at all.
type rulePayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Target string `json:"target,omitempty"`
}

const (
	ruleKindSuspend = "suspend"
	ruleKindXfer    = "xfer"
)

// criteriaRequest is the JSON shape shared by suspend/xfer/xfer-cancel
// requests: the queue-name tuple fields, any of which may be omitted to
// wildcard, per adminrule.Criteria.
type criteriaRequest struct {
	Campaign      *string    `json:"campaign,omitempty"`
	Tenant        *string    `json:"tenant,omitempty"`
	Domain        *string    `json:"domain,omitempty"`
	RoutingDomain *string    `json:"routing_domain,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Expires       *time.Time `json:"expires,omitempty"`
}

func (c criteriaRequest) criteria() adminrule.Criteria {
	return adminrule.Criteria{
		Campaign:      c.Campaign,
		Tenant:        c.Tenant,
		Domain:        c.Domain,
		RoutingDomain: c.RoutingDomain,
	}
}

// matchingQueueNames returns every name in the manager's snapshot whose
// parsed queue-name tuple satisfies criteria.
func matchingQueueNames(names []string, criteria adminrule.Criteria) []string {
	var out []string
	for _, name := range names {
		n := queuename.Parse(name)
		if criteria.Matches(n.Campaign, n.Tenant, n.Domain, n.RoutingDomain) {
			out = append(out, name)
		}
	}
	return out
}

// matchesStandingSuspend reports whether any unexpired suspend rule in
// idx applies to the parsed queue name — used by WrapCreate to re-apply
// a suspension to a queue created after the rule was installed.
func matchesStandingSuspend(idx *adminrule.Index, name string) bool {
	n := queuename.Parse(name)
	r := idx.GetMatching(n.Campaign, n.Tenant, n.Domain, n.RoutingDomain)
	if r == nil {
		return false
	}
	p, ok := r.Payload.(rulePayload)
	return ok && p.Kind == ruleKindSuspend
}

func newRuleID() uuid.UUID { return uuid.New() }
