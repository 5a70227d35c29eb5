// Package queuename parses and formats the scheduled-queue name grammar
// `[campaign:][tenant@]domain[!routing_domain]` shared by the
// scheduled-queue engine and the admin-rule index.
package queuename

import (
	"strings"
)

// Name is the parsed form of a queue name.
type Name struct {
	Campaign       string // "" if absent
	Tenant         string // "" if absent
	Domain         string
	RoutingDomain  string // "" if absent
}

// Parse splits s into its queue-name components. Domain is lower-cased;
// campaign and tenant are not.
func Parse(s string) Name {
	var n Name

	if idx := strings.LastIndex(s, "!"); idx >= 0 {
		n.RoutingDomain = s[idx+1:]
		s = s[:idx]
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		n.Campaign = s[:idx]
		s = s[idx+1:]
	}
	if idx := strings.Index(s, "@"); idx >= 0 {
		n.Tenant = s[:idx]
		s = s[idx+1:]
	}
	n.Domain = strings.ToLower(s)
	return n
}

// String renders n back into queue-name grammar. Per the derivation rule
// (spec scenario: meta {tenant,campaign} + recipient domain), the
// `tenant@` segment is emitted whenever either campaign or tenant is
// present, even if tenant itself is empty — e.g. {campaign:"c"} alone
// derives "c:@example.com", not "c:example.com".
func (n Name) String() string {
	var b strings.Builder
	if n.Campaign != "" {
		b.WriteString(n.Campaign)
		b.WriteByte(':')
	}
	if n.Campaign != "" || n.Tenant != "" {
		b.WriteString(n.Tenant)
		b.WriteByte('@')
	}
	b.WriteString(n.Domain)
	if n.RoutingDomain != "" {
		b.WriteByte('!')
		b.WriteString(n.RoutingDomain)
	}
	return b.String()
}

// FromMessageMeta derives a queue name the way Message.get_queue_name does:
// from meta's "queue" key if present, else from campaign/tenant/domain(recipient).
func FromMessageMeta(metaQueue, campaign, tenant, recipientDomain string) Name {
	if metaQueue != "" {
		return Parse(metaQueue)
	}
	return Name{
		Campaign: campaign,
		Tenant:   tenant,
		Domain:   strings.ToLower(recipientDomain),
	}
}
