package readyqueue

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/relaycore/kumogo/internal/cidrmap"
	"github.com/relaycore/kumogo/internal/policy"
)

// Resolver looks up MX records for a domain. The default implementation
// wraps net.Resolver (DNS resolution is an external collaborator per
// spec.md §1; the core only needs an ordered host list).
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

type netResolver struct{ r *net.Resolver }

func NewNetResolver() Resolver { return netResolver{r: net.DefaultResolver} }

func (n netResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return n.r.LookupMX(ctx, domain)
}

// ResolvedPeers is the outcome of MX resolution plus prohibited/skip
// filtering (§4.7).
type ResolvedPeers struct {
	Hosts            []string // ordered, lowest-preference first
	ProhibitedBounce bool     // true when the only candidates were prohibited: bulk-bounce the whole ready queue
}

// buildHostFilter turns a list of CIDR literals into a cidrmap lookup
// table, reusing C1 for the "is this address in the list" check named in
// spec.md §1 ("prohibited hosts, skip hosts, prefix-indexed policy lookup").
func buildHostFilter(cidrs []string) (*cidrmap.Map[bool], error) {
	m := cidrmap.New[bool]()
	for _, c := range cidrs {
		p, err := cidrmap.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("host filter: %w", err)
		}
		m.Insert(p, true)
	}
	return m, nil
}

// ResolveMX produces the ordered peer address list for domain, honoring
// an explicit mx_list override, and removing/bulk-bouncing hosts per
// prohibited_hosts/skip_hosts (§4.7).
func ResolveMX(ctx context.Context, resolver Resolver, domain string, cfg policy.EgressPathConfig) (ResolvedPeers, error) {
	var hosts []string

	if len(cfg.MXList) > 0 {
		hosts = append(hosts, cfg.MXList...)
	} else {
		records, err := resolver.LookupMX(ctx, domain)
		if err != nil {
			return ResolvedPeers{}, fmt.Errorf("mx lookup %s: %w", domain, err)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
		for _, r := range records {
			hosts = append(hosts, trimDot(r.Host))
		}
	}

	prohibited, err := buildHostFilter(cfg.ProhibitedHosts)
	if err != nil {
		return ResolvedPeers{}, err
	}
	skip, err := buildHostFilter(cfg.SkipHosts)
	if err != nil {
		return ResolvedPeers{}, err
	}

	var kept []string
	anyProhibited := false
	for _, h := range hosts {
		addr, ok := hostAddr(h)
		if ok && prohibited.Contains(addr) {
			anyProhibited = true
			continue
		}
		if ok && skip.Contains(addr) {
			continue
		}
		kept = append(kept, h)
	}

	if len(kept) == 0 && anyProhibited {
		return ResolvedPeers{ProhibitedBounce: true}, nil
	}
	return ResolvedPeers{Hosts: kept}, nil
}

func trimDot(h string) string {
	if len(h) > 0 && h[len(h)-1] == '.' {
		return h[:len(h)-1]
	}
	return h
}

// hostAddr resolves a hostname/address string into a netip.Addr for
// cidrmap lookup; non-IP hostnames (the common case: MX hosts are names,
// not bare addresses) are matched only when they already parse as an IP
// literal — DNS resolution of the name to its A/AAAA record happens
// downstream, at connect time, outside this package's scope.
func hostAddr(h string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(h)
	if err != nil {
		return netip.Addr{}, false
	}
	return a, true
}
