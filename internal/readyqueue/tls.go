package readyqueue

import (
	"fmt"

	"github.com/relaycore/kumogo/internal/policy"
)

// DANEResult is the outcome of a DANE/TLSA lookup for a peer (an external
// DNSSEC collaborator; the core only consumes the validated boolean).
type DANEResult struct {
	Valid bool
}

// MTASTSPolicy is the outcome of fetching a remote domain's MTA-STS
// policy (also an external collaborator — HTTPS policy fetch is out of
// scope here).
type MTASTSPolicy struct {
	Mode         string // "enforce", "testing", or "" (no policy / "none")
	AllowedHosts []string
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if h == host {
			return true
		}
	}
	return false
}

// ResolveTLSMode applies the upgrade rules in §4.7: a valid DANE record
// upgrades to Required and suppresses MTA-STS entirely; otherwise an
// "enforce" MTA-STS policy upgrades to Required (and requires the MX host
// be on the policy's allow-list); a "testing" policy upgrades to
// OpportunisticInsecure. Absent either, the configured base mode stands.
func ResolveTLSMode(cfg policy.EgressPathConfig, mxHost string, dane DANEResult, sts MTASTSPolicy) (policy.TLSMode, error) {
	if cfg.EnableDANE && dane.Valid {
		return policy.TLSRequired, nil
	}
	if cfg.EnableMTASTS {
		switch sts.Mode {
		case "enforce":
			if !hostAllowed(mxHost, sts.AllowedHosts) {
				return cfg.EnableTLS, fmt.Errorf("mta-sts: host %q not on policy allow-list", mxHost)
			}
			return policy.TLSRequired, nil
		case "testing":
			return policy.TLSOpportunisticInsecure, nil
		}
	}
	return cfg.EnableTLS, nil
}
