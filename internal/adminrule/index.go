// Package adminrule implements the multi-index admin-rule structure (C2):
// O(1)-for-common-cases lookup of suspension/bounce/transfer rules by
// scheduled-queue tuple (campaign, tenant, domain, routing_domain).
package adminrule

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// pruneEvery matches the "every ~10,000 lookups" periodic prune cadence.
const pruneEvery = 10000

// Criteria selects which rule applies to a queue tuple. A nil field
// wildcards; a non-nil field must equal the tuple's corresponding field.
type Criteria struct {
	Campaign      *string
	Tenant        *string
	Domain        *string
	RoutingDomain *string
}

// IsMatchAll reports whether every field wildcards.
func (c Criteria) IsMatchAll() bool {
	return c.Campaign == nil && c.Tenant == nil && c.Domain == nil && c.RoutingDomain == nil
}

func eqField(f *string, v string) bool {
	return f == nil || *f == v
}

// Matches reports whether c applies to the given queue tuple.
func (c Criteria) Matches(campaign, tenant, domain, routingDomain string) bool {
	return eqField(c.Campaign, campaign) && eqField(c.Tenant, tenant) &&
		eqField(c.Domain, domain) && eqField(c.RoutingDomain, routingDomain)
}

func sp(s *string) string {
	if s == nil {
		return "\x00"
	}
	return *s
}

// key renders Criteria into a comparable map key.
func (c Criteria) key() string {
	return sp(c.Campaign) + "\x1f" + sp(c.Tenant) + "\x1f" + sp(c.Domain) + "\x1f" + sp(c.RoutingDomain)
}

// Rule is one admin-rule-index entry.
type Rule struct {
	ID       uuid.UUID
	Criteria Criteria
	Expires  time.Time // zero means never expires
	Payload  interface{}
}

func (r Rule) expired(now time.Time) bool {
	return !r.Expires.IsZero() && !r.Expires.After(now)
}

// bucketKind classifies which secondary index a rule's criteria fits,
// most specific first: FullCriteria (domain+campaign+tenant), DT
// (domain+tenant), D (domain only), Other (anything else: no domain, or a
// domain combined with a pattern not named above), MatchAll (every field
// nil).
type bucketKind int

const (
	bucketMatchAll bucketKind = iota
	bucketFullCriteria
	bucketDT
	bucketD
	bucketOther
)

func classify(c Criteria) bucketKind {
	if c.IsMatchAll() {
		return bucketMatchAll
	}
	if c.Domain == nil {
		return bucketOther
	}
	switch {
	case c.Campaign != nil && c.Tenant != nil:
		return bucketFullCriteria
	case c.Campaign == nil && c.Tenant != nil:
		return bucketDT
	case c.Campaign == nil && c.Tenant == nil:
		return bucketD
	default:
		return bucketOther
	}
}

func bucketKeyFull(domain, campaign, tenant string) string { return domain + "\x1f" + campaign + "\x1f" + tenant }
func bucketKeyDT(domain, tenant string) string             { return domain + "\x1f" + tenant }
func bucketKeyD(domain string) string                      { return domain }

// Index is the composite multi-index rule table.
type Index struct {
	mu sync.RWMutex

	byID       map[uuid.UUID]Rule
	byCriteria map[string]uuid.UUID

	full   map[string]map[uuid.UUID]struct{}
	dt     map[string]map[uuid.UUID]struct{}
	d      map[string]map[uuid.UUID]struct{}
	other  map[uuid.UUID]struct{}
	matchAll *uuid.UUID

	generation uint64
	lookups    atomic.Uint64

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	generation uint64
	rule       *Rule
}

func New() *Index {
	return &Index{
		byID:       map[uuid.UUID]Rule{},
		byCriteria: map[string]uuid.UUID{},
		full:       map[string]map[uuid.UUID]struct{}{},
		dt:         map[string]map[uuid.UUID]struct{}{},
		d:          map[string]map[uuid.UUID]struct{}{},
		other:      map[uuid.UUID]struct{}{},
		cache:      map[string]cacheEntry{},
	}
}

func bucketSet(m map[string]map[uuid.UUID]struct{}, key string) map[uuid.UUID]struct{} {
	s, ok := m[key]
	if !ok {
		s = map[uuid.UUID]struct{}{}
		m[key] = s
	}
	return s
}

// Insert installs rule, evicting any previous rule with equal criteria
// (the by_criteria uniqueness constraint) and any previous rule with the
// same ID.
func (idx *Index) Insert(rule Rule) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prevID, ok := idx.byCriteria[rule.Criteria.key()]; ok && prevID != rule.ID {
		idx.removeLocked(prevID)
	}
	if _, ok := idx.byID[rule.ID]; ok {
		idx.removeLocked(rule.ID)
	}

	idx.byID[rule.ID] = rule
	idx.byCriteria[rule.Criteria.key()] = rule.ID

	switch classify(rule.Criteria) {
	case bucketMatchAll:
		id := rule.ID
		idx.matchAll = &id
	case bucketFullCriteria:
		bucketSet(idx.full, bucketKeyFull(*rule.Criteria.Domain, *rule.Criteria.Campaign, *rule.Criteria.Tenant))[rule.ID] = struct{}{}
	case bucketDT:
		bucketSet(idx.dt, bucketKeyDT(*rule.Criteria.Domain, *rule.Criteria.Tenant))[rule.ID] = struct{}{}
	case bucketD:
		bucketSet(idx.d, bucketKeyD(*rule.Criteria.Domain))[rule.ID] = struct{}{}
	default:
		idx.other[rule.ID] = struct{}{}
	}

	idx.generation++
}

// RemoveByID removes the rule with the given id, if present.
func (idx *Index) RemoveByID(id uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.byID[id]; !ok {
		return
	}
	idx.removeLocked(id)
	idx.generation++
}

func (idx *Index) removeLocked(id uuid.UUID) {
	rule, ok := idx.byID[id]
	if !ok {
		return
	}
	delete(idx.byID, id)
	delete(idx.byCriteria, rule.Criteria.key())

	switch classify(rule.Criteria) {
	case bucketMatchAll:
		if idx.matchAll != nil && *idx.matchAll == id {
			idx.matchAll = nil
		}
	case bucketFullCriteria:
		k := bucketKeyFull(*rule.Criteria.Domain, *rule.Criteria.Campaign, *rule.Criteria.Tenant)
		delete(idx.full[k], id)
	case bucketDT:
		k := bucketKeyDT(*rule.Criteria.Domain, *rule.Criteria.Tenant)
		delete(idx.dt[k], id)
	case bucketD:
		k := bucketKeyD(*rule.Criteria.Domain)
		delete(idx.d[k], id)
	default:
		delete(idx.other, id)
	}
}

// GetMatching returns some rule whose criteria matches the tuple and
// which is unexpired, or nil if none. Order among multiple matches is
// unspecified. Short-circuits to the match-all rule when one is present
// and unexpired (fast path for a blanket admin action); otherwise probes
// the most specific applicable secondary index and scans only its
// candidates.
func (idx *Index) GetMatching(campaign, tenant, domain, routingDomain string) *Rule {
	idx.mu.Lock()
	empty := len(idx.byID) == 0
	idx.mu.Unlock()
	if empty {
		return nil
	}

	if n := idx.lookups.Add(1); n >= pruneEvery {
		idx.lookups.Store(0)
		idx.pruneExpired()
	}

	now := time.Now()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.matchAll != nil {
		if r, ok := idx.byID[*idx.matchAll]; ok && !r.expired(now) {
			return cloneRule(r)
		}
	}

	if s, ok := idx.full[bucketKeyFull(domain, campaign, tenant)]; ok {
		if r := idx.scanLocked(s, campaign, tenant, domain, routingDomain, now); r != nil {
			return r
		}
	}
	if s, ok := idx.dt[bucketKeyDT(domain, tenant)]; ok {
		if r := idx.scanLocked(s, campaign, tenant, domain, routingDomain, now); r != nil {
			return r
		}
	}
	if s, ok := idx.d[bucketKeyD(domain)]; ok {
		if r := idx.scanLocked(s, campaign, tenant, domain, routingDomain, now); r != nil {
			return r
		}
	}
	if r := idx.scanLocked(idx.other, campaign, tenant, domain, routingDomain, now); r != nil {
		return r
	}
	return nil
}

func (idx *Index) scanLocked(ids map[uuid.UUID]struct{}, campaign, tenant, domain, routingDomain string, now time.Time) *Rule {
	for id := range ids {
		r, ok := idx.byID[id]
		if !ok || r.expired(now) {
			continue
		}
		if r.Criteria.Matches(campaign, tenant, domain, routingDomain) {
			return cloneRule(r)
		}
	}
	return nil
}

func cloneRule(r Rule) *Rule { c := r; return &c }

// CachedGetMatching returns a cached answer for the tuple when the
// index's generation counter has not advanced since the hit was recorded,
// otherwise recomputes via GetMatching and refreshes the cache entry.
func (idx *Index) CachedGetMatching(campaign, tenant, domain, routingDomain string) *Rule {
	key := strings.Join([]string{campaign, tenant, domain, routingDomain}, "\x1f")

	idx.mu.RLock()
	gen := idx.generation
	idx.mu.RUnlock()

	idx.cacheMu.Lock()
	if ce, ok := idx.cache[key]; ok && ce.generation == gen {
		idx.cacheMu.Unlock()
		return ce.rule
	}
	idx.cacheMu.Unlock()

	r := idx.GetMatching(campaign, tenant, domain, routingDomain)

	idx.mu.RLock()
	gen = idx.generation
	idx.mu.RUnlock()

	idx.cacheMu.Lock()
	idx.cache[key] = cacheEntry{generation: gen, rule: r}
	idx.cacheMu.Unlock()

	return r
}

// PruneExpired removes every expired rule. Runs automatically every
// ~10,000 lookups but may also be invoked directly by a maintainer task.
func (idx *Index) PruneExpired() { idx.pruneExpired() }

func (idx *Index) pruneExpired() {
	now := time.Now()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, r := range idx.byID {
		if r.expired(now) {
			idx.removeLocked(id)
		}
	}
	idx.generation++
}

// Len returns the number of rules currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}
