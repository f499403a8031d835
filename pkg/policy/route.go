package policy

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// RoutePolicy is the static enforcement configuration of one exposed route.
type RoutePolicy struct {
	RouteID         string `json:"routeId" yaml:"id"`
	Scope           string `json:"scope" yaml:"scope"`
	Service         string `json:"service" yaml:"service"`
	PriceAtomic     string `json:"priceAtomic" yaml:"price_atomic"`
	RateLimitPerMin int    `json:"rateLimitPerMin" yaml:"rate_limit_per_min"`
	RequirePayment  bool   `json:"requirePayment" yaml:"require_payment"`
}

// Price returns PriceAtomic as an integer. An empty price is zero.
func (p RoutePolicy) Price() (*big.Int, error) {
	if p.PriceAtomic == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(p.PriceAtomic, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("route %s: invalid price %q", p.RouteID, p.PriceAtomic)
	}
	return v, nil
}

// RouteTable maps route ids to their policies. Safe for concurrent use.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]RoutePolicy
}

// NewRouteTable creates a table from the given policies. Later duplicates win.
func NewRouteTable(policies ...RoutePolicy) *RouteTable {
	t := &RouteTable{routes: make(map[string]RoutePolicy, len(policies))}
	for _, p := range policies {
		t.routes[p.RouteID] = p
	}
	return t
}

// Put adds or replaces a route policy.
func (t *RouteTable) Put(p RoutePolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[p.RouteID] = p
}

// Policy returns the policy for routeID.
func (t *RouteTable) Policy(routeID string) (RoutePolicy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.routes[routeID]
	return p, ok
}

// List returns all policies sorted by route id.
func (t *RouteTable) List() []RoutePolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RoutePolicy, 0, len(t.routes))
	for _, p := range t.routes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}
