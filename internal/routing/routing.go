// Package routing turns a routing key into the ordered candidates to try.
package routing

import (
	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
	"portbroker/internal/registry"
)

// Resolver is stateless; every call works off the snapshot it is given.
type Resolver struct{}

// Resolve returns the candidates for key in trial order, every one with a
// concrete upstream model. Tier keys use the active tiered strategy and
// other keys the active flat strategy. When no strategy of the needed layout
// is active, active providers whose catalog serves the key are used in
// priority order.
func (Resolver) Resolve(snap *registry.Snapshot, key string) ([]registry.Candidate, error) {
	var out []registry.Candidate
	if canonical.IsTier(key) {
		if st, ok := snap.ActiveStrategy(registry.LayoutTiered); ok {
			out = tiered(snap, st, key)
			if len(out) == 0 {
				return nil, gwerr.New(gwerr.KindNoRoute, "tiered strategy %q has no candidates for tier %q", st.ID, key)
			}
			return out, nil
		}
	} else if st, ok := snap.ActiveStrategy(registry.LayoutFlat); ok {
		for _, c := range st.Candidates {
			if c.Model == key {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil, gwerr.New(gwerr.KindNoRoute, "flat strategy %q has no candidates for model %q", st.ID, key)
		}
		return out, nil
	}

	out = fallback(snap, key)
	if len(out) == 0 {
		return nil, gwerr.New(gwerr.KindNoRoute, "no active provider serves %q", key)
	}
	return out, nil
}

func tiered(snap *registry.Snapshot, st registry.Strategy, tier string) []registry.Candidate {
	var out []registry.Candidate
	for _, c := range st.Tiers[tier] {
		if c.Model == "" {
			p, err := snap.ByID(c.ProviderID)
			if err != nil {
				continue
			}
			c.Model = p.Tiers.Model(tier)
			if c.Model == "" {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func fallback(snap *registry.Snapshot, key string) []registry.Candidate {
	var out []registry.Candidate
	for _, p := range snap.ActiveProvidersByPriority() {
		model := key
		if canonical.IsTier(key) {
			model = p.Tiers.Model(key)
			if model == "" {
				continue
			}
		} else if !p.Serves(key) {
			continue
		}
		out = append(out, registry.Candidate{ProviderID: p.ID, Model: model})
	}
	return out
}
