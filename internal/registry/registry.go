// Package registry holds the routing configuration the gateway serves from.
// Readers take an immutable Snapshot; writers publish a whole new one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
)

const DefaultTimeout = 30 * time.Second

// Tiers is a provider's catalog model per tier.
type Tiers struct {
	Small  string
	Medium string
	Big    string
}

func (t Tiers) Model(tier string) string {
	switch tier {
	case canonical.TierSmall:
		return t.Small
	case canonical.TierMedium:
		return t.Medium
	case canonical.TierBig:
		return t.Big
	default:
		return ""
	}
}

type Provider struct {
	ID       string
	Name     string
	Shape    canonical.Shape
	BaseURL  string
	APIKey   string
	Headers  map[string]string
	Models   []string
	Tiers    Tiers
	Active   bool
	Priority int
	Timeout  time.Duration
}

// Serves reports whether model is in the provider's catalog.
func (p Provider) Serves(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

type Layout string

const (
	LayoutTiered Layout = "tiered"
	LayoutFlat   Layout = "flat"
)

// Candidate is one (provider, model) pair to try. An empty Model on a tiered
// candidate means the provider's catalog model for the tier.
type Candidate struct {
	ProviderID string
	Model      string
}

type Strategy struct {
	ID     string
	Name   string
	Layout Layout
	Active bool
	// Tiers is used by the tiered layout.
	Tiers map[string][]Candidate
	// Candidates is used by the flat layout, in trial order.
	Candidates []Candidate
}

type Config struct {
	Providers  []Provider
	Strategies []Strategy
}

// Snapshot is an immutable view of one published Config.
type Snapshot struct {
	Version     uint64
	PublishedAt time.Time

	providers []Provider
	byID      map[string]int
	tiered    *Strategy
	flat      *Strategy
}

func (s *Snapshot) Providers() []Provider {
	return append([]Provider(nil), s.providers...)
}

// ActiveProvidersByPriority lists active providers, lowest priority value
// first, ties broken by id.
func (s *Snapshot) ActiveProvidersByPriority() []Provider {
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

func (s *Snapshot) ByID(id string) (Provider, error) {
	i, ok := s.byID[id]
	if !ok {
		return Provider{}, gwerr.New(gwerr.KindNotFound, "provider %q not found", id)
	}
	return s.providers[i], nil
}

// ActiveStrategy returns the active strategy of the layout, if any.
func (s *Snapshot) ActiveStrategy(layout Layout) (Strategy, bool) {
	var st *Strategy
	switch layout {
	case LayoutTiered:
		st = s.tiered
	case LayoutFlat:
		st = s.flat
	}
	if st == nil {
		return Strategy{}, false
	}
	return *st, true
}

// ModelNames lists every routing key the snapshot can serve: the tiers,
// flat strategy names and active provider catalogs.
func (s *Snapshot) ModelNames() []string {
	set := map[string]bool{}
	if s.tiered != nil {
		for tier := range s.tiered.Tiers {
			set[tier] = true
		}
	}
	if s.flat != nil {
		for _, c := range s.flat.Candidates {
			set[c.Model] = true
		}
	}
	for _, p := range s.providers {
		if !p.Active {
			continue
		}
		for _, m := range p.Models {
			set[m] = true
		}
		for _, tier := range []string{canonical.TierSmall, canonical.TierMedium, canonical.TierBig} {
			if p.Tiers.Model(tier) != "" {
				set[tier] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		if m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks cfg without publishing it.
func Validate(cfg Config) error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range cfg.Providers {
		id := strings.TrimSpace(p.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if !p.Shape.Valid() {
			errs = append(errs, fmt.Errorf("provider %q: unknown shape %q", id, p.Shape))
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required", id))
		} else if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("provider %q: invalid base_url %q", id, p.BaseURL))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("provider %q: negative timeout", id))
		}
	}

	active := map[Layout]string{}
	for i, st := range cfg.Strategies {
		name := st.ID
		if name == "" {
			name = fmt.Sprintf("strategies[%d]", i)
		}
		switch st.Layout {
		case LayoutTiered:
			for tier, cands := range st.Tiers {
				if !canonical.IsTier(tier) {
					errs = append(errs, fmt.Errorf("strategy %q: unknown tier %q", name, tier))
				}
				errs = append(errs, checkCandidates(name, cands, seen, false)...)
			}
		case LayoutFlat:
			errs = append(errs, checkCandidates(name, st.Candidates, seen, true)...)
		default:
			errs = append(errs, fmt.Errorf("strategy %q: unknown layout %q", name, st.Layout))
			continue
		}
		if !st.Active {
			continue
		}
		if prev, ok := active[st.Layout]; ok {
			errs = append(errs, fmt.Errorf("strategy %q: a %s strategy (%q) is already active", name, st.Layout, prev))
			continue
		}
		active[st.Layout] = name
	}

	if len(errs) == 0 {
		return nil
	}
	return gwerr.Wrap(gwerr.KindConfig, errors.Join(errs...), "invalid routing config: %v", errors.Join(errs...))
}

func checkCandidates(strategy string, cands []Candidate, known map[string]bool, needModel bool) []error {
	var errs []error
	for j, c := range cands {
		if !known[c.ProviderID] {
			errs = append(errs, fmt.Errorf("strategy %q: candidate %d references unknown provider %q", strategy, j, c.ProviderID))
		}
		if needModel && strings.TrimSpace(c.Model) == "" {
			errs = append(errs, fmt.Errorf("strategy %q: flat candidate %d has no model", strategy, j))
		}
	}
	return errs
}

func newSnapshot(cfg Config, version uint64) *Snapshot {
	providers := make([]Provider, len(cfg.Providers))
	copy(providers, cfg.Providers)
	for i := range providers {
		p := &providers[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.Timeout == 0 {
			p.Timeout = DefaultTimeout
		}
		p.Models = append([]string(nil), p.Models...)
		hdrs := make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			hdrs[k] = v
		}
		p.Headers = hdrs
	}
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].Priority != providers[j].Priority {
			return providers[i].Priority < providers[j].Priority
		}
		return providers[i].ID < providers[j].ID
	})

	s := &Snapshot{
		Version:     version,
		PublishedAt: time.Now(),
		providers:   providers,
		byID:        make(map[string]int, len(providers)),
	}
	for i, p := range providers {
		s.byID[p.ID] = i
	}
	for _, st := range cfg.Strategies {
		if !st.Active {
			continue
		}
		cp := copyStrategy(st)
		switch st.Layout {
		case LayoutTiered:
			s.tiered = &cp
		case LayoutFlat:
			s.flat = &cp
		}
	}
	return s
}

func copyStrategy(st Strategy) Strategy {
	out := st
	out.Candidates = append([]Candidate(nil), st.Candidates...)
	out.Tiers = make(map[string][]Candidate, len(st.Tiers))
	for k, v := range st.Tiers {
		out.Tiers[k] = append([]Candidate(nil), v...)
	}
	return out
}

// Source yields the current routing configuration on demand.
type Source interface {
	Load(ctx context.Context) (Config, error)
}

type SourceFunc func(ctx context.Context) (Config, error)

func (f SourceFunc) Load(ctx context.Context) (Config, error) { return f(ctx) }

type Registry struct {
	cur     atomic.Pointer[Snapshot]
	version atomic.Uint64
	hook    atomic.Pointer[func(*Snapshot)]
}

func New() *Registry {
	r := &Registry{}
	r.cur.Store(newSnapshot(Config{}, 0))
	return r
}

// Publish validates cfg and atomically replaces the current snapshot. A
// request that already took the previous snapshot keeps using it.
func (r *Registry) Publish(cfg Config) (*Snapshot, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	s := newSnapshot(cfg, r.version.Add(1))
	r.cur.Store(s)
	if fn := r.hook.Load(); fn != nil {
		(*fn)(s)
	}
	return s, nil
}

// OnPublish registers fn to run after every successful publish.
func (r *Registry) OnPublish(fn func(*Snapshot)) {
	r.hook.Store(&fn)
}

func (r *Registry) Current() *Snapshot { return r.cur.Load() }

func (r *Registry) ActiveProvidersByPriority() []Provider {
	return r.Current().ActiveProvidersByPriority()
}

func (r *Registry) ByID(id string) (Provider, error) {
	return r.Current().ByID(id)
}

// Refresh pulls from src and publishes the result.
func (r *Registry) Refresh(ctx context.Context, src Source) (*Snapshot, error) {
	cfg, err := src.Load(ctx)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindConfig, err, "load routing config: %v", err)
	}
	return r.Publish(cfg)
}

// Watch refreshes from src every interval until ctx is done. A failed
// refresh keeps the last good snapshot.
func (r *Registry) Watch(ctx context.Context, src Source, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prev := r.Current().Version
			s, err := r.Refresh(ctx, src)
			if err != nil {
				logger.Warn("routing refresh failed, keeping last snapshot", "version", prev, "err", err)
				continue
			}
			logger.Debug("routing refreshed", "version", s.Version, "providers", len(s.providers))
		}
	}
}
