// Package store loads routing configuration from MySQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"portbroker/internal/canonical"
	"portbroker/internal/registry"
)

// Opener decrypts a provider's stored credential.
type Opener interface {
	Open(providerID string, blob []byte) ([]byte, error)
}

// Store is a registry.Source backed by the providers, strategies and
// strategy_candidates tables.
type Store struct {
	db     *sql.DB
	sealer Opener
}

func New(db *sql.DB, sealer Opener) *Store {
	return &Store{db: db, sealer: sealer}
}

func (s *Store) Load(ctx context.Context) (registry.Config, error) {
	provs, err := s.providers(ctx)
	if err != nil {
		return registry.Config{}, err
	}
	strats, err := s.strategies(ctx)
	if err != nil {
		return registry.Config{}, err
	}
	cands, err := s.candidates(ctx)
	if err != nil {
		return registry.Config{}, err
	}

	var cfg registry.Config
	for _, row := range provs {
		p, err := row.toProvider(s.sealer)
		if err != nil {
			return registry.Config{}, err
		}
		cfg.Providers = append(cfg.Providers, p)
	}
	cfg.Strategies = assemble(strats, cands)
	return cfg, nil
}

type providerRow struct {
	ID         string
	Name       string
	Shape      string
	BaseURL    string
	APIKeyEnc  []byte
	Headers    sql.NullString
	Models     sql.NullString
	TierSmall  string
	TierMedium string
	TierBig    string
	Active     bool
	Priority   int
	TimeoutMs  int64
}

func (r providerRow) toProvider(sealer Opener) (registry.Provider, error) {
	p := registry.Provider{
		ID:       r.ID,
		Name:     r.Name,
		Shape:    canonical.Shape(strings.ToLower(strings.TrimSpace(r.Shape))),
		BaseURL:  strings.TrimSpace(r.BaseURL),
		Tiers:    registry.Tiers{Small: r.TierSmall, Medium: r.TierMedium, Big: r.TierBig},
		Active:   r.Active,
		Priority: r.Priority,
		Timeout:  time.Duration(r.TimeoutMs) * time.Millisecond,
	}
	if len(r.APIKeyEnc) > 0 {
		if sealer == nil {
			return registry.Provider{}, fmt.Errorf("provider %q: stored credential but no master key", r.ID)
		}
		plain, err := sealer.Open(r.ID, r.APIKeyEnc)
		if err != nil {
			return registry.Provider{}, err
		}
		p.APIKey = string(plain)
	}
	if r.Headers.Valid && strings.TrimSpace(r.Headers.String) != "" {
		if err := json.Unmarshal([]byte(r.Headers.String), &p.Headers); err != nil {
			return registry.Provider{}, fmt.Errorf("provider %q: headers_json: %w", r.ID, err)
		}
	}
	if r.Models.Valid && strings.TrimSpace(r.Models.String) != "" {
		if err := json.Unmarshal([]byte(r.Models.String), &p.Models); err != nil {
			return registry.Provider{}, fmt.Errorf("provider %q: models_json: %w", r.ID, err)
		}
	}
	return p, nil
}

type strategyRow struct {
	ID     string
	Name   string
	Layout string
	Active bool
}

type candidateRow struct {
	StrategyID string
	Tier       string
	Position   int
	ProviderID string
	Model      string
}

// assemble groups candidate rows onto their strategies. Rows must already
// be ordered by position within each (strategy, tier).
func assemble(strats []strategyRow, cands []candidateRow) []registry.Strategy {
	out := make([]registry.Strategy, 0, len(strats))
	idx := make(map[string]int, len(strats))
	for _, s := range strats {
		idx[s.ID] = len(out)
		out = append(out, registry.Strategy{
			ID:     s.ID,
			Name:   s.Name,
			Layout: registry.Layout(strings.ToLower(strings.TrimSpace(s.Layout))),
			Active: s.Active,
		})
	}
	for _, c := range cands {
		i, ok := idx[c.StrategyID]
		if !ok {
			continue
		}
		st := &out[i]
		cand := registry.Candidate{ProviderID: c.ProviderID, Model: c.Model}
		tier := strings.ToLower(strings.TrimSpace(c.Tier))
		if st.Layout == registry.LayoutTiered {
			if st.Tiers == nil {
				st.Tiers = map[string][]registry.Candidate{}
			}
			st.Tiers[tier] = append(st.Tiers[tier], cand)
			continue
		}
		st.Candidates = append(st.Candidates, cand)
	}
	return out
}

func (s *Store) providers(ctx context.Context) ([]providerRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, shape, base_url, api_key_enc, headers_json, models_json, tier_small, tier_medium, tier_big, is_active, priority, timeout_ms FROM providers ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []providerRow
	for rows.Next() {
		var r providerRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Shape, &r.BaseURL, &r.APIKeyEnc, &r.Headers, &r.Models, &r.TierSmall, &r.TierMedium, &r.TierBig, &r.Active, &r.Priority, &r.TimeoutMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) strategies(ctx context.Context) ([]strategyRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, layout, is_active FROM strategies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []strategyRow
	for rows.Next() {
		var r strategyRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Layout, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) candidates(ctx context.Context) ([]candidateRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy_id, tier, position, provider_id, model FROM strategy_candidates ORDER BY strategy_id, tier, position`)
	if err != nil {
		return nil, fmt.Errorf("query strategy candidates: %w", err)
	}
	defer rows.Close()

	var out []candidateRow
	for rows.Next() {
		var r candidateRow
		if err := rows.Scan(&r.StrategyID, &r.Tier, &r.Position, &r.ProviderID, &r.Model); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
