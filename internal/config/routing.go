package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"portbroker/internal/canonical"
	"portbroker/internal/registry"
)

// RoutingFile is the YAML layout of a routing file. String values may
// reference environment variables as ${NAME}.
type RoutingFile struct {
	Providers  []ProviderEntry `yaml:"providers"`
	Strategies []StrategyEntry `yaml:"strategies"`
}

type ProviderEntry struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Shape    string            `yaml:"shape"`
	BaseURL  string            `yaml:"base_url"`
	APIKey   string            `yaml:"api_key"`
	Headers  map[string]string `yaml:"headers"`
	Models   []string          `yaml:"models"`
	Tiers    TierEntry         `yaml:"tiers"`
	Active   *bool             `yaml:"active"`
	Priority int               `yaml:"priority"`
	Timeout  time.Duration     `yaml:"timeout"`
}

type TierEntry struct {
	Small  string `yaml:"small"`
	Medium string `yaml:"medium"`
	Big    string `yaml:"big"`
}

type CandidateEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type StrategyEntry struct {
	ID         string                      `yaml:"id"`
	Name       string                      `yaml:"name"`
	Layout     string                      `yaml:"layout"`
	Active     *bool                       `yaml:"active"`
	Tiers      map[string][]CandidateEntry `yaml:"tiers"`
	Candidates []CandidateEntry            `yaml:"candidates"`
}

// ParseRouting decodes a routing file into a registry config. Unset active
// flags default to true. The result is not validated; Publish does that.
func ParseRouting(data []byte) (registry.Config, error) {
	var f RoutingFile
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return registry.Config{}, fmt.Errorf("parse routing file: %w", err)
	}

	var cfg registry.Config
	for _, p := range f.Providers {
		cfg.Providers = append(cfg.Providers, registry.Provider{
			ID:       strings.TrimSpace(p.ID),
			Name:     p.Name,
			Shape:    canonical.Shape(strings.ToLower(strings.TrimSpace(p.Shape))),
			BaseURL:  strings.TrimSpace(p.BaseURL),
			APIKey:   strings.TrimSpace(p.APIKey),
			Headers:  p.Headers,
			Models:   p.Models,
			Tiers:    registry.Tiers{Small: p.Tiers.Small, Medium: p.Tiers.Medium, Big: p.Tiers.Big},
			Active:   boolOr(p.Active, true),
			Priority: p.Priority,
			Timeout:  p.Timeout,
		})
	}
	for _, s := range f.Strategies {
		st := registry.Strategy{
			ID:         strings.TrimSpace(s.ID),
			Name:       s.Name,
			Layout:     registry.Layout(strings.ToLower(strings.TrimSpace(s.Layout))),
			Active:     boolOr(s.Active, true),
			Candidates: candidates(s.Candidates),
		}
		if len(s.Tiers) > 0 {
			st.Tiers = make(map[string][]registry.Candidate, len(s.Tiers))
			for tier, cands := range s.Tiers {
				st.Tiers[strings.ToLower(strings.TrimSpace(tier))] = candidates(cands)
			}
		}
		cfg.Strategies = append(cfg.Strategies, st)
	}
	return cfg, nil
}

func candidates(in []CandidateEntry) []registry.Candidate {
	if len(in) == 0 {
		return nil
	}
	out := make([]registry.Candidate, 0, len(in))
	for _, c := range in {
		out = append(out, registry.Candidate{ProviderID: strings.TrimSpace(c.Provider), Model: strings.TrimSpace(c.Model)})
	}
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// FileSource re-reads a routing file on every Load.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (registry.Config, error) {
	if err := ctx.Err(); err != nil {
		return registry.Config{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return registry.Config{}, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRouting(data)
}
