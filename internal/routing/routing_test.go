package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
	"portbroker/internal/registry"
)

func publish(t *testing.T, cfg registry.Config) *registry.Snapshot {
	t.Helper()
	s, err := registry.New().Publish(cfg)
	require.NoError(t, err)
	return s
}

func providers() []registry.Provider {
	return []registry.Provider{
		{ID: "anth", Shape: canonical.ShapeAnthropic, BaseURL: "https://a.example", Active: true, Priority: 1,
			Tiers: registry.Tiers{Small: "claude-3-5-haiku", Medium: "claude-sonnet-4"}, Models: []string{"claude-sonnet-4"}},
		{ID: "oai", Shape: canonical.ShapeOpenAI, BaseURL: "https://o.example", Active: true, Priority: 2,
			Tiers: registry.Tiers{Small: "gpt-4o-mini"}, Models: []string{"gpt-4o", "gpt-4o-mini"}},
		{ID: "off", Shape: canonical.ShapeOpenAI, BaseURL: "https://x.example", Active: false, Priority: 0,
			Tiers: registry.Tiers{Small: "tiny"}, Models: []string{"gpt-4o"}},
	}
}

func TestTieredCandidatesVerbatim(t *testing.T) {
	snap := publish(t, registry.Config{
		Providers: providers(),
		Strategies: []registry.Strategy{{
			ID: "tiers", Layout: registry.LayoutTiered, Active: true,
			Tiers: map[string][]registry.Candidate{
				canonical.TierSmall: {
					{ProviderID: "oai", Model: "gpt-4o"},
					{ProviderID: "anth"},
					{ProviderID: "off", Model: "x"},
				},
			},
		}},
	})

	got, err := Resolver{}.Resolve(snap, canonical.TierSmall)
	require.NoError(t, err)
	assert.Equal(t, []registry.Candidate{
		{ProviderID: "oai", Model: "gpt-4o"},
		{ProviderID: "anth", Model: "claude-3-5-haiku"},
		{ProviderID: "off", Model: "x"},
	}, got)

	_, err = Resolver{}.Resolve(snap, canonical.TierBig)
	assert.True(t, errors.Is(err, gwerr.NoRoute))
}

func TestFlatExactMatchOnly(t *testing.T) {
	snap := publish(t, registry.Config{
		Providers: providers(),
		Strategies: []registry.Strategy{{
			ID: "flat", Layout: registry.LayoutFlat, Active: true,
			Candidates: []registry.Candidate{
				{ProviderID: "oai", Model: "gpt-4o"},
				{ProviderID: "anth", Model: "claude-sonnet-4"},
				{ProviderID: "off", Model: "gpt-4o"},
			},
		}},
	})

	got, err := Resolver{}.Resolve(snap, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, []registry.Candidate{
		{ProviderID: "oai", Model: "gpt-4o"},
		{ProviderID: "off", Model: "gpt-4o"},
	}, got)

	_, err = Resolver{}.Resolve(snap, "gpt-4")
	assert.True(t, errors.Is(err, gwerr.NoRoute))
	_, err = Resolver{}.Resolve(snap, "gpt-4o-mini")
	assert.True(t, errors.Is(err, gwerr.NoRoute), "catalog fallback must not apply while a flat strategy is active")
}

func TestFallbackByPriority(t *testing.T) {
	snap := publish(t, registry.Config{Providers: providers()})

	got, err := Resolver{}.Resolve(snap, canonical.TierSmall)
	require.NoError(t, err)
	assert.Equal(t, []registry.Candidate{
		{ProviderID: "anth", Model: "claude-3-5-haiku"},
		{ProviderID: "oai", Model: "gpt-4o-mini"},
	}, got)

	got, err = Resolver{}.Resolve(snap, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, []registry.Candidate{{ProviderID: "oai", Model: "gpt-4o"}}, got)

	_, err = Resolver{}.Resolve(snap, canonical.TierBig)
	assert.True(t, errors.Is(err, gwerr.NoRoute))
}
