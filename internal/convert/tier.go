package convert

import (
	"strings"

	"portbroker/internal/canonical"
)

var tierTable = []struct {
	substr string
	tier   string
}{
	{"haiku", canonical.TierSmall},
	{"sonnet", canonical.TierMedium},
	{"opus", canonical.TierBig},
}

// ResolveTier turns a requested model name into a routing key: one of the
// tiers when the name is a tier or contains a known family name, otherwise
// the literal model name.
func ResolveTier(model string) string {
	model = strings.TrimSpace(model)
	lower := strings.ToLower(model)
	if canonical.IsTier(lower) {
		return lower
	}
	for _, t := range tierTable {
		if strings.Contains(lower, t.substr) {
			return t.tier
		}
	}
	return model
}
