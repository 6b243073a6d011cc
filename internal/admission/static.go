package admission

import (
	"context"
	"fmt"
	"strings"
)

// StaticTiers resolves user tiers from a fixed override table with a
// default for everyone else. It stands in for a billing service lookup in
// single-tenant and development deployments.
type StaticTiers struct {
	def       Tier
	overrides map[string]Tier
}

func NewStaticTiers(def Tier, overrides map[string]Tier) *StaticTiers {
	return &StaticTiers{def: def, overrides: overrides}
}

func (s *StaticTiers) UserTier(_ context.Context, userID string) (Tier, error) {
	if t, ok := s.overrides[userID]; ok {
		return t, nil
	}
	return s.def, nil
}

// ParseTierOverrides parses a "user:tier,user:tier" list.
func ParseTierOverrides(raw string) (map[string]Tier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]Tier)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid tier override %q", entry)
		}
		tier, err := ParseTier(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid tier override %q: %w", entry, err)
		}
		out[strings.TrimSpace(parts[0])] = tier
	}
	return out, nil
}
