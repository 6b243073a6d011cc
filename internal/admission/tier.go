package admission

import (
	"fmt"
	"strings"
)

// Tier is a subscription level. Ordering matters: a feature gated at tier T
// is available to T and every tier above it.
type Tier int

const (
	TierFree Tier = iota
	TierPlus
	TierStudio
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPlus:
		return "plus"
	case TierStudio:
		return "studio"
	default:
		return "unknown"
	}
}

// Meets reports whether this tier satisfies the given minimum.
func (t Tier) Meets(min Tier) bool { return t >= min }

func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "free":
		return TierFree, nil
	case "plus":
		return TierPlus, nil
	case "studio":
		return TierStudio, nil
	default:
		return TierFree, fmt.Errorf("unknown tier %q", raw)
	}
}
