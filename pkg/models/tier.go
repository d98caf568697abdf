package models

// Tier is a capability/cost class of worker model.
type Tier string

const (
	// TierFast is the cheapest, quickest class for mechanical work.
	TierFast Tier = "fast"
	// TierStandard is for standard implementation tasks.
	TierStandard Tier = "standard"
	// TierPremium is for complex design and cross-cutting tasks.
	TierPremium Tier = "premium"
)

// TierOrder lists tiers from least to most capable.
var TierOrder = []Tier{TierFast, TierStandard, TierPremium}

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierStandard, TierPremium:
		return true
	default:
		return false
	}
}

// Rank returns the tier's position in TierOrder, or -1 if unknown.
func (t Tier) Rank() int {
	for i, tier := range TierOrder {
		if tier == t {
			return i
		}
	}
	return -1
}

// Next returns the next more capable tier.
// The second value is false at the top tier.
func (t Tier) Next() (Tier, bool) {
	r := t.Rank()
	if r < 0 || r >= len(TierOrder)-1 {
		return t, false
	}
	return TierOrder[r+1], true
}
