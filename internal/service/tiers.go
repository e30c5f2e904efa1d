package service

import (
	"github.com/calderhq/calder/internal/domain"
)

// TierFree is the implicit tier for events within the free capacity.
const TierFree = "free"

// tierTable is the fixed catalog of purchasable capacity tiers, ascending
// by capacity. The last entry is the ceiling: requests above it resolve to
// it rather than failing.
var tierTable = []domain.Tier{
	{Key: "starter", Capacity: 50, SinglePriceCents: 2900, RecurringPriceCents: 1900},
	{Key: "growth", Capacity: 150, SinglePriceCents: 5900, RecurringPriceCents: 3900},
	{Key: "pro", Capacity: 300, SinglePriceCents: 9900, RecurringPriceCents: 6900},
	{Key: "max", Capacity: 1000, SinglePriceCents: 19900, RecurringPriceCents: 12900},
}

// ResolveTier returns the smallest tier whose capacity covers the requested
// participant count. Requests above the largest tier resolve to the largest
// tier; the catalog has no hard upper bound.
func ResolveTier(requestedCapacity int) domain.Tier {
	for _, t := range tierTable {
		if requestedCapacity <= t.Capacity {
			return t
		}
	}
	return tierTable[len(tierTable)-1]
}

// TierByKey looks up a tier in the catalog. Returns false for unknown keys,
// including "free", which is not purchasable.
func TierByKey(key string) (domain.Tier, bool) {
	for _, t := range tierTable {
		if t.Key == key {
			return t, true
		}
	}
	return domain.Tier{}, false
}

// Tiers returns the catalog in ascending capacity order.
func Tiers() []domain.Tier {
	out := make([]domain.Tier, len(tierTable))
	copy(out, tierTable)
	return out
}
