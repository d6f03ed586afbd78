// Package grid computes the price ladder a grid bot trades on. The
// calculation is pure: the same bot parameters always produce the same
// ladder, which is why sessions recompute it at initialization instead
// of persisting it.
package grid

import (
	"fmt"
	"math"

	"gridcore/internal/types"
)

const (
	// TriggerOffset is the fixed fraction applied on each side of a
	// level's nominal price. It guarantees a minimum spread per round
	// trip: buy trigger = price*(1-offset), sell trigger = price*(1+offset).
	TriggerOffset = 0.0005

	// DefaultRangePercent is used to derive bounds around the current
	// price when a bot has none configured.
	DefaultRangePercent = 0.05
)

// ComputeLevels maps a price range, level count and progression type to
// an ordered ladder of grid levels. Requires count >= 2 and
// 0 < lower < upper.
func ComputeLevels(lower, upper float64, count int, progression types.Progression) ([]types.GridLevel, error) {
	if count < 2 {
		return nil, fmt.Errorf("%w: grid count %d, need at least 2", types.ErrInvalidRange, count)
	}
	if lower <= 0 || lower >= upper {
		return nil, fmt.Errorf("%w: bounds [%v, %v]", types.ErrInvalidRange, lower, upper)
	}

	levels := make([]types.GridLevel, count)

	if progression == types.ProgressionGeometric {
		// Equal percentage spacing between adjacent levels.
		ratio := math.Pow(upper/lower, 1/float64(count-1))
		for i := 0; i < count; i++ {
			price := lower * math.Pow(ratio, float64(i))
			levels[i] = newLevel(i, price)
		}
	} else {
		// Equal price spacing between adjacent levels.
		step := (upper - lower) / float64(count-1)
		for i := 0; i < count; i++ {
			price := lower + step*float64(i)
			levels[i] = newLevel(i, price)
		}
	}

	return levels, nil
}

func newLevel(index int, price float64) types.GridLevel {
	return types.GridLevel{
		Index:     index,
		Price:     round2(price),
		BuyPrice:  round2(price * (1 - TriggerOffset)),
		SellPrice: round2(price * (1 + TriggerOffset)),
	}
}

// DeriveBounds computes grid bounds around the current price for bots
// that have none configured. The bounds are fixed for the session's
// lifetime; the ladder does not re-center when the price moves.
func DeriveBounds(currentPrice, rangePercent float64) (lower, upper float64) {
	if rangePercent <= 0 {
		rangePercent = DefaultRangePercent
	}
	lower = round2(currentPrice * (1 - rangePercent))
	upper = round2(currentPrice * (1 + rangePercent))
	return lower, upper
}

// NextLevelUp returns the lowest level strictly above price, or nil at
// the ladder boundary.
func NextLevelUp(levels []types.GridLevel, price float64) *types.GridLevel {
	for i := range levels {
		if levels[i].Price > price {
			return &levels[i]
		}
	}
	return nil
}

// NextLevelDown returns the highest level strictly below price, or nil
// at the ladder boundary.
func NextLevelDown(levels []types.GridLevel, price float64) *types.GridLevel {
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i].Price < price {
			return &levels[i]
		}
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
