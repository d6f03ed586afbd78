package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridcore/internal/types"
)

func TestComputeLevels_Arithmetic(t *testing.T) {
	levels, err := ComputeLevels(950, 1050, 5, types.ProgressionArithmetic)
	require.NoError(t, err)
	require.Len(t, levels, 5)

	expected := []float64{950, 975, 1000, 1025, 1050}
	for i, lvl := range levels {
		assert.Equal(t, i, lvl.Index)
		assert.InDelta(t, expected[i], lvl.Price, 1e-9)
	}

	// First and last levels sit exactly on the bounds.
	assert.Equal(t, 950.0, levels[0].Price)
	assert.Equal(t, 1050.0, levels[4].Price)

	// Equal spacing between all adjacent pairs.
	for i := 1; i < len(levels); i++ {
		assert.InDelta(t, 25.0, levels[i].Price-levels[i-1].Price, 1e-9)
	}
}

func TestComputeLevels_Triggers(t *testing.T) {
	levels, err := ComputeLevels(950, 1050, 5, types.ProgressionArithmetic)
	require.NoError(t, err)

	// 975 * 0.9995 = 974.5125, rounded to 974.51
	assert.Equal(t, 974.51, levels[1].BuyPrice)
	// 1000 * 1.0005 = 1000.50
	assert.Equal(t, 1000.50, levels[2].SellPrice)

	for _, lvl := range levels {
		assert.Less(t, lvl.BuyPrice, lvl.Price+0.01)
		assert.Greater(t, lvl.SellPrice, lvl.Price-0.01)
	}
}

func TestComputeLevels_Geometric(t *testing.T) {
	levels, err := ComputeLevels(100, 200, 8, types.ProgressionGeometric)
	require.NoError(t, err)
	require.Len(t, levels, 8)

	assert.InDelta(t, 100, levels[0].Price, 0.01)
	assert.InDelta(t, 200, levels[7].Price, 0.01)

	// Ratio between consecutive prices is constant.
	wantRatio := math.Pow(2, 1.0/7.0)
	for i := 1; i < len(levels); i++ {
		ratio := levels[i].Price / levels[i-1].Price
		assert.InDelta(t, wantRatio, ratio, 0.001, "ratio between levels %d and %d", i-1, i)
	}
}

func TestComputeLevels_InvalidRange(t *testing.T) {
	tests := []struct {
		name  string
		lower float64
		upper float64
		count int
	}{
		{"count too small", 100, 200, 1},
		{"zero lower", 0, 200, 5},
		{"negative lower", -10, 200, 5},
		{"inverted bounds", 200, 100, 5},
		{"equal bounds", 100, 100, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeLevels(tt.lower, tt.upper, tt.count, types.ProgressionArithmetic)
			assert.ErrorIs(t, err, types.ErrInvalidRange)
		})
	}
}

func TestDeriveBounds(t *testing.T) {
	lower, upper := DeriveBounds(1000, 0.05)
	assert.Equal(t, 950.0, lower)
	assert.Equal(t, 1050.0, upper)

	// Zero range falls back to the default 5%.
	lower, upper = DeriveBounds(200, 0)
	assert.Equal(t, 190.0, lower)
	assert.Equal(t, 210.0, upper)
}

func TestAdjacentLevels(t *testing.T) {
	levels, err := ComputeLevels(950, 1050, 5, types.ProgressionArithmetic)
	require.NoError(t, err)

	up := NextLevelUp(levels, 975)
	require.NotNil(t, up)
	assert.Equal(t, 1000.0, up.Price)

	down := NextLevelDown(levels, 1000)
	require.NotNil(t, down)
	assert.Equal(t, 975.0, down.Price)

	// Boundaries: nothing above the top, nothing below the bottom.
	assert.Nil(t, NextLevelUp(levels, 1050))
	assert.Nil(t, NextLevelDown(levels, 950))
}
