package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gridcore/internal/types"
)

func testBot() *types.Bot {
	return &types.Bot{
		ID:               "bot-1",
		Symbol:           "BTCUSDT",
		LowerPrice:       950,
		UpperPrice:       1050,
		InvestmentAmount: 1000,
		StopLossPercent:  5,
	}
}

func closedTrade(pl float64) types.Trade {
	return types.Trade{BotID: "bot-1", ProfitLoss: pl, Status: "closed"}
}

func TestEvaluate_OK(t *testing.T) {
	v := Evaluate(testBot(), 1000, nil)
	assert.Equal(t, VerdictOK, v)
}

func TestEvaluate_StopLossBoundary(t *testing.T) {
	bot := testBot()

	// Loss of 5.01% of 1000 invested: just past the threshold.
	over := []types.Trade{closedTrade(-50.1)}
	assert.Equal(t, VerdictStopLoss, Evaluate(bot, 1000, over))

	// Loss of 4.99%: inside the threshold.
	under := []types.Trade{closedTrade(-49.9)}
	assert.Equal(t, VerdictOK, Evaluate(bot, 1000, under))

	// Exactly at the threshold does not trigger.
	exact := []types.Trade{closedTrade(-50)}
	assert.Equal(t, VerdictOK, Evaluate(bot, 1000, exact))
}

func TestEvaluate_IgnoresOpenTrades(t *testing.T) {
	bot := testBot()
	trades := []types.Trade{
		{BotID: "bot-1", ProfitLoss: -100, Status: "open"},
		closedTrade(-10),
	}
	// Only the closed -10 counts: 1% loss, no breach.
	assert.Equal(t, VerdictOK, Evaluate(bot, 1000, trades))
}

func TestEvaluate_OutOfRange(t *testing.T) {
	bot := testBot()

	assert.Equal(t, VerdictOutOfRange, Evaluate(bot, 949.99, nil))
	assert.Equal(t, VerdictOutOfRange, Evaluate(bot, 1050.01, nil))
	assert.Equal(t, VerdictOK, Evaluate(bot, 950, nil))
	assert.Equal(t, VerdictOK, Evaluate(bot, 1050, nil))
}

func TestEvaluate_StopLossWinsOverRange(t *testing.T) {
	bot := testBot()
	trades := []types.Trade{closedTrade(-60)}
	// Both conditions hold; the fatal one is reported.
	assert.Equal(t, VerdictStopLoss, Evaluate(bot, 900, trades))
}

func TestRealizedProfitPercent(t *testing.T) {
	trades := []types.Trade{closedTrade(25), closedTrade(-10)}
	assert.InDelta(t, 1.5, RealizedProfitPercent(1000, trades), 1e-9)
	assert.Equal(t, 0.0, RealizedProfitPercent(0, trades))
}
