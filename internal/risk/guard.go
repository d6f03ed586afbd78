// Package risk evaluates stop-loss and grid-range conditions for a bot
// from its realized trades and the current market price.
package risk

import (
	"gridcore/internal/types"
)

// Verdict is the outcome of a risk evaluation.
type Verdict int

const (
	// VerdictOK means no condition is breached.
	VerdictOK Verdict = iota
	// VerdictStopLoss is fatal: the session must cancel all pending
	// orders and shut the bot down.
	VerdictStopLoss
	// VerdictOutOfRange is a warning: the price left the grid bounds
	// but may re-enter, so the session logs and continues.
	VerdictOutOfRange
)

func (v Verdict) String() string {
	switch v {
	case VerdictStopLoss:
		return "stop_loss"
	case VerdictOutOfRange:
		return "out_of_range"
	default:
		return "ok"
	}
}

// Evaluate checks the bot's cumulative realized P/L against its
// stop-loss threshold, then the current price against the grid bounds.
// Stop-loss is expressed as a percentage of invested capital, never as
// a raw currency amount.
func Evaluate(bot *types.Bot, currentPrice float64, trades []types.Trade) Verdict {
	if bot.StopLossPercent > 0 && bot.InvestmentAmount > 0 {
		plPct := RealizedProfitPercent(bot.InvestmentAmount, trades)
		if plPct < -bot.StopLossPercent {
			return VerdictStopLoss
		}
	}

	if currentPrice < bot.LowerPrice || currentPrice > bot.UpperPrice {
		return VerdictOutOfRange
	}

	return VerdictOK
}

// RealizedProfit sums the P/L of all closed trades.
func RealizedProfit(trades []types.Trade) float64 {
	var total float64
	for _, t := range trades {
		if t.Status == "closed" {
			total += t.ProfitLoss
		}
	}
	return total
}

// RealizedProfitPercent expresses cumulative realized P/L as a
// percentage of the invested capital.
func RealizedProfitPercent(investment float64, trades []types.Trade) float64 {
	if investment <= 0 {
		return 0
	}
	return RealizedProfit(trades) / investment * 100
}
