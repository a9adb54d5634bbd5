// Package valuation turns positions and live quotes into holdings and
// net-worth figures. Every function here is pure: no I/O, no clock.
//
// Daily change is taken from the quote provider's absolute day-over-day
// change multiplied by shares held today. For a position opened intraday this
// overstates or understates the account's real move since yesterday's close;
// it is a known approximation and is not reconciled against stored snapshots.
package valuation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
)

// ComputeHoldings values each position at its current quote. A symbol with no
// entry in quotes (or a non-positive current price) is returned with
// QuoteAvailable=false and contributes zero market value, gain and day change.
// The result is sorted by symbol.
func ComputeHoldings(positions []model.Position, quotes map[string]model.Quote) []model.Holding {
	holdings := make([]model.Holding, 0, len(positions))
	for _, p := range positions {
		shares := ledger.Round4(p.Shares)
		avgCost := ledger.Round2(p.AvgCost)
		h := model.Holding{
			Symbol:       p.Symbol,
			Shares:       shares,
			AvgCost:      avgCost,
			CostBasis:    ledger.Round2(avgCost.Mul(shares)),
			CurrentPrice: decimal.Zero,
			MarketValue:  decimal.Zero,
			Gain:         decimal.Zero,
			GainPercent:  decimal.Zero,
			DayChange:    decimal.Zero,
		}

		q, ok := quotes[p.Symbol]
		if ok && q.Current.IsPositive() {
			h.QuoteAvailable = true
			h.CurrentPrice = ledger.Round2(q.Current)
			h.MarketValue = ledger.Round2(q.Current.Mul(shares))
			h.Gain = ledger.Round2(h.MarketValue.Sub(h.CostBasis))
			h.GainPercent = ledger.Percent(h.Gain, h.CostBasis)
			h.DayChange = ledger.Round2(q.Change.Mul(shares))
		}
		holdings = append(holdings, h)
	}

	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].Symbol < holdings[j].Symbol
	})
	return holdings
}

// ComputeSummary aggregates cash and holdings into net worth and daily change.
//
//	netWorth           = cash + Σ marketValue
//	dailyChange        = Σ change × shares
//	dailyChangePercent = dailyChange / (netWorth − dailyChange) × 100
func ComputeSummary(cash decimal.Decimal, holdings []model.Holding) model.Summary {
	holdingsValue := decimal.Zero
	dailyChange := decimal.Zero
	costBasis := decimal.Zero
	totalGain := decimal.Zero

	for _, h := range holdings {
		if !h.QuoteAvailable {
			continue
		}
		holdingsValue = holdingsValue.Add(h.MarketValue)
		dailyChange = dailyChange.Add(h.DayChange)
		costBasis = costBasis.Add(h.CostBasis)
		totalGain = totalGain.Add(h.Gain)
	}

	cash = ledger.Round2(cash)
	holdingsValue = ledger.Round2(holdingsValue)
	dailyChange = ledger.Round2(dailyChange)
	netWorth := ledger.Round2(cash.Add(holdingsValue))
	prior := netWorth.Sub(dailyChange)

	if holdings == nil {
		holdings = []model.Holding{}
	}

	return model.Summary{
		CashBalance:        cash,
		HoldingsValue:      holdingsValue,
		NetWorth:           netWorth,
		DailyChange:        dailyChange,
		DailyChangePercent: ledger.Percent(dailyChange, prior),
		TotalCostBasis:     ledger.Round2(costBasis),
		TotalGain:          ledger.Round2(totalGain),
		TotalGainPercent:   ledger.Percent(totalGain, costBasis),
		Holdings:           holdings,
	}
}
