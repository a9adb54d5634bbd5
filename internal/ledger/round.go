package ledger

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

const (
	// MoneyPlaces is the precision of cash, prices and average cost.
	MoneyPlaces int32 = 2
	// SharePlaces is the precision of share quantities.
	SharePlaces int32 = 4
)

// floatEpsilon nudges float64 inputs away from zero before rounding so that
// values like 2.675 (stored as 2.67499999...) round the way they read.
var floatEpsilon = decimal.New(1, -9)

var hundred = decimal.NewFromInt(100)

// Round2 rounds half away from zero to 2 decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Round4 rounds half away from zero to 4 decimal places.
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(SharePlaces)
}

// FromFloat2 converts a provider float to a 2dp decimal.
func FromFloat2(f float64) decimal.Decimal {
	return fromFloat(f, MoneyPlaces)
}

// FromFloat4 converts a provider float to a 4dp decimal.
func FromFloat4(f float64) decimal.Decimal {
	return fromFloat(f, SharePlaces)
}

func fromFloat(f float64, places int32) decimal.Decimal {
	d := decimal.NewFromFloat(f)
	switch d.Sign() {
	case 1:
		d = d.Add(floatEpsilon)
	case -1:
		d = d.Sub(floatEpsilon)
	}
	return d.Round(places)
}

// Percent returns part/whole*100 rounded to 2dp, or zero when whole is not positive.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return Round2(part.Div(whole).Mul(hundred))
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (model.Side, error) {
	switch model.Side(strings.ToUpper(strings.TrimSpace(s))) {
	case model.SideBuy:
		return model.SideBuy, nil
	case model.SideSell:
		return model.SideSell, nil
	default:
		return "", Validation("side must be BUY or SELL, got %q", s)
	}
}
