package market

import (
	"math"
	"strconv"
	"strings"
)

// Precision of derived fields, matching the six decimals prices are quoted in
const derivedPrecision = 1e6

// ParseFloat parses a numeric string, returning nil for empty, unparsable or
// non-finite input.
func ParseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Round6 rounds to six decimal places
func Round6(v float64) float64 {
	return math.Round(v*derivedPrecision) / derivedPrecision
}

// ParityGap is 1 - yes - no, or nil unless both prices are known
func ParityGap(yes, no *float64) *float64 {
	if yes == nil || no == nil {
		return nil
	}
	gap := Round6(1.0 - *yes - *no)
	return &gap
}

// Spread is ask - bid, or nil unless both sides are known
func Spread(bid, ask *float64) *float64 {
	if bid == nil || ask == nil {
		return nil
	}
	spread := Round6(*ask - *bid)
	return &spread
}
