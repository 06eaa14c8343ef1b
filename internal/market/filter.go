package market

// IsEligible reports whether m meets both thresholds. A market missing either
// volume or liquidity is never eligible.
func IsEligible(m Market, minVolume, minLiquidity float64) bool {
	if m.Volume24h == nil || m.Liquidity == nil {
		return false
	}
	return *m.Volume24h >= minVolume && *m.Liquidity >= minLiquidity
}

// FilterEligible returns the eligible markets, preserving order
func FilterEligible(markets []Market, minVolume, minLiquidity float64) []Market {
	eligible := make([]Market, 0, len(markets))
	for _, m := range markets {
		if IsEligible(m, minVolume, minLiquidity) {
			eligible = append(eligible, m)
		}
	}
	return eligible
}
