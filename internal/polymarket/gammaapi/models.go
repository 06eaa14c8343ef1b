package gammaapi

import (
	"strconv"
	"strings"

	"github.com/liamashdown/marketrecorder/internal/market"
)

// Market is one entry of the /markets response. Numeric fields arrive as
// numbers or strings, list fields as arrays or JSON-encoded strings.
type Market struct {
	ID                string            `json:"id"`
	ConditionID       string            `json:"conditionId"`
	Slug              string            `json:"slug"`
	Question          string            `json:"question"`
	Category          string            `json:"category"`
	EndDate           string            `json:"endDate"`
	EndDateISO        string            `json:"end_date_iso"`
	Active            market.FlexString `json:"active"`
	Closed            market.FlexString `json:"closed"`
	Outcomes          market.FlexList   `json:"outcomes"`
	OutcomePrices     market.FlexList   `json:"outcomePrices"`
	ClobTokenIDs      market.FlexList   `json:"clobTokenIds"`
	Volume24hr        market.FlexString `json:"volume24hr"`
	Volume            market.FlexString `json:"volume"`
	LiquidityNum      market.FlexString `json:"liquidityNum"`
	Liquidity         market.FlexString `json:"liquidity"`
	BestBid           market.FlexString `json:"bestBid"`
	BestAsk           market.FlexString `json:"bestAsk"`
	LastTradePrice    market.FlexString `json:"lastTradePrice"`
	Resolved          market.FlexString `json:"resolved"`
	Outcome           string            `json:"outcome"`
	ResolutionSource  string            `json:"resolutionSource"`
	UMAResolutionStat string            `json:"umaResolutionStatus"`
}

// ToMarket converts the wire entry into the domain model
func (m Market) ToMarket() market.Market {
	id := m.ConditionID
	if id == "" {
		id = m.ID
	}

	endTime := m.EndDate
	if endTime == "" {
		endTime = m.EndDateISO
	}

	outcomes := make([]market.Outcome, len(m.Outcomes))
	for i, name := range m.Outcomes {
		outcomes[i] = market.Outcome{Name: name}
		if i < len(m.OutcomePrices) {
			outcomes[i].Price = market.ParseFloat(m.OutcomePrices[i])
		}
		if i < len(m.ClobTokenIDs) {
			outcomes[i].TokenID = m.ClobTokenIDs[i]
		}
	}

	volume := m.Volume24hr.Float()
	if volume == nil {
		volume = m.Volume.Float()
	}
	liquidity := m.LiquidityNum.Float()
	if liquidity == nil {
		liquidity = m.Liquidity.Float()
	}

	resolved := parseBool(m.Resolved)
	if resolved == nil && strings.EqualFold(m.UMAResolutionStat, "resolved") {
		t := true
		resolved = &t
	}

	return market.Market{
		ID:                id,
		NumericID:         m.ID,
		ConditionID:       m.ConditionID,
		Slug:              m.Slug,
		Title:             m.Question,
		Category:          m.Category,
		EndTime:           endTime,
		Active:            parseBool(m.Active),
		Closed:            parseBool(m.Closed),
		Outcomes:          outcomes,
		Volume24h:         volume,
		Liquidity:         liquidity,
		BestBid:           m.BestBid.Float(),
		BestAsk:           m.BestAsk.Float(),
		LastTradePrice:    m.LastTradePrice.Float(),
		Resolved:          resolved,
		ResolutionOutcome: m.Outcome,
		ResolutionSource:  m.ResolutionSource,
	}
}

func parseBool(s market.FlexString) *bool {
	v, err := strconv.ParseBool(strings.TrimSpace(string(s)))
	if err != nil {
		return nil
	}
	return &v
}
