// Package market holds the normalized market model, the eligibility filter and
// the normalizer that turns markets and stream events into storage rows.
package market

import "strings"

// Kind tags a market by outcome cardinality
type Kind int

const (
	// KindInvalid markets have fewer than two outcomes and are never recorded
	KindInvalid Kind = iota
	KindBinary
	KindMultiOutcome
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindMultiOutcome:
		return "multi_outcome"
	default:
		return "invalid"
	}
}

// Outcome is one tradable side of a market
type Outcome struct {
	Name    string
	TokenID string
	Price   *float64
}

// Market is one market as returned by the listing endpoint. Nil numeric
// fields were missing or unparsable upstream.
type Market struct {
	ID          string // condition id, or the numeric id when absent
	NumericID   string
	ConditionID string
	Slug        string
	Title       string
	Category    string
	EndTime     string
	Active      *bool
	Closed      *bool

	Outcomes []Outcome

	Volume24h      *float64
	Liquidity      *float64
	BestBid        *float64
	BestAsk        *float64
	LastTradePrice *float64

	Resolved          *bool
	ResolutionOutcome string
	ResolutionSource  string
}

// Kind classifies m by its current outcome count
func (m Market) Kind() Kind {
	switch n := len(m.Outcomes); {
	case n == 2:
		return KindBinary
	case n >= 3:
		return KindMultiOutcome
	default:
		return KindInvalid
	}
}

// YesNo returns the yes and no outcomes of a binary market. Outcomes named
// "yes"/"no" (any case) win; otherwise position 0 is yes and 1 is no.
func (m Market) YesNo() (yes, no Outcome, ok bool) {
	if m.Kind() != KindBinary {
		return Outcome{}, Outcome{}, false
	}

	yesIdx, noIdx := -1, -1
	for i, o := range m.Outcomes {
		switch strings.ToLower(strings.TrimSpace(o.Name)) {
		case "yes":
			yesIdx = i
		case "no":
			noIdx = i
		}
	}
	if yesIdx < 0 || noIdx < 0 || yesIdx == noIdx {
		yesIdx, noIdx = 0, 1
	}

	return m.Outcomes[yesIdx], m.Outcomes[noIdx], true
}

// TokenIDs returns the non-empty CLOB token ids of every outcome
func (m Market) TokenIDs() []string {
	ids := make([]string, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		if o.TokenID != "" {
			ids = append(ids, o.TokenID)
		}
	}
	return ids
}

// TokenIndex maps token id to market id for a set of markets
func TokenIndex(markets []Market) map[string]string {
	index := make(map[string]string)
	for _, m := range markets {
		for _, id := range m.TokenIDs() {
			index[id] = m.ID
		}
	}
	return index
}
