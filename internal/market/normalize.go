package market

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/liamashdown/marketrecorder/internal/storage"
)

// ErrIncompleteEvent marks a stream event without a parseable price or size
var ErrIncompleteEvent = errors.New("event missing price or size")

// Snapshot is the normalized form of one market at one instant. Binary
// markets fill Market; markets with three or more outcomes fill Outcomes.
type Snapshot struct {
	Market   *storage.MarketSnapshot
	Outcomes []storage.OutcomeSnapshot
}

// Empty reports whether the market produced no rows
func (s Snapshot) Empty() bool {
	return s.Market == nil && len(s.Outcomes) == 0
}

// ToSnapshot projects m at ts
func ToSnapshot(m Market, ts time.Time) Snapshot {
	ts = ts.UTC()

	switch m.Kind() {
	case KindBinary:
		yes, no, _ := m.YesNo()
		return Snapshot{Market: &storage.MarketSnapshot{
			Timestamp: ts,
			MarketID:  m.ID,
			Title:     m.Title,
			Category:  m.Category,
			YesPrice:  yes.Price,
			NoPrice:   no.Price,
			ParityGap: ParityGap(yes.Price, no.Price),
			BestBid:   m.BestBid,
			BestAsk:   m.BestAsk,
			Spread:    Spread(m.BestBid, m.BestAsk),
			Volume24h: m.Volume24h,
			Liquidity: m.Liquidity,
			EndTime:   m.EndTime,
			Active:    m.Active,
		}}

	case KindMultiOutcome:
		rows := make([]storage.OutcomeSnapshot, 0, len(m.Outcomes))
		for _, o := range m.Outcomes {
			rows = append(rows, storage.OutcomeSnapshot{
				Timestamp: ts,
				MarketID:  m.ID,
				Outcome:   o.Name,
				Price:     o.Price,
				TokenID:   o.TokenID,
			})
		}
		return Snapshot{Outcomes: rows}

	default:
		return Snapshot{}
	}
}

// ToResolutionSnapshot emits a row only when the payload carried a resolved flag
func ToResolutionSnapshot(m Market, ts time.Time) (storage.ResolutionSnapshot, bool) {
	if m.Resolved == nil {
		return storage.ResolutionSnapshot{}, false
	}
	return storage.ResolutionSnapshot{
		Timestamp:         ts.UTC(),
		MarketID:          m.ID,
		Resolved:          *m.Resolved,
		ResolutionOutcome: m.ResolutionOutcome,
		ResolutionSource:  m.ResolutionSource,
	}, true
}

// ToOrderbookSnapshots converts book sides into depth rows with level 0 as the
// best price. depth <= 0 keeps every level. Levels with an unparsable price or
// size are skipped.
func ToOrderbookSnapshots(marketID, tokenID string, ts time.Time, bids, asks []Level, depth int) []storage.OrderbookSnapshot {
	ts = ts.UTC()

	bidRows := bookSide(bids, depth, func(a, b float64) int { return cmp.Compare(b, a) })
	askRows := bookSide(asks, depth, cmp.Compare[float64])

	rows := make([]storage.OrderbookSnapshot, 0, len(bidRows)+len(askRows))
	for i, l := range bidRows {
		rows = append(rows, storage.OrderbookSnapshot{
			Timestamp: ts, MarketID: marketID, TokenID: tokenID,
			Side: "bid", Level: i, Price: l.price, Size: l.size,
		})
	}
	for i, l := range askRows {
		rows = append(rows, storage.OrderbookSnapshot{
			Timestamp: ts, MarketID: marketID, TokenID: tokenID,
			Side: "ask", Level: i, Price: l.price, Size: l.size,
		})
	}
	return rows
}

type parsedLevel struct {
	price float64
	size  float64
}

func bookSide(levels []Level, depth int, order func(a, b float64) int) []parsedLevel {
	parsed := make([]parsedLevel, 0, len(levels))
	for _, l := range levels {
		price, size := l.Price.Float(), l.Size.Float()
		if price == nil || size == nil {
			continue
		}
		parsed = append(parsed, parsedLevel{price: *price, size: *size})
	}

	slices.SortStableFunc(parsed, func(a, b parsedLevel) int { return order(a.price, b.price) })

	if depth > 0 && len(parsed) > depth {
		parsed = parsed[:depth]
	}
	return parsed
}

// ToTradeRecord maps a trade event. Side is stored lower-case.
func ToTradeRecord(ev TradeEvent, received time.Time) (storage.TradeSnapshot, error) {
	price, size := ev.Price.Float(), ev.Size.Float()
	if price == nil || size == nil {
		return storage.TradeSnapshot{}, ErrIncompleteEvent
	}

	return storage.TradeSnapshot{
		Timestamp: EventTime(ev.Timestamp, received),
		MarketID:  ev.Market,
		TokenID:   ev.AssetID,
		Price:     *price,
		Size:      *size,
		Side:      strings.ToLower(strings.TrimSpace(ev.Side)),
	}, nil
}

// ToPriceChangeRecords maps every change in ev. Changes without a parseable
// price or size are dropped and counted.
func ToPriceChangeRecords(ev PriceChangeEvent, received time.Time) (rows []storage.PriceChangeEvent, dropped int) {
	ts := EventTime(ev.Timestamp, received)

	rows = make([]storage.PriceChangeEvent, 0, len(ev.Changes))
	for _, c := range ev.Changes {
		price, size := c.Price.Float(), c.Size.Float()
		if price == nil || size == nil {
			dropped++
			continue
		}

		tokenID := c.AssetID
		if tokenID == "" {
			tokenID = ev.AssetID
		}

		rows = append(rows, storage.PriceChangeEvent{
			Timestamp: ts,
			MarketID:  ev.Market,
			TokenID:   tokenID,
			Price:     *price,
			Size:      *size,
			Side:      strings.ToLower(strings.TrimSpace(c.Side)),
			BestBid:   firstFloat(c.BestBid, ev.BestBid),
			BestAsk:   firstFloat(c.BestAsk, ev.BestAsk),
		})
	}
	return rows, dropped
}

func firstFloat(values ...FlexString) *float64 {
	for _, v := range values {
		if f := v.Float(); f != nil {
			return f
		}
	}
	return nil
}
