package market

import (
	"strconv"
	"strings"
	"time"
)

// EventKind tags a decoded stream event
type EventKind int

const (
	KindTrade EventKind = iota + 1
	KindPriceChange
	KindBook
)

func (k EventKind) String() string {
	switch k {
	case KindTrade:
		return "last_trade_price"
	case KindPriceChange:
		return "price_change"
	case KindBook:
		return "book"
	default:
		return "unknown"
	}
}

// Event is one stream event. Exactly one payload matching Kind is set.
type Event struct {
	Kind        EventKind
	Received    time.Time
	Trade       *TradeEvent
	PriceChange *PriceChangeEvent
	Book        *BookEvent
}

// TradeEvent is a last_trade_price message
type TradeEvent struct {
	Market     string     `json:"market"`
	AssetID    string     `json:"asset_id"`
	Price      FlexString `json:"price"`
	Size       FlexString `json:"size"`
	Side       string     `json:"side"`
	FeeRateBps FlexString `json:"fee_rate_bps"`
	Timestamp  FlexString `json:"timestamp"`
}

// PriceChange is one entry of a price_change message
type PriceChange struct {
	AssetID string     `json:"asset_id"`
	Price   FlexString `json:"price"`
	Size    FlexString `json:"size"`
	Side    string     `json:"side"`
	Hash    string     `json:"hash"`
	BestBid FlexString `json:"best_bid"`
	BestAsk FlexString `json:"best_ask"`
}

// PriceChangeEvent is a price_change message. Best bid/ask appear either on
// the message or on each change depending on the feed version.
type PriceChangeEvent struct {
	Market    string        `json:"market"`
	AssetID   string        `json:"asset_id"`
	Timestamp FlexString    `json:"timestamp"`
	BestBid   FlexString    `json:"best_bid"`
	BestAsk   FlexString    `json:"best_ask"`
	Changes   []PriceChange `json:"price_changes"`
}

// Level is one price level of a book
type Level struct {
	Price FlexString `json:"price"`
	Size  FlexString `json:"size"`
}

// BookEvent is a full book snapshot for one token
type BookEvent struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Hash      string     `json:"hash"`
	Timestamp FlexString `json:"timestamp"`
	Bids      []Level    `json:"bids"`
	Asks      []Level    `json:"asks"`
}

// EventTime resolves a server timestamp (unix ms, unix seconds or RFC 3339),
// falling back to the arrival time.
func EventTime(raw FlexString, received time.Time) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return received.UTC()
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil && n > 0 {
		if n >= 1e12 {
			return time.UnixMilli(int64(n)).UTC()
		}
		return time.Unix(int64(n), 0).UTC()
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}

	return received.UTC()
}
