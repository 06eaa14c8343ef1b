package clobapi

import "github.com/liamashdown/marketrecorder/internal/market"

// OrderBook is the /book response for one token
type OrderBook struct {
	Market    string            `json:"market"`
	AssetID   string            `json:"asset_id"`
	Hash      string            `json:"hash"`
	Timestamp market.FlexString `json:"timestamp"`
	Bids      []market.Level    `json:"bids"`
	Asks      []market.Level    `json:"asks"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error string `json:"error"`
}
