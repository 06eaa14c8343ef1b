package clobapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/polymarket/gammaapi"
	"github.com/liamashdown/marketrecorder/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.ClobAPIBaseURL = srv.URL
	cfg.ClobAPIBookRPS = 1000
	return NewClient(cfg)
}

func TestGetOrderBook(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "tok-1", r.URL.Query().Get("token_id"))
		fmt.Fprint(w, `{
			"market": "0xabc",
			"asset_id": "tok-1",
			"hash": "h",
			"timestamp": "1750000000000",
			"bids": [{"price": "0.48", "size": "100"}, {"price": "0.49", "size": "20"}],
			"asks": [{"price": "0.52", "size": "40"}]
		}`)
	})

	book, err := client.GetOrderBook(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", book.Market)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	assert.InDelta(t, 0.49, *book.Bids[1].Price.Float(), 1e-9)
}

func TestGetOrderBookNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"No orderbook exists for the requested token id"}`)
	})

	_, err := client.GetOrderBook(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNoBook)
}

func TestGetOrderBookServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream"}`)
	})

	_, err := client.GetOrderBook(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream")
}

func TestGetOrderBookRateLimitDeadlineIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"asset_id":"tok","bids":[],"asks":[]}`)
	})
	client.bookLimiter = ratelimit.New(0.5)

	_, err := client.GetOrderBook(context.Background(), "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = client.GetOrderBook(ctx, "tok")
	var transient *gammaapi.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
