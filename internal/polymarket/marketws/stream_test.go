package marketws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.MarketWSURL = url
	cfg.StreamBackoffBase = 10 * time.Millisecond
	cfg.StreamBackoffMax = 50 * time.Millisecond
	cfg.StreamPingInterval = 0
	cfg.StreamReadTimeout = 5 * time.Second
	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

const tradeFrame = `{"event_type":"last_trade_price","market":"0xabc","asset_id":"tok-yes","price":"0.52","size":"10","side":"BUY","timestamp":"1750000000000"}`

func TestStreamResubscribesAfterDisconnect(t *testing.T) {
	var (
		mu   sync.Mutex
		subs []MarketSubscription
	)
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		var sub MarketSubscription
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		mu.Lock()
		subs = append(subs, sub)
		mu.Unlock()

		if connections.Add(1) == 1 {
			// First connection delivers one trade then drops
			_ = c.WriteMessage(websocket.TextMessage, []byte(tradeFrame))
			return
		}

		_ = c.WriteMessage(websocket.TextMessage, []byte(`[`+tradeFrame+`,{"event_type":"price_change","market":"0xabc","price_changes":[{"asset_id":"tok-yes","price":"0.5","size":"3","side":"SELL"}]}]`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream := NewStream(testConfig(wsURL), quietLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan market.Event, 10)
	runErr := make(chan error, 1)
	go func() {
		runErr <- stream.Run(ctx, []string{"tok-yes", "tok-no"}, func(ev market.Event) { events <- ev })
	}()

	var got []market.Event
	for len(got) < 3 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	cancel()
	require.NoError(t, <-runErr)

	assert.Equal(t, market.KindTrade, got[0].Kind)
	assert.Equal(t, market.KindTrade, got[1].Kind)
	assert.Equal(t, market.KindPriceChange, got[2].Kind)
	assert.Equal(t, "tok-yes", got[1].Trade.AssetID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, "market", sub.Type)
		assert.Equal(t, []string{"tok-yes", "tok-no"}, sub.AssetsIDs)
	}
}

type failingTransport struct {
	dials atomic.Int32
}

func (f *failingTransport) Dial(ctx context.Context, url string) (Conn, error) {
	f.dials.Add(1)
	return nil, errors.New("connection refused")
}

func TestStreamGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig("ws://unused")
	cfg.StreamMaxRetries = 3
	transport := &failingTransport{}
	stream := NewStream(cfg, quietLogger(), transport)

	err := stream.Run(context.Background(), []string{"tok"}, func(market.Event) {})

	var disconnect *StreamDisconnectError
	require.ErrorAs(t, err, &disconnect)
	assert.Equal(t, 3, disconnect.Attempts)
	assert.Equal(t, int32(4), transport.dials.Load())
	assert.Contains(t, disconnect.Error(), "connection refused")
}

func TestStreamReturnsNilOnCancel(t *testing.T) {
	stream := NewStream(testConfig("ws://unused"), quietLogger(), &failingTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	assert.NoError(t, stream.Run(ctx, []string{"tok"}, func(market.Event) {}))
}

func TestStreamRequiresTokens(t *testing.T) {
	stream := NewStream(testConfig("ws://unused"), quietLogger(), &failingTransport{})
	assert.Error(t, stream.Run(context.Background(), nil, func(market.Event) {}))
}

func TestDecodeFrame(t *testing.T) {
	stream := NewStream(testConfig("ws://unused"), quietLogger(), &failingTransport{})

	assert.Empty(t, stream.decodeFrame([]byte("PONG")))
	assert.Empty(t, stream.decodeFrame([]byte(`{"event_type":"tick_size_change","asset_id":"x"}`)))
	assert.Empty(t, stream.decodeFrame([]byte(`[{"event_type":`)))

	events := stream.decodeFrame([]byte(`{"event_type":"book","market":"0xabc","asset_id":"tok","bids":[{"price":"0.4","size":"5"}],"asks":[]}`))
	require.Len(t, events, 1)
	assert.Equal(t, market.KindBook, events[0].Kind)
	require.Len(t, events[0].Book.Bids, 1)
	assert.False(t, events[0].Received.IsZero())

	events = stream.decodeFrame([]byte(`[` + tradeFrame + `,{"event_type":"last_trade_price","price":{}}]`))
	require.Len(t, events, 1, "a bad entry does not drop the rest of the frame")
}
