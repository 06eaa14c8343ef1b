// Package marketws subscribes to the Polymarket CLOB market channel and
// decodes trade, price change and book events.
package marketws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/liamashdown/marketrecorder/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Wire event types
const (
	EventLastTradePrice = "last_trade_price"
	EventPriceChange    = "price_change"
	EventBook           = "book"
)

// StreamDisconnectError ends Run once MaxRetries consecutive attempts failed
type StreamDisconnectError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *StreamDisconnectError) Error() string {
	return fmt.Sprintf("stream %s disconnected after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *StreamDisconnectError) Unwrap() error {
	return e.Err
}

// Handler receives decoded events in arrival order
type Handler func(market.Event)

// MarketSubscription is the subscribe message for the market channel
type MarketSubscription struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// Stream is a self-healing subscription to the market channel
type Stream struct {
	url        string
	transport  Transport
	log        *logrus.Logger
	newBackoff func() *Backoff
	now        func() time.Time
}

// NewStream creates a stream. A nil transport uses gorilla/websocket.
func NewStream(cfg *config.Config, log *logrus.Logger, transport Transport) *Stream {
	if transport == nil {
		transport = GorillaTransport{
			PingInterval: cfg.StreamPingInterval,
			ReadTimeout:  cfg.StreamReadTimeout,
		}
	}

	base, ceiling, retries := cfg.StreamBackoffBase, cfg.StreamBackoffMax, cfg.StreamMaxRetries
	return &Stream{
		url:        cfg.MarketWSURL,
		transport:  transport,
		log:        log,
		newBackoff: func() *Backoff { return NewBackoff(base, ceiling, retries) },
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run connects, subscribes to tokenIDs and delivers events to handler until
// ctx is cancelled, reconnecting and resubscribing after every disconnect.
// It returns nil on cancellation and a *StreamDisconnectError when the retry
// budget is exhausted.
func (s *Stream) Run(ctx context.Context, tokenIDs []string, handler Handler) error {
	if len(tokenIDs) == 0 {
		return errors.New("no token ids to subscribe")
	}

	backoff := s.newBackoff()
	defer metrics.StreamConnected.Set(0)

	for {
		err := s.session(ctx, tokenIDs, handler, backoff)
		if ctx.Err() != nil {
			return nil
		}

		backoff.Disconnected()
		metrics.StreamConnected.Set(0)

		delay, ok := backoff.Fail()
		if !ok {
			return &StreamDisconnectError{URL: s.url, Attempts: backoff.Attempt() - 1, Err: err}
		}

		s.log.WithError(err).WithFields(logrus.Fields{
			"attempt": backoff.Attempt(),
			"delay":   delay.String(),
		}).Warn("Market stream disconnected, reconnecting")
		metrics.StreamReconnects.Inc()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails or ctx is cancelled
func (s *Stream) session(ctx context.Context, tokenIDs []string, handler Handler, backoff *Backoff) error {
	conn, err := s.transport.Dial(ctx, s.url)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		// Unblocks ReadMessage on shutdown
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	sub := MarketSubscription{Type: "market", AssetsIDs: tokenIDs}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	backoff.Connected()
	metrics.StreamConnected.Set(1)
	s.log.WithFields(logrus.Fields{
		"url":    s.url,
		"tokens": len(tokenIDs),
	}).Info("Subscribed to market stream")

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		for _, ev := range s.decodeFrame(msg) {
			handler(ev)
		}
	}
}

// decodeFrame splits a frame holding one event object or an array of them.
// Non-JSON frames such as PONG are ignored.
func (s *Stream) decodeFrame(msg []byte) []market.Event {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || (msg[0] != '{' && msg[0] != '[') {
		s.log.WithField("frame", string(msg)).Debug("Ignoring non-JSON frame")
		return nil
	}

	var raws []json.RawMessage
	if msg[0] == '[' {
		if err := json.Unmarshal(msg, &raws); err != nil {
			s.log.WithError(err).Warn("Invalid JSON in market stream frame")
			return nil
		}
	} else {
		raws = []json.RawMessage{msg}
	}

	received := s.now()
	events := make([]market.Event, 0, len(raws))
	for _, raw := range raws {
		ev, ok, err := decodeEvent(raw, received)
		if err != nil {
			s.log.WithError(err).Warn("Failed to decode market stream event")
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

func decodeEvent(raw json.RawMessage, received time.Time) (market.Event, bool, error) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return market.Event{}, false, err
	}

	label := head.EventType
	ev := market.Event{Received: received}
	defer func() { metrics.StreamEvents.WithLabelValues(label).Inc() }()

	switch head.EventType {
	case EventLastTradePrice:
		ev.Kind = market.KindTrade
		ev.Trade = &market.TradeEvent{}
		if err := json.Unmarshal(raw, ev.Trade); err != nil {
			return market.Event{}, false, fmt.Errorf("decode %s: %w", head.EventType, err)
		}
	case EventPriceChange:
		ev.Kind = market.KindPriceChange
		ev.PriceChange = &market.PriceChangeEvent{}
		if err := json.Unmarshal(raw, ev.PriceChange); err != nil {
			return market.Event{}, false, fmt.Errorf("decode %s: %w", head.EventType, err)
		}
	case EventBook:
		ev.Kind = market.KindBook
		ev.Book = &market.BookEvent{}
		if err := json.Unmarshal(raw, ev.Book); err != nil {
			return market.Event{}, false, fmt.Errorf("decode %s: %w", head.EventType, err)
		}
	default:
		label = "other"
		return market.Event{}, false, nil
	}
	return ev, true, nil
}
