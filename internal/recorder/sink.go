package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/liamashdown/marketrecorder/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	defaultSinkBuffer = 1024
	maxSinkBatch      = 256
	sinkDrainTimeout  = 10 * time.Second
)

// EventStore is the append side of the store used by the stream sink
type EventStore interface {
	AppendTrades(ctx context.Context, rows []storage.TradeSnapshot) error
	AppendPriceChanges(ctx context.Context, rows []storage.PriceChangeEvent) error
	AppendOrderbookSnapshots(ctx context.Context, rows []storage.OrderbookSnapshot) error
}

// StreamSink persists stream events from a single goroutine so rows are
// appended in arrival order.
type StreamSink struct {
	store     EventStore
	log       *logrus.Logger
	bookDepth int

	events  chan market.Event
	closing chan struct{}

	// held shared by Handle while it may enqueue
	gate   sync.RWMutex
	closed bool

	mu    sync.RWMutex
	index map[string]string // token id -> market id
}

// NewStreamSink creates a sink. bookDepth <= 0 stores every book level.
func NewStreamSink(store EventStore, log *logrus.Logger, bookDepth int) *StreamSink {
	return &StreamSink{
		store:     store,
		log:       log,
		bookDepth: bookDepth,
		events:    make(chan market.Event, defaultSinkBuffer),
		closing:   make(chan struct{}),
		index:     make(map[string]string),
	}
}

// SetTokenIndex supplies market ids for events that arrive without one
func (s *StreamSink) SetTokenIndex(index map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
}

func (s *StreamSink) marketFor(marketID, tokenID string) string {
	if marketID != "" {
		return marketID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[tokenID]
}

// Handle queues ev. It blocks while the buffer is full and drops ev once
// the sink has begun shutting down.
func (s *StreamSink) Handle(ev market.Event) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// Run consumes events until ctx is cancelled, then flushes what is buffered.
// Every event Handle accepted is written before Run returns.
func (s *StreamSink) Run(ctx context.Context) {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.close()
			s.drain(writeCtx)
			return
		case ev := <-s.events:
			s.flush(writeCtx, s.collect(ev))
		}
	}
}

// close stops Handle from enqueueing. Blocked senders are released first,
// then the gate waits out any send still in flight.
func (s *StreamSink) close() {
	close(s.closing)
	s.gate.Lock()
	s.closed = true
	s.gate.Unlock()
}

// collect takes ev plus whatever else is already buffered
func (s *StreamSink) collect(first market.Event) []market.Event {
	batch := []market.Event{first}
	for len(batch) < maxSinkBatch {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (s *StreamSink) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sinkDrainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-s.events:
			s.flush(ctx, s.collect(ev))
		default:
			return
		}
	}
}

// flush normalizes a batch and appends one transaction per table. Order
// within each table follows arrival order.
func (s *StreamSink) flush(ctx context.Context, events []market.Event) {
	var (
		trades  []storage.TradeSnapshot
		changes []storage.PriceChangeEvent
		books   []storage.OrderbookSnapshot
	)

	for _, ev := range events {
		switch ev.Kind {
		case market.KindTrade:
			row, err := market.ToTradeRecord(*ev.Trade, ev.Received)
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"market_id": ev.Trade.Market,
					"token_id":  ev.Trade.AssetID,
				}).Warn("Dropping trade event")
				continue
			}
			row.MarketID = s.marketFor(row.MarketID, row.TokenID)
			trades = append(trades, row)

		case market.KindPriceChange:
			rows, dropped := market.ToPriceChangeRecords(*ev.PriceChange, ev.Received)
			if dropped > 0 {
				s.log.WithFields(logrus.Fields{
					"market_id": ev.PriceChange.Market,
					"dropped":   dropped,
				}).Warn("Dropping price changes without price or size")
			}
			for i := range rows {
				rows[i].MarketID = s.marketFor(rows[i].MarketID, rows[i].TokenID)
			}
			changes = append(changes, rows...)

		case market.KindBook:
			b := ev.Book
			ts := market.EventTime(b.Timestamp, ev.Received)
			books = append(books, market.ToOrderbookSnapshots(s.marketFor(b.Market, b.AssetID), b.AssetID, ts, b.Bids, b.Asks, s.bookDepth)...)
		}
	}

	s.report(s.store.AppendTrades(ctx, trades))
	s.report(s.store.AppendPriceChanges(ctx, changes))
	s.report(s.store.AppendOrderbookSnapshots(ctx, books))
}

func (s *StreamSink) report(err error) {
	if err == nil {
		return
	}
	var writeErr *storage.StoreWriteError
	if errors.As(err, &writeErr) {
		s.log.WithError(writeErr.Err).WithFields(logrus.Fields{
			"table": writeErr.Table,
			"rows":  writeErr.Rows,
		}).Error("Dropped stream batch after retry")
		return
	}
	s.log.WithError(err).Error("Stream append failed")
}
