// Package recorder runs the periodic snapshot loop and the stream sink.
package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/liamashdown/marketrecorder/internal/metrics"
	"github.com/liamashdown/marketrecorder/internal/polymarket/clobapi"
	"github.com/liamashdown/marketrecorder/internal/polymarket/gammaapi"
	"github.com/liamashdown/marketrecorder/internal/storage"
	"github.com/sirupsen/logrus"
)

// MarketFetcher lists the current markets
type MarketFetcher interface {
	FetchMarkets(ctx context.Context) ([]market.Market, error)
}

// BookFetcher fetches order book depth for one token
type BookFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*clobapi.OrderBook, error)
}

// SnapshotStore is the append side of the store used by the loop
type SnapshotStore interface {
	AppendMarketSnapshots(ctx context.Context, rows []storage.MarketSnapshot) error
	AppendOutcomeSnapshots(ctx context.Context, rows []storage.OutcomeSnapshot) error
	AppendOrderbookSnapshots(ctx context.Context, rows []storage.OrderbookSnapshot) error
	AppendResolutionSnapshots(ctx context.Context, rows []storage.ResolutionSnapshot) error
}

// CycleResult summarizes one cycle
type CycleResult struct {
	ID             string
	Timestamp      time.Time
	Fetched        int
	Eligible       []market.Market
	MarketRows     int
	OutcomeRows    int
	BookRows       int
	ResolutionRows int
	DroppedRows    int
}

// Recorder drives the fetch, filter, normalize and persist cycle
type Recorder struct {
	cfg     *config.Config
	fetcher MarketFetcher
	books   BookFetcher
	store   SnapshotStore
	log     *logrus.Logger

	state       atomic.Int32
	lastSuccess atomic.Int64
	now         func() time.Time

	mu      sync.Mutex
	onCycle []func(CycleResult)
}

// New creates a recorder. books may be nil when depth capture is disabled.
func New(cfg *config.Config, fetcher MarketFetcher, books BookFetcher, store SnapshotStore, log *logrus.Logger) *Recorder {
	return &Recorder{
		cfg:     cfg,
		fetcher: fetcher,
		books:   books,
		store:   store,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnCycle registers a callback run after every cycle that fetched markets
func (r *Recorder) OnCycle(fn func(CycleResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCycle = append(r.onCycle, fn)
}

// State returns the current loop state
func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) setState(s State) {
	r.state.Store(int32(s))
}

// LastSuccess is when the last cycle completed without error, zero if never
func (r *Recorder) LastSuccess() time.Time {
	ns := r.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Run loops until ctx is cancelled. Cancellation is only observed between
// cycles; a cycle in progress always finishes. In once mode Run returns the
// result of the single cycle.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.setState(StateStopped)

	r.log.WithFields(logrus.Fields{
		"interval":      r.cfg.Interval.String(),
		"min_volume":    r.cfg.MinVolume,
		"min_liquidity": r.cfg.MinLiquidity,
		"once":          r.cfg.Once,
	}).Info("Starting recording loop")

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := r.RunCycle(ctx)
		if r.cfg.Once {
			return err
		}

		r.setState(StateSleeping)
		select {
		case <-ctx.Done():
			r.log.Info("Recording loop stopped")
			return nil
		case <-time.After(r.cfg.Interval):
		}
	}
}

// RunCycle executes one cycle on a context detached from ctx's cancellation
// and bounded by the cycle timeout. Fetch errors skip the cycle; store errors
// drop the affected batch and the rest of the cycle continues.
func (r *Recorder) RunCycle(ctx context.Context) (CycleResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	result := CycleResult{ID: uuid.NewString(), Timestamp: r.now()}
	log := r.log.WithFields(logrus.Fields{
		"cycle_id": result.ID,
		"cycle_ts": result.Timestamp.Format(time.RFC3339Nano),
	})

	r.setState(StateFetching)
	markets, err := r.fetcher.FetchMarkets(ctx)
	if err != nil {
		metrics.RecordCycle(time.Since(start), logFetchError(log, err))
		return result, err
	}
	result.Fetched = len(markets)

	r.setState(StateFiltering)
	result.Eligible = market.FilterEligible(markets, r.cfg.MinVolume, r.cfg.MinLiquidity)
	metrics.RecordFilter(len(result.Eligible), len(markets)-len(result.Eligible))

	r.setState(StateNormalizing)
	batch := r.normalize(ctx, log, result.Eligible, result.Timestamp)

	r.setState(StatePersisting)
	err = r.persist(ctx, log, batch, &result)

	status := "success"
	if err != nil {
		status = "store_error"
	} else {
		r.lastSuccess.Store(time.Now().UnixNano())
	}
	metrics.RecordCycle(time.Since(start), status)

	log.WithFields(logrus.Fields{
		"fetched":     result.Fetched,
		"eligible":    len(result.Eligible),
		"markets":     result.MarketRows,
		"outcomes":    result.OutcomeRows,
		"books":       result.BookRows,
		"resolutions": result.ResolutionRows,
		"dropped":     result.DroppedRows,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Cycle complete")

	r.mu.Lock()
	hooks := append([]func(CycleResult){}, r.onCycle...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(result)
	}

	return result, err
}

type cycleBatch struct {
	markets     []storage.MarketSnapshot
	outcomes    []storage.OutcomeSnapshot
	books       []storage.OrderbookSnapshot
	resolutions []storage.ResolutionSnapshot
}

func (r *Recorder) normalize(ctx context.Context, log *logrus.Entry, markets []market.Market, ts time.Time) cycleBatch {
	var batch cycleBatch

	for _, m := range markets {
		snap := market.ToSnapshot(m, ts)
		switch {
		case snap.Market != nil:
			batch.markets = append(batch.markets, *snap.Market)
		case len(snap.Outcomes) > 0:
			batch.outcomes = append(batch.outcomes, snap.Outcomes...)
		default:
			log.WithFields(logrus.Fields{
				"market_id": m.ID,
				"outcomes":  len(m.Outcomes),
			}).Debug("Skipping market with fewer than two outcomes")
		}

		if res, ok := market.ToResolutionSnapshot(m, ts); ok {
			batch.resolutions = append(batch.resolutions, res)
		}

		if r.books != nil && r.cfg.OrderbookDepth > 0 {
			batch.books = append(batch.books, r.captureBooks(ctx, log, m, ts)...)
		}
	}
	return batch
}

func (r *Recorder) captureBooks(ctx context.Context, log *logrus.Entry, m market.Market, ts time.Time) []storage.OrderbookSnapshot {
	var rows []storage.OrderbookSnapshot
	for _, tokenID := range m.TokenIDs() {
		book, err := r.books.GetOrderBook(ctx, tokenID)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"market_id": m.ID,
				"token_id":  tokenID,
			}).Warn("Failed to fetch order book")
			continue
		}
		rows = append(rows, market.ToOrderbookSnapshots(m.ID, tokenID, ts, book.Bids, book.Asks, r.cfg.OrderbookDepth)...)
	}
	return rows
}

func (r *Recorder) persist(ctx context.Context, log *logrus.Entry, batch cycleBatch, result *CycleResult) error {
	var errs []error

	record := func(err error, rows int, written *int) {
		if err == nil {
			*written += rows
			return
		}
		errs = append(errs, err)
		result.DroppedRows += rows
		logStoreError(log, err)
	}

	record(r.store.AppendMarketSnapshots(ctx, batch.markets), len(batch.markets), &result.MarketRows)
	record(r.store.AppendOutcomeSnapshots(ctx, batch.outcomes), len(batch.outcomes), &result.OutcomeRows)
	record(r.store.AppendOrderbookSnapshots(ctx, batch.books), len(batch.books), &result.BookRows)
	record(r.store.AppendResolutionSnapshots(ctx, batch.resolutions), len(batch.resolutions), &result.ResolutionRows)

	return errors.Join(errs...)
}

// logFetchError logs err by type and returns the cycle status label
func logFetchError(log *logrus.Entry, err error) string {
	var transient *gammaapi.TransientFetchError
	var malformed *gammaapi.MalformedResponseError

	switch {
	case errors.As(err, &transient):
		log.WithError(err).WithField("status", transient.StatusCode).Warn("Market fetch failed, retrying next cycle")
		return "transient_error"
	case errors.As(err, &malformed):
		log.WithError(err).WithField("status", malformed.StatusCode).Error("Malformed market response, skipping cycle")
		return "malformed_error"
	default:
		log.WithError(err).Error("Market fetch failed, skipping cycle")
		return "fetch_error"
	}
}

func logStoreError(log *logrus.Entry, err error) {
	var writeErr *storage.StoreWriteError
	if errors.As(err, &writeErr) {
		log.WithError(writeErr.Err).WithFields(logrus.Fields{
			"table": writeErr.Table,
			"rows":  writeErr.Rows,
		}).Error("Dropped batch after retry")
		return
	}
	log.WithError(err).Error("Store append failed")
}
