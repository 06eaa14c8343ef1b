package recorder

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/liamashdown/marketrecorder/internal/polymarket/clobapi"
	"github.com/liamashdown/marketrecorder/internal/polymarket/gammaapi"
	"github.com/liamashdown/marketrecorder/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MinVolume = 50000
	cfg.MinLiquidity = 5000
	cfg.Interval = 10 * time.Millisecond
	cfg.CycleTimeout = 5 * time.Second
	return cfg
}

type fakeFetcher struct {
	mu      sync.Mutex
	markets []market.Market
	err     error
	calls   int
}

func (f *fakeFetcher) FetchMarkets(ctx context.Context) ([]market.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.markets, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu          sync.Mutex
	markets     []storage.MarketSnapshot
	outcomes    []storage.OutcomeSnapshot
	books       []storage.OrderbookSnapshot
	resolutions []storage.ResolutionSnapshot
	trades      []storage.TradeSnapshot
	changes     []storage.PriceChangeEvent
	failTable   string
}

func (s *fakeStore) fail(table string, rows int) error {
	if s.failTable == table && rows > 0 {
		return &storage.StoreWriteError{Table: table, Rows: rows, Err: errors.New("database is locked")}
	}
	return nil
}

func (s *fakeStore) AppendMarketSnapshots(ctx context.Context, rows []storage.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(storage.TableMarketSnapshots, len(rows)); err != nil {
		return err
	}
	s.markets = append(s.markets, rows...)
	return nil
}

func (s *fakeStore) AppendOutcomeSnapshots(ctx context.Context, rows []storage.OutcomeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(storage.TableOutcomeSnapshots, len(rows)); err != nil {
		return err
	}
	s.outcomes = append(s.outcomes, rows...)
	return nil
}

func (s *fakeStore) AppendOrderbookSnapshots(ctx context.Context, rows []storage.OrderbookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, rows...)
	return nil
}

func (s *fakeStore) AppendResolutionSnapshots(ctx context.Context, rows []storage.ResolutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, rows...)
	return nil
}

func (s *fakeStore) AppendTrades(ctx context.Context, rows []storage.TradeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, rows...)
	return nil
}

func (s *fakeStore) AppendPriceChanges(ctx context.Context, rows []storage.PriceChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, rows...)
	return nil
}

type fakeBooks struct {
	books map[string]*clobapi.OrderBook
}

func (f *fakeBooks) GetOrderBook(ctx context.Context, tokenID string) (*clobapi.OrderBook, error) {
	book, ok := f.books[tokenID]
	if !ok {
		return nil, clobapi.ErrNoBook
	}
	return book, nil
}

func rainMarket() market.Market {
	return market.Market{
		ID:    "0xrain",
		Title: "Will it rain?",
		Outcomes: []market.Outcome{
			{Name: "Yes", TokenID: "rain-y", Price: ptr(0.62)},
			{Name: "No", TokenID: "rain-n", Price: ptr(0.35)},
		},
		Volume24h: ptr(75000.0),
		Liquidity: ptr(12000.0),
		BestBid:   ptr(0.61),
		BestAsk:   ptr(0.63),
	}
}

func electionMarket() market.Market {
	return market.Market{
		ID: "0xelection",
		Outcomes: []market.Outcome{
			{Name: "A", TokenID: "a", Price: ptr(0.4)},
			{Name: "B", TokenID: "b", Price: ptr(0.3)},
			{Name: "C", TokenID: "c", Price: ptr(0.2)},
			{Name: "D", TokenID: "d", Price: ptr(0.1)},
		},
		Volume24h: ptr(90000.0),
		Liquidity: ptr(20000.0),
	}
}

func TestRunCycleBinaryMarket(t *testing.T) {
	fetcher := &fakeFetcher{markets: []market.Market{rainMarket()}}
	store := &fakeStore{}
	r := New(testConfig(), fetcher, nil, store, quietLogger())

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 1, result.MarketRows)

	require.Len(t, store.markets, 1)
	row := store.markets[0]
	assert.InDelta(t, 0.03, *row.ParityGap, 1e-9)
	assert.InDelta(t, 0.02, *row.Spread, 1e-9)
	assert.True(t, row.Timestamp.Equal(result.Timestamp))
	assert.False(t, r.LastSuccess().IsZero())
}

func TestRunCycleFiltersBeforeStore(t *testing.T) {
	low := rainMarket()
	low.Volume24h = ptr(10000.0)

	store := &fakeStore{}
	r := New(testConfig(), &fakeFetcher{markets: []market.Market{low}}, nil, store, quietLogger())

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fetched)
	assert.Empty(t, result.Eligible)
	assert.Empty(t, store.markets)
	assert.Empty(t, store.outcomes)
}

func TestRunCycleMultiOutcome(t *testing.T) {
	store := &fakeStore{}
	r := New(testConfig(), &fakeFetcher{markets: []market.Market{electionMarket()}}, nil, store, quietLogger())

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.markets)
	require.Len(t, store.outcomes, 4)
	for _, row := range store.outcomes {
		assert.Equal(t, "0xelection", row.MarketID)
	}
}

func TestRunCycleFetchErrorSkipsCycle(t *testing.T) {
	fetchErr := &gammaapi.TransientFetchError{URL: "http://x/markets", StatusCode: 503, Err: errors.New("unavailable")}
	store := &fakeStore{}
	r := New(testConfig(), &fakeFetcher{err: fetchErr}, nil, store, quietLogger())

	_, err := r.RunCycle(context.Background())
	var transient *gammaapi.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Empty(t, store.markets)
	assert.True(t, r.LastSuccess().IsZero())
}

func TestRunCycleStoreErrorDropsOnlyThatBatch(t *testing.T) {
	store := &fakeStore{failTable: storage.TableMarketSnapshots}
	fetcher := &fakeFetcher{markets: []market.Market{rainMarket(), electionMarket()}}
	r := New(testConfig(), fetcher, nil, store, quietLogger())

	result, err := r.RunCycle(context.Background())
	var writeErr *storage.StoreWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 1, result.DroppedRows)
	assert.Len(t, store.outcomes, 4)
}

func TestRunCycleCapturesBooksAndResolutions(t *testing.T) {
	cfg := testConfig()
	cfg.OrderbookDepth = 1

	m := rainMarket()
	m.Resolved = ptr(false)
	books := &fakeBooks{books: map[string]*clobapi.OrderBook{
		"rain-y": {
			Bids: []market.Level{{Price: "0.60", Size: "10"}, {Price: "0.61", Size: "4"}},
			Asks: []market.Level{{Price: "0.63", Size: "2"}},
		},
	}}
	store := &fakeStore{}
	r := New(cfg, &fakeFetcher{markets: []market.Market{m}}, books, store, quietLogger())

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.BookRows)
	require.Len(t, store.books, 2)
	assert.InDelta(t, 0.61, store.books[0].Price, 1e-9)
	require.Len(t, store.resolutions, 1)
	assert.False(t, store.resolutions[0].Resolved)
}

func TestRunCycleIgnoresCallerCancellation(t *testing.T) {
	store := &fakeStore{}
	r := New(testConfig(), &fakeFetcher{markets: []market.Market{rainMarket()}}, nil, store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, store.markets, 1)
}

func TestRunOnceStops(t *testing.T) {
	cfg := testConfig()
	cfg.Once = true
	fetcher := &fakeFetcher{markets: []market.Market{rainMarket()}}
	r := New(cfg, fetcher, nil, &fakeStore{}, quietLogger())

	var results []CycleResult
	r.OnCycle(func(res CycleResult) { results = append(results, res) })

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, fetcher.Calls())
	assert.Equal(t, StateStopped, r.State())
	require.Len(t, results, 1)
	assert.Len(t, results[0].Eligible, 1)
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	fetcher := &fakeFetcher{err: &gammaapi.MalformedResponseError{URL: "x", StatusCode: 200, Err: errors.New("bad")}}
	r := New(testConfig(), fetcher, nil, &fakeStore{}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return fetcher.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateStopped, r.State())
}

func TestTwoCyclesAppendDistinctRows(t *testing.T) {
	cfg := testConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "snapshots.db")

	db, err := storage.New(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	r := New(cfg, &fakeFetcher{markets: []market.Market{rainMarket()}}, nil, db, quietLogger())
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	clock := []time.Time{t1, t2}
	r.now = func() time.Time {
		next := clock[0]
		clock = clock[1:]
		return next
	}

	_, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = r.RunCycle(context.Background())
	require.NoError(t, err)

	rows, err := db.QueryMarketSnapshots(context.Background(), storage.SnapshotQuery{MarketID: "0xrain"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Timestamp.Equal(t2))
	assert.True(t, rows[1].Timestamp.Equal(t1))
	assert.Equal(t, *rows[0].ParityGap, *rows[1].ParityGap)
	assert.Equal(t, *rows[0].YesPrice, *rows[1].YesPrice)
}
