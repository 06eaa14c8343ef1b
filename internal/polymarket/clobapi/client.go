package clobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/metrics"
	"github.com/liamashdown/marketrecorder/internal/polymarket/gammaapi"
	"github.com/liamashdown/marketrecorder/internal/ratelimit"
)

// ErrNoBook is returned when the CLOB has no book for a token, e.g. a closed market
var ErrNoBook = errors.New("no order book for token")

// Client handles communication with the Polymarket CLOB REST API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bookLimiter *ratelimit.Limiter
}

// NewClient creates a new CLOB API client
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:     cfg.ClobAPIBaseURL,
		httpClient:  &http.Client{Timeout: cfg.GammaAPITimeout},
		bookLimiter: ratelimit.New(cfg.ClobAPIBookRPS),
	}
}

// GetOrderBook fetches the current book for one outcome token
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (book *OrderBook, err error) {
	if err := c.bookLimiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &gammaapi.TransientFetchError{URL: c.baseURL + "/book", Err: fmt.Errorf("rate limit wait: %w", err)}
		}
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	defer func() {
		metrics.RecordAPIRequest("clob", "/book", time.Since(start), err)
	}()

	u, err := url.Parse(c.baseURL + "/book")
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}

	q := u.Query()
	q.Set("token_id", tokenID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &gammaapi.TransientFetchError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoBook, tokenID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var apiErr ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	book = &OrderBook{}
	if err := json.NewDecoder(resp.Body).Decode(book); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return book, nil
}
