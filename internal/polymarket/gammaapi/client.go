package gammaapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/liamashdown/marketrecorder/internal/metrics"
	"github.com/liamashdown/marketrecorder/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	apiName         = "gamma"
	maxErrorBodyLen = 512
)

// Client handles communication with the Polymarket Gamma API
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        *logrus.Logger
	pageSize   int
	maxPages   int
	activeOnly bool
}

// NewClient creates a new Gamma API client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	pageSize := cfg.GammaPageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	return &Client{
		baseURL:    cfg.GammaAPIBaseURL,
		httpClient: &http.Client{Timeout: cfg.GammaAPITimeout},
		limiter:    ratelimit.New(cfg.GammaAPIMarketsRPS),
		log:        log,
		pageSize:   pageSize,
		maxPages:   cfg.GammaMaxPages,
		activeOnly: cfg.ActiveOnly,
	}
}

// FetchMarkets pages through /markets until a short page. A non-zero page
// cap stops early with a warning. Entries that fail to decode are skipped.
func (c *Client) FetchMarkets(ctx context.Context) ([]market.Market, error) {
	var markets []market.Market

	for page := 0; ; page++ {
		offset := page * c.pageSize
		if c.maxPages > 0 && page >= c.maxPages {
			c.log.WithFields(logrus.Fields{
				"offset":    offset,
				"max_pages": c.maxPages,
				"fetched":   len(markets),
			}).Warn("Page cap reached before pagination was exhausted")
			break
		}

		entries, err := c.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}

		for i, raw := range entries {
			var m Market
			if err := json.Unmarshal(raw, &m); err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"offset": offset + i,
				}).Warn("Skipping undecodable market entry")
				continue
			}
			markets = append(markets, m.ToMarket())
		}

		if len(entries) < c.pageSize {
			break
		}
	}

	metrics.MarketsFetched.Add(float64(len(markets)))
	return markets, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) ([]json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + "/markets")
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}

	q := u.Query()
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	if c.activeOnly {
		q.Set("closed", "false")
	}
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String(), "/markets")
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &MalformedResponseError{URL: u.String(), StatusCode: http.StatusOK, Err: fmt.Errorf("page is not a JSON array: %w", err)}
	}
	return entries, nil
}

// get performs a rate limited GET and classifies failures
func (c *Client) get(ctx context.Context, rawURL, endpoint string) (body []byte, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, limiterError(rawURL, err)
	}

	start := time.Now()
	defer func() {
		metrics.RecordAPIRequest(apiName, endpoint, time.Since(start), err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientFetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientFetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(rawURL, resp.StatusCode, body)
	}
	return body, nil
}

// limiterError reports a deadline hit while waiting for a token as transient
func limiterError(rawURL string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientFetchError{URL: rawURL, Err: fmt.Errorf("rate limit wait: %w", err)}
	}
	return fmt.Errorf("rate limit wait: %w", err)
}

func statusError(rawURL string, status int, body []byte) error {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}
	cause := errors.New(string(body))

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &TransientFetchError{URL: rawURL, StatusCode: status, Err: cause}
	}
	return &MalformedResponseError{URL: rawURL, StatusCode: status, Err: cause}
}
