// Package indexer is the HTTP client for the upstream event indexer: a slow,
// paginated query service returning BUY/SELL/CLAIM event pages plus per-market
// metadata. The client tolerates partial pages, stops paging on a short page,
// and caps total pages per call to bound worst-case latency.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oddsmarket/ledger-engine/internal/metrics"
	"github.com/oddsmarket/ledger-engine/internal/normalize"
)

// MaxPageSize is the upstream page-size ceiling.
const MaxPageSize = 1000

// Windowing conventions the indexer supports for range filters.
const (
	ByLockTime  = "lock_time"
	ByTimestamp = "timestamp"
)

// Client provides access to the indexer REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	pageSize     int
	maxPages     int
}

// Option configures a Client.
type Option func(*Client)

// NewClient creates a new indexer client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
		pageSize:     MaxPageSize,
		maxPages:     20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithPaging sets the page size and the per-call page cap.
func WithPaging(pageSize, maxPages int) Option {
	return func(c *Client) {
		if pageSize > 0 && pageSize <= MaxPageSize {
			c.pageSize = pageSize
		}
		if maxPages > 0 {
			c.maxPages = maxPages
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Query filters an event fetch. Start/End form a half-open [Start, End)
// range compared against the field named by By.
type Query struct {
	Subjects []string
	Leagues  []string
	Start    int64
	End      int64
	By       string // ByLockTime or ByTimestamp
}

// Page is one page of upstream results. Cursor is the indexer's position
// (block height or sequence) the page reflects.
type Page struct {
	Events  []normalize.RawEvent  `json:"events"`
	Markets []normalize.RawMarket `json:"markets"`
	Cursor  string                `json:"cursor"`
}

// Events fetches a single page at the given offset.
func (c *Client) Events(ctx context.Context, q Query, offset int) (*Page, error) {
	query := url.Values{}
	if len(q.Subjects) > 0 {
		query.Set("subjects", strings.Join(q.Subjects, ","))
	}
	if len(q.Leagues) > 0 {
		query.Set("leagues", strings.Join(q.Leagues, ","))
	}
	if q.Start > 0 {
		query.Set("start", strconv.FormatInt(q.Start, 10))
	}
	if q.End > 0 {
		query.Set("end", strconv.FormatInt(q.End, 10))
	}
	if q.By != "" {
		query.Set("by", q.By)
	}
	query.Set("limit", strconv.Itoa(c.pageSize))
	query.Set("offset", strconv.Itoa(offset))

	var page Page
	if err := c.get(ctx, "/events", query, &page); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return &page, nil
}

// FetchAll pages through all events matching the query. Paging stops when a
// page returns fewer rows than requested or the page cap is reached; a
// capped fetch is logged and returns what was gathered so far.
func (c *Client) FetchAll(ctx context.Context, q Query) ([]normalize.RawEvent, []normalize.RawMarket, string, error) {
	var (
		events  []normalize.RawEvent
		markets []normalize.RawMarket
		cursor  string
	)

	for pages := 0; ; pages++ {
		if pages >= c.maxPages {
			c.logger.Warn("indexer fetch hit page cap",
				"max_pages", c.maxPages, "events", len(events))
			break
		}
		page, err := c.Events(ctx, q, len(events))
		if err != nil {
			return nil, nil, "", err
		}
		metrics.IndexerPages.Inc()

		events = append(events, page.Events...)
		markets = append(markets, page.Markets...)
		if page.Cursor != "" {
			cursor = page.Cursor
		}
		// A short (or partial) page means the window is exhausted.
		if len(page.Events) < c.pageSize {
			break
		}
	}
	return events, markets, cursor, nil
}

// get performs a GET with bounded retries on transport errors and 5xx.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("indexer returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("indexer returned %d for %s", resp.StatusCode, path)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode indexer response: %w", err)
		}
		return nil
	}

	metrics.IndexerErrors.Inc()
	return fmt.Errorf("indexer request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
