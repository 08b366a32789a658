package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/metrics"
	"github.com/echoyidotfun/demind-agent-service/internal/ratelimit"
)

const (
	BaseURL        = "https://api.coingecko.com/api/v3"
	RequestTimeout = 30 * time.Second

	apiKeyHeader = "x-cg-demo-api-key"
	providerName = "coingecko"
)

// Config for the CoinGecko client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// UpstreamFetchError is a failed CoinGecko request
type UpstreamFetchError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("coingecko: GET %s: status %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("coingecko: GET %s: %v", e.Path, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// Client talks to CoinGecko through a shared ratelimit.Queue. Exhausted
// retries and non-retryable upstream failures come back as an empty result
// with a nil error; callers check for emptiness. Only ErrQueueFull,
// ErrQueueClosed and context errors are returned.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	queue      *ratelimit.Queue
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a client sharing queue's rate budget
func NewClient(cfg Config, queue *ratelimit.Queue, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = RequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		queue:   queue,
		logger:  logger.Named("coingecko"),
		metrics: m,
	}
}

// GetCoinsList returns the token registry, optionally with per-chain
// contract addresses.
func (c *Client) GetCoinsList(ctx context.Context, includePlatform bool) ([]CoinListEntry, error) {
	query := url.Values{}
	query.Set("include_platform", strconv.FormatBool(includePlatform))

	coins, err := fetch[[]CoinListEntry](ctx, c, "/coins/list", query)
	if err != nil {
		return nil, c.neutral(ctx, "coins list", err)
	}

	valid := coins[:0]
	for i := range coins {
		if err := coins[i].Validate(); err != nil {
			continue
		}
		valid = append(valid, coins[i])
	}
	return valid, nil
}

// GetCoin returns the detail record of one coin, or nil when unavailable
func (c *Client) GetCoin(ctx context.Context, id string) (*CoinDetail, error) {
	query := url.Values{}
	query.Set("localization", "false")
	query.Set("tickers", "false")
	query.Set("community_data", "false")
	query.Set("developer_data", "false")

	detail, err := fetch[*CoinDetail](ctx, c, "/coins/"+url.PathEscape(id), query)
	if err != nil {
		return nil, c.neutral(ctx, "coin "+id, err)
	}
	if detail == nil {
		return nil, nil
	}
	if err := detail.Validate(); err != nil {
		c.logger.Warn("Rejected invalid coin detail", zap.String("id", id), zap.Error(err))
		return nil, nil
	}
	return detail, nil
}

// GetTrending returns the trending coins list
func (c *Client) GetTrending(ctx context.Context) ([]TrendingCoin, error) {
	resp, err := fetch[TrendingResponse](ctx, c, "/search/trending", nil)
	if err != nil {
		return nil, c.neutral(ctx, "trending", err)
	}

	coins := make([]TrendingCoin, 0, len(resp.Coins))
	for _, entry := range resp.Coins {
		if entry.Item.ID == "" {
			continue
		}
		coins = append(coins, entry.Item)
	}
	return coins, nil
}

func fetch[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	return ratelimit.Do(ctx, c.queue, func(ctx context.Context) (T, error) {
		var out T
		err := c.get(ctx, path, query, &out)
		return out, err
	})
}

// neutral turns a failed fetch into an empty result, keeping only the
// errors a caller has to act on.
func (c *Client) neutral(ctx context.Context, what string, err error) error {
	if errors.Is(err, ratelimit.ErrQueueFull) || errors.Is(err, ratelimit.ErrQueueClosed) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.logger.Warn("CoinGecko fetch failed, returning empty result",
		zap.String("what", what),
		zap.Error(err))
	return nil
}

// get performs one request. 429 becomes a RateLimitError, 5xx is marked
// transient, other non-200 statuses are permanent.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &UpstreamFetchError{Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.UpstreamRequest(providerName, "error")
		return &UpstreamFetchError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	c.metrics.UpstreamRequest(providerName, metrics.StatusLabel(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &ratelimit.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ratelimit.Transient(&UpstreamFetchError{Path: path, StatusCode: resp.StatusCode, Err: errors.New(string(body))})
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamFetchError{Path: path, StatusCode: resp.StatusCode, Err: errors.New(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamFetchError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date; zero means no hint
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
