package defillama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/metrics"
)

const (
	APIBaseURL         = "https://api.llama.fi"
	YieldsBaseURL      = "https://yields.llama.fi"
	StablecoinsBaseURL = "https://stablecoins.llama.fi"

	RequestTimeout = 30 * time.Second
	MaxRetries     = 3
	InitialDelay   = 2 * time.Second
	BackoffFactor  = 2.0
	MaxDelay       = 30 * time.Second

	providerName = "defillama"
)

// Config for the bulk DefiLlama client
type Config struct {
	APIBaseURL         string
	YieldsBaseURL      string
	StablecoinsBaseURL string
	Timeout            time.Duration
	MaxRetries         int
	InitialDelay       time.Duration
	BackoffFactor      float64
	MaxDelay           time.Duration
}

// DefaultConfig returns the production endpoints and retry policy
func DefaultConfig() Config {
	return Config{
		APIBaseURL:         APIBaseURL,
		YieldsBaseURL:      YieldsBaseURL,
		StablecoinsBaseURL: StablecoinsBaseURL,
		Timeout:            RequestTimeout,
		MaxRetries:         MaxRetries,
		InitialDelay:       InitialDelay,
		BackoffFactor:      BackoffFactor,
		MaxDelay:           MaxDelay,
	}
}

// UpstreamFetchError is returned once every attempt of a fetch has failed
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("defillama: GET %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("defillama: GET %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// Client fetches large list payloads from DefiLlama. The provider has no
// strict per-second limit, so calls are not queued; each fetch is retried
// with exponential backoff and the final error is surfaced to the caller.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a DefiLlama client. Zero fields of cfg fall back to
// DefaultConfig.
func NewClient(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	def := DefaultConfig()
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = def.APIBaseURL
	}
	if cfg.YieldsBaseURL == "" {
		cfg.YieldsBaseURL = def.YieldsBaseURL
	}
	if cfg.StablecoinsBaseURL == "" {
		cfg.StablecoinsBaseURL = def.StablecoinsBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger:  logger.Named("defillama"),
		metrics: m,
	}
}

// GetProtocols returns every valid protocol record
func (c *Client) GetProtocols(ctx context.Context) ([]Protocol, error) {
	var response []Protocol
	if err := c.doRequest(ctx, c.cfg.APIBaseURL+"/protocols", &response); err != nil {
		return nil, fmt.Errorf("failed to get protocols: %w", err)
	}

	return keepValid(c.logger, "protocol", response), nil
}

// GetPools returns every valid pool record
func (c *Client) GetPools(ctx context.Context) ([]Pool, error) {
	var response PoolsResponse
	if err := c.doRequest(ctx, c.cfg.YieldsBaseURL+"/pools", &response); err != nil {
		return nil, fmt.Errorf("failed to get pools: %w", err)
	}

	return keepValid(c.logger, "pool", response.Data), nil
}

// GetPoolChart returns the full time series of one pool
func (c *Client) GetPoolChart(ctx context.Context, poolID string) ([]ChartPoint, error) {
	endpoint := fmt.Sprintf("%s/chart/%s", c.cfg.YieldsBaseURL, url.PathEscape(poolID))

	var response ChartResponse
	if err := c.doRequest(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("failed to get chart for pool %s: %w", poolID, err)
	}

	return keepValid(c.logger, "chart point", response.Data), nil
}

// GetStablecoins returns every valid stablecoin record
func (c *Client) GetStablecoins(ctx context.Context) ([]Stablecoin, error) {
	var response StablecoinsResponse
	if err := c.doRequest(ctx, c.cfg.StablecoinsBaseURL+"/stablecoins?includePrices=true", &response); err != nil {
		return nil, fmt.Errorf("failed to get stablecoins: %w", err)
	}

	return keepValid(c.logger, "stablecoin", response.PeggedAssets), nil
}

// doRequest performs a GET with exponential backoff: the n-th retry waits
// InitialDelay * BackoffFactor^n. 4xx responses are not retried.
func (c *Client) doRequest(ctx context.Context, endpoint string, result interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialDelay
	b.Multiplier = c.cfg.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.MaxDelay
	b.Reset()

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		return struct{}{}, c.fetchOnce(ctx, endpoint, result)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Retrying request",
				zap.String("url", endpoint),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", c.cfg.MaxRetries),
				zap.Duration("wait", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}

	var fetchErr *UpstreamFetchError
	if errors.As(err, &fetchErr) {
		fetchErr.Attempts = attempts
		return fetchErr
	}
	return &UpstreamFetchError{URL: endpoint, Attempts: attempts, Err: err}
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(&UpstreamFetchError{URL: endpoint, Err: err})
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.UpstreamRequest(providerName, "error")
		return &UpstreamFetchError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	c.metrics.UpstreamRequest(providerName, metrics.StatusLabel(resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fetchErr := &UpstreamFetchError{
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", string(body)),
		}

		// Don't retry on 4xx errors, except rate limiting
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(fetchErr)
		}
		return fetchErr
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &UpstreamFetchError{URL: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	return nil
}

type validatable[T any] interface {
	*T
	Validate() error
}

// keepValid drops records that fail validation at the boundary
func keepValid[T any, PT validatable[T]](logger *zap.Logger, kind string, items []T) []T {
	valid := items[:0]
	rejected := 0
	for i := range items {
		if err := PT(&items[i]).Validate(); err != nil {
			rejected++
			logger.Debug("Rejected invalid record", zap.String("kind", kind), zap.Error(err))
			continue
		}
		valid = append(valid, items[i])
	}

	if rejected > 0 {
		logger.Warn("Dropped invalid upstream records",
			zap.String("kind", kind),
			zap.Int("rejected", rejected),
			zap.Int("kept", len(valid)))
	}

	return valid
}
