package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/echoyidotfun/demind-agent-service/internal/cache"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/coingecko"
	"github.com/echoyidotfun/demind-agent-service/internal/filter"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
	"github.com/echoyidotfun/demind-agent-service/internal/syncer"
)

const (
	DefaultPoolsLimit    = 50
	DefaultBatchSize     = 5
	DefaultBatchPause    = 500 * time.Millisecond
	DefaultDetailsMaxAge = 6 * time.Hour
	maxPoolsLimit        = 500
)

// CoinGeckoClient is the lazily consulted detail provider
type CoinGeckoClient interface {
	GetCoin(ctx context.Context, id string) (*coingecko.CoinDetail, error)
	GetTrending(ctx context.Context) ([]coingecko.TrendingCoin, error)
}

var _ CoinGeckoClient = (*coingecko.Client)(nil)

type Config struct {
	// CoinDetailsMaxAge is how old a stored coin detail row may get before
	// it is fetched again
	CoinDetailsMaxAge time.Duration

	// TokenBatchSize bounds the concurrent lookups of ResolvePoolTokens
	TokenBatchSize int

	// TokenBatchPause separates two lookup batches
	TokenBatchPause time.Duration
}

// Repositories are the stores the read API serves from
type Repositories struct {
	Protocols   repository.ProtocolRepository
	Pools       repository.PoolRepository
	Charts      repository.PoolChartRepository
	Stablecoins repository.StablecoinRepository
	Coins       repository.CoinRepository
}

// PoolToken is an underlying token of a pool with its registry match.
// CgID and Details stay empty when the contract is unknown.
type PoolToken struct {
	Address  string              `json:"address"`
	Chain    string              `json:"chain"`
	Position int                 `json:"position"`
	CgID     string              `json:"cg_id,omitempty"`
	Details  *models.CoinDetails `json:"details,omitempty"`
}

// Service serves reads cache-aside over the store
type Service struct {
	protocols   repository.ProtocolRepository
	pools       repository.PoolRepository
	charts      repository.PoolChartRepository
	stablecoins repository.StablecoinRepository
	coins       repository.CoinRepository
	client      CoinGeckoClient
	cache       *cache.BestEffort
	logger      *zap.Logger
	config      Config
	now         func() time.Time
}

func NewService(
	repos Repositories,
	client CoinGeckoClient,
	c *cache.BestEffort,
	logger *zap.Logger,
	config Config,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CoinDetailsMaxAge <= 0 {
		config.CoinDetailsMaxAge = DefaultDetailsMaxAge
	}
	if config.TokenBatchSize <= 0 {
		config.TokenBatchSize = DefaultBatchSize
	}
	if config.TokenBatchPause < 0 {
		config.TokenBatchPause = DefaultBatchPause
	}

	return &Service{
		protocols:   repos.Protocols,
		pools:       repos.Pools,
		charts:      repos.Charts,
		stablecoins: repos.Stablecoins,
		coins:       repos.Coins,
		client:      client,
		cache:       c,
		logger:      logger.Named("query"),
		config:      config,
		now:         time.Now,
	}
}

// FindPools returns pools matching filters ranked by APY. The unfiltered
// ranking is served from the projection pool passes write. Filtered results
// are cached per pool generation, so a pass that wrote rows retires them.
func (s *Service) FindPools(ctx context.Context, filters repository.PoolFilters, limit int) ([]*models.Pool, error) {
	if limit <= 0 {
		limit = DefaultPoolsLimit
	}
	if limit > maxPoolsLimit {
		limit = maxPoolsLimit
	}

	if filters.IsZero() && limit <= syncer.TopAPYPoolsLimit {
		ranked, err := s.rankedPools(ctx)
		if err != nil {
			return nil, err
		}
		if len(ranked) > limit {
			ranked = ranked[:limit]
		}
		return ranked, nil
	}

	var generation int64
	s.cache.GetJSON(ctx, cache.KeyPoolsGeneration, &generation)
	key := cache.PoolQueryKey(generation, struct {
		Filters repository.PoolFilters `json:"filters"`
		Limit   int                    `json:"limit"`
	}{filters, limit})

	var pools []*models.Pool
	if s.cache.GetJSON(ctx, key, &pools) {
		return pools, nil
	}

	pools, err := s.pools.GetByFilters(ctx, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	s.cache.SetJSON(ctx, key, pools, cache.TTLRankedPools)
	return pools, nil
}

func (s *Service) rankedPools(ctx context.Context) ([]*models.Pool, error) {
	var ranked []*models.Pool
	if s.cache.GetJSON(ctx, cache.KeyTopAPYPools, &ranked) {
		return ranked, nil
	}

	ranked, err := s.pools.GetByFilters(ctx, repository.PoolFilters{}, syncer.TopAPYPoolsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	if len(ranked) > 0 {
		s.cache.SetJSON(ctx, cache.KeyTopAPYPools, ranked, cache.TTLRankedPools)
	}
	return ranked, nil
}

// GetTopProtocols returns up to limit protocols ranked by TVL
func (s *Service) GetTopProtocols(ctx context.Context, limit int) ([]*models.Protocol, error) {
	if limit <= 0 || limit > syncer.TopProtocolsLimit {
		limit = syncer.TopProtocolsLimit
	}

	var top []*models.Protocol
	if !s.cache.GetJSON(ctx, cache.KeyTopProtocols, &top) {
		var err error
		top, err = s.protocols.GetTopByTVL(ctx, syncer.TopProtocolsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to query protocols: %w", err)
		}
		if len(top) > 0 {
			s.cache.SetJSON(ctx, cache.KeyTopProtocols, top, cache.TTLTopProtocols)
		}
	}

	if len(top) > limit {
		top = top[:limit]
	}
	return top, nil
}

// GetProtocol returns nil, nil for an unknown slug
func (s *Service) GetProtocol(ctx context.Context, slug string) (*models.Protocol, error) {
	protocol, err := s.protocols.GetBySlug(ctx, slug)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol %s: %w", slug, err)
	}
	return protocol, nil
}

// GetStablecoins returns stablecoins ranked by circulating supply
func (s *Service) GetStablecoins(ctx context.Context) ([]*models.Stablecoin, error) {
	var list []*models.Stablecoin
	if s.cache.GetJSON(ctx, cache.KeyStablecoins, &list) {
		return list, nil
	}

	list, err := s.stablecoins.GetTopByCirculating(ctx, syncer.StablecoinsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stablecoins: %w", err)
	}
	if len(list) > 0 {
		s.cache.SetJSON(ctx, cache.KeyStablecoins, list, cache.TTLStablecoins)
	}
	return list, nil
}

// Counts returns the stored row count per synced entity type
func (s *Service) Counts(ctx context.Context) (map[string]int64, error) {
	counters := map[string]func(context.Context) (int64, error){
		syncer.EntityProtocols:   s.protocols.Count,
		syncer.EntityPools:       s.pools.Count,
		syncer.EntityStablecoins: s.stablecoins.Count,
	}

	counts := make(map[string]int64, len(counters))
	for entity, count := range counters {
		n, err := count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", entity, err)
		}
		counts[entity] = n
	}
	return counts, nil
}

func (s *Service) GetCoinPlatforms(ctx context.Context, cgID string) ([]*models.CoinPlatform, error) {
	key := cache.CoinPlatformsKey(cgID)

	var platforms []*models.CoinPlatform
	if s.cache.GetJSON(ctx, key, &platforms) {
		return platforms, nil
	}

	platforms, err := s.coins.GetPlatforms(ctx, cgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load platforms of %s: %w", cgID, err)
	}
	if len(platforms) > 0 {
		s.cache.SetJSON(ctx, key, platforms, cache.TTLCoinPlatforms)
	}
	return platforms, nil
}

// GetPoolChart returns the stored retention window of a pool, oldest first
func (s *Service) GetPoolChart(ctx context.Context, poolID string) ([]*models.PoolChart, error) {
	key := cache.PoolChartKey(poolID)

	var points []*models.PoolChart
	if s.cache.GetJSON(ctx, key, &points) {
		return points, nil
	}

	since := s.now().UTC().Add(-syncer.RetentionWindow)
	points, err := s.charts.GetSince(ctx, poolID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart of %s: %w", poolID, err)
	}
	if len(points) > 0 {
		s.cache.SetJSON(ctx, key, points, cache.TTLPoolChart)
	}
	return points, nil
}

// GetCoinDetails serves a coin's detail record from the cache, then from a
// fresh stored row, and otherwise fetches and stores it. When the fetch comes
// back empty the stale row is served. Returns nil, nil for a coin never seen.
func (s *Service) GetCoinDetails(ctx context.Context, cgID string) (*models.CoinDetails, error) {
	key := cache.CoinDetailsKey(cgID)

	var cached models.CoinDetails
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	now := s.now().UTC()
	stored, err := s.coins.GetDetails(ctx, cgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load details of %s: %w", cgID, err)
	}
	if stored != nil && !stored.IsStale(now, s.config.CoinDetailsMaxAge) {
		s.cache.SetJSON(ctx, key, stored, cache.TTLCoinDetails)
		return stored, nil
	}

	detail, err := s.client.GetCoin(ctx, cgID)
	if err != nil {
		if stored != nil {
			s.logger.Warn("Serving stale coin details", zap.String("coin", cgID), zap.Error(err))
			return stored, nil
		}
		return nil, err
	}
	if detail == nil {
		return stored, nil
	}

	fresh := toCoinDetails(detail, now, s.logger)
	if err := s.coins.UpsertDetails(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to store details of %s: %w", cgID, err)
	}
	s.cache.SetJSON(ctx, key, fresh, cache.TTLCoinDetails)
	return fresh, nil
}

func toCoinDetails(d *coingecko.CoinDetail, now time.Time, logger *zap.Logger) *models.CoinDetails {
	details := &models.CoinDetails{
		CgID:          d.ID,
		Symbol:        d.Symbol,
		Name:          d.Name,
		MarketCapRank: d.MarketCapRank,
		FetchedAt:     now,
	}
	if len(d.MarketData) > 0 {
		details.MarketData = datatypes.JSON(d.MarketData)
	}

	md, err := d.ParseMarketData()
	if err != nil {
		logger.Warn("Ignoring market data", zap.String("coin", d.ID), zap.Error(err))
		return details
	}
	if v, ok := md.CurrentPrice["usd"]; ok {
		details.CurrentPriceUSD = &v
	}
	if v, ok := md.MarketCap["usd"]; ok {
		details.MarketCapUSD = &v
	}
	return details
}

func (s *Service) GetTrending(ctx context.Context) ([]coingecko.TrendingCoin, error) {
	var coins []coingecko.TrendingCoin
	if s.cache.GetJSON(ctx, cache.KeyTrending, &coins) {
		return coins, nil
	}

	coins, err := s.client.GetTrending(ctx)
	if err != nil {
		return nil, err
	}
	if len(coins) > 0 {
		s.cache.SetJSON(ctx, cache.KeyTrending, coins, cache.TTLTrending)
	}
	return coins, nil
}

// ResolvePoolTokens matches each underlying token of a pool against the coin
// registry and loads its details. Lookups run TokenBatchSize at a time with
// a pause between batches.
func (s *Service) ResolvePoolTokens(ctx context.Context, poolID string) ([]*PoolToken, error) {
	key := cache.PoolTokensKey(poolID)

	var resolved []*PoolToken
	if s.cache.GetJSON(ctx, key, &resolved) {
		return resolved, nil
	}

	tokens, err := s.pools.GetTokens(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens of %s: %w", poolID, err)
	}

	resolved = make([]*PoolToken, len(tokens))
	for start := 0; start < len(tokens); start += s.config.TokenBatchSize {
		if start > 0 && s.config.TokenBatchPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.TokenBatchPause):
			}
		}

		end := start + s.config.TokenBatchSize
		if end > len(tokens) {
			end = len(tokens)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				token, err := s.resolveToken(gctx, tokens[i])
				if err != nil {
					return err
				}
				resolved[i] = token
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if len(resolved) > 0 {
		s.cache.SetJSON(ctx, key, resolved, cache.TTLPoolTokens)
	}
	return resolved, nil
}

func (s *Service) resolveToken(ctx context.Context, t *models.PoolToken) (*PoolToken, error) {
	out := &PoolToken{Address: t.TokenAddress, Chain: t.Chain, Position: t.Position}

	platform, err := s.coins.FindByContract(ctx, filter.PlatformForChain(t.Chain), t.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token %s: %w", t.TokenAddress, err)
	}
	if platform == nil {
		return out, nil
	}
	out.CgID = platform.CgID

	details, err := s.GetCoinDetails(ctx, platform.CgID)
	if err != nil {
		s.logger.Warn("Token details unavailable",
			zap.String("coin", platform.CgID),
			zap.String("address", t.TokenAddress),
			zap.Error(err))
		return out, nil
	}
	out.Details = details
	return out, nil
}
