package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/cache"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/defillama"
	"github.com/echoyidotfun/demind-agent-service/internal/filter"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
)

// TopAPYPoolsLimit is the size of the cached ranked pool projection, the
// unfiltered APY ranking served by the read API
const TopAPYPoolsLimit = 100

// PoolSyncer reconciles DefiLlama yield pools. Pools whose project is not a
// known protocol slug are skipped, so protocols must be synced first.
type PoolSyncer struct {
	client    DefiLlamaClient
	repo      repository.PoolRepository
	protocols repository.ProtocolRepository
	chains    *filter.ChainFilter
	cache     *cache.BestEffort
	status    *StatusBoard
	logger    *zap.Logger
	now       func() time.Time
}

func NewPoolSyncer(
	client DefiLlamaClient,
	repo repository.PoolRepository,
	protocols repository.ProtocolRepository,
	chains *filter.ChainFilter,
	c *cache.BestEffort,
	status *StatusBoard,
	logger *zap.Logger,
) *PoolSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chains == nil {
		chains = filter.NewChainFilter(nil)
	}
	return &PoolSyncer{
		client:    client,
		repo:      repo,
		protocols: protocols,
		chains:    chains,
		cache:     c,
		status:    status,
		logger:    logger.Named("pools"),
		now:       time.Now,
	}
}

func (s *PoolSyncer) Name() string {
	return EntityPools
}

func (s *PoolSyncer) Sync(ctx context.Context) (*reconcile.Summary, error) {
	s.status.Set(EntityPools, StateFetching)
	raw, err := s.client.GetPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pools: %w", err)
	}

	slugs, err := s.protocols.ListSlugs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol slugs: %w", err)
	}

	s.status.Set(EntityPools, StateFiltering)
	accepted, counts := filter.ApplyPools(raw, s.chains, filter.NewKeySet(slugs))
	s.logger.Info("📊 Filtered pools",
		zap.Int("fetched", len(raw)),
		zap.Int("accepted", counts.Accepted),
		zap.Int("incompatible", counts.SkippedIncompatible))

	now := s.now().UTC()
	records := make([]*models.Pool, 0, len(accepted))
	for i := range accepted {
		records = append(records, s.toPoolModel(&accepted[i], now))
	}

	s.status.Set(EntityPools, StateReconciling)
	summary, err := reconcile.Reconcile(ctx, s.repo, records,
		func(p *models.Pool) string { return p.ID },
		reconcile.Options{Entity: EntityPools, ChunkSize: reconcile.ChildChunkSize, Logger: s.logger})
	if summary != nil {
		summary.SkippedInactive = counts.SkippedInactive
		summary.SkippedIncompatible = counts.SkippedIncompatible
	}
	if err != nil {
		return summary, err
	}

	if summary.Succeeded() > 0 {
		s.status.Set(EntityPools, StateCacheRefresh)
		s.refreshCache(ctx)
	}
	return summary, nil
}

// refreshCache moves filtered queries to a new generation and rewrites the
// ranked projection
func (s *PoolSyncer) refreshCache(ctx context.Context) {
	if !s.cache.Enabled() {
		return
	}
	s.cache.SetJSON(ctx, cache.KeyPoolsGeneration, s.now().UnixNano(), 0)

	ranked, err := s.repo.GetByFilters(ctx, repository.PoolFilters{}, TopAPYPoolsLimit)
	if err != nil {
		s.logger.Warn("Failed to load ranked pools for cache", zap.Error(err))
		return
	}
	s.cache.SetJSON(ctx, cache.KeyTopAPYPools, ranked, cache.TTLRankedPools)
}

func (s *PoolSyncer) toPoolModel(p *defillama.Pool, now time.Time) *models.Pool {
	chain := filter.NormalizeChain(p.Chain)

	pool := &models.Pool{
		ID:           p.PoolID,
		Project:      p.Project,
		Chain:        chain,
		Symbol:       p.Symbol,
		TVLUSD:       p.TVL,
		APY:          valueOr(p.APY, 0),
		APYBase:      p.APYBase,
		APYReward:    p.APYReward,
		APYMean30d:   p.APYMean30d,
		VolumeUSD1d:  p.Volume1d,
		VolumeUSD7d:  p.Volume7d,
		IL7d:         p.IL7d,
		Stablecoin:   p.Stablecoin,
		ILRisk:       p.ILRisk,
		Exposure:     p.Exposure,
		PoolMeta:     p.PoolMeta,
		LastSyncedAt: now,
	}

	if p.Predictions != nil {
		pool.PredictedClass = p.Predictions.PredictedClass
		pool.Predictions = models.JSONMap{"predictedClass": p.Predictions.PredictedClass}
		if p.Predictions.PredictedProbability != nil {
			pool.Predictions["predictedProbability"] = *p.Predictions.PredictedProbability
		}
		if p.Predictions.BinnedConfidence != nil {
			pool.Predictions["binnedConfidence"] = *p.Predictions.BinnedConfidence
		}
	}

	seen := make(map[string]struct{}, len(p.UnderlyingTokens))
	for i, addr := range p.UnderlyingTokens {
		token := models.PoolToken{
			PoolID:       p.PoolID,
			TokenAddress: strings.ToLower(strings.TrimSpace(addr)),
			Chain:        chain,
			Position:     i,
		}
		if err := token.Validate(); err != nil {
			s.logger.Warn("Skipping invalid pool token", zap.Int("position", i), zap.Error(err))
			continue
		}
		if _, dup := seen[token.TokenAddress]; dup {
			continue
		}
		seen[token.TokenAddress] = struct{}{}
		pool.Tokens = append(pool.Tokens, token)
	}

	return pool
}
