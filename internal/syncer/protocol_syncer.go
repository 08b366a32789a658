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

// TopProtocolsLimit is the size of the cached top-by-TVL projection
const TopProtocolsLimit = 100

// ProtocolSyncer reconciles DefiLlama protocols
type ProtocolSyncer struct {
	client DefiLlamaClient
	repo   repository.ProtocolRepository
	chains *filter.ChainFilter
	cache  *cache.BestEffort
	status *StatusBoard
	logger *zap.Logger
	now    func() time.Time
}

func NewProtocolSyncer(
	client DefiLlamaClient,
	repo repository.ProtocolRepository,
	chains *filter.ChainFilter,
	c *cache.BestEffort,
	status *StatusBoard,
	logger *zap.Logger,
) *ProtocolSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chains == nil {
		chains = filter.NewChainFilter(nil)
	}
	return &ProtocolSyncer{
		client: client,
		repo:   repo,
		chains: chains,
		cache:  c,
		status: status,
		logger: logger.Named("protocols"),
		now:    time.Now,
	}
}

func (s *ProtocolSyncer) Name() string {
	return EntityProtocols
}

func (s *ProtocolSyncer) Sync(ctx context.Context) (*reconcile.Summary, error) {
	s.status.Set(EntityProtocols, StateFetching)
	raw, err := s.client.GetProtocols(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch protocols: %w", err)
	}

	s.status.Set(EntityProtocols, StateFiltering)
	accepted, counts := filter.ApplyProtocols(raw, s.chains)
	s.logger.Info("📊 Filtered protocols",
		zap.Int("fetched", len(raw)),
		zap.Int("accepted", counts.Accepted),
		zap.Int("inactive", counts.SkippedInactive),
		zap.Int("incompatible", counts.SkippedIncompatible))

	now := s.now().UTC()
	records := make([]*models.Protocol, 0, len(accepted))
	for i := range accepted {
		records = append(records, toProtocolModel(&accepted[i], now))
	}

	s.status.Set(EntityProtocols, StateReconciling)
	summary, err := reconcile.Reconcile(ctx, s.repo, records,
		func(p *models.Protocol) string { return p.ID },
		reconcile.Options{Entity: EntityProtocols, ChunkSize: reconcile.BulkChunkSize, Logger: s.logger})
	if summary != nil {
		summary.SkippedInactive = counts.SkippedInactive
		summary.SkippedIncompatible = counts.SkippedIncompatible
	}
	if err != nil {
		return summary, err
	}

	if summary.Succeeded() > 0 {
		s.status.Set(EntityProtocols, StateCacheRefresh)
		s.refreshCache(ctx)
	}
	return summary, nil
}

func (s *ProtocolSyncer) refreshCache(ctx context.Context) {
	if !s.cache.Enabled() {
		return
	}
	top, err := s.repo.GetTopByTVL(ctx, TopProtocolsLimit)
	if err != nil {
		s.logger.Warn("Failed to load top protocols for cache", zap.Error(err))
		return
	}
	s.cache.SetJSON(ctx, cache.KeyTopProtocols, top, cache.TTLTopProtocols)
}

func toProtocolModel(p *defillama.Protocol, now time.Time) *models.Protocol {
	return &models.Protocol{
		ID:           p.ID,
		Slug:         p.Slug,
		Name:         p.Name,
		Category:     p.Category,
		Chain:        strings.ToLower(strings.TrimSpace(p.Chain)),
		Chains:       models.LowerStrings(p.Chains),
		Logo:         p.Logo,
		Audits:       p.Audits,
		URL:          p.URL,
		GeckoID:      p.GeckoID,
		TVL:          valueOr(p.TVL, 0),
		Change1h:     p.Change1h,
		Change1d:     p.Change1d,
		Change7d:     p.Change7d,
		MarketCap:    p.MarketCap,
		LastSyncedAt: now,
	}
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
