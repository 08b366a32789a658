package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/cache"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/defillama"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
)

// StablecoinsLimit is the size of the cached stablecoin list
const StablecoinsLimit = 200

// StablecoinSyncer upserts every stablecoin wholesale. No chain filter
// applies; the partition only feeds the created/updated counts.
type StablecoinSyncer struct {
	client DefiLlamaClient
	repo   repository.StablecoinRepository
	cache  *cache.BestEffort
	status *StatusBoard
	logger *zap.Logger
	now    func() time.Time
}

func NewStablecoinSyncer(
	client DefiLlamaClient,
	repo repository.StablecoinRepository,
	c *cache.BestEffort,
	status *StatusBoard,
	logger *zap.Logger,
) *StablecoinSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StablecoinSyncer{
		client: client,
		repo:   repo,
		cache:  c,
		status: status,
		logger: logger.Named("stablecoins"),
		now:    time.Now,
	}
}

func (s *StablecoinSyncer) Name() string {
	return EntityStablecoins
}

func (s *StablecoinSyncer) Sync(ctx context.Context) (*reconcile.Summary, error) {
	s.status.Set(EntityStablecoins, StateFetching)
	raw, err := s.client.GetStablecoins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stablecoins: %w", err)
	}

	now := s.now().UTC()
	records := make([]*models.Stablecoin, 0, len(raw))
	for i := range raw {
		records = append(records, toStablecoinModel(&raw[i], now))
	}

	s.status.Set(EntityStablecoins, StateReconciling)
	summary, err := reconcile.Reconcile(ctx, s.repo, records,
		func(c *models.Stablecoin) string { return c.ID },
		reconcile.Options{Entity: EntityStablecoins, ChunkSize: reconcile.BulkChunkSize, Logger: s.logger})
	if err != nil {
		return summary, err
	}

	if summary.Succeeded() > 0 && s.cache.Enabled() {
		s.status.Set(EntityStablecoins, StateCacheRefresh)
		list, err := s.repo.GetTopByCirculating(ctx, StablecoinsLimit)
		if err != nil {
			s.logger.Warn("Failed to load stablecoins for cache", zap.Error(err))
		} else {
			s.cache.SetJSON(ctx, cache.KeyStablecoins, list, cache.TTLStablecoins)
		}
	}
	return summary, nil
}

func toStablecoinModel(c *defillama.Stablecoin, now time.Time) *models.Stablecoin {
	return &models.Stablecoin{
		ID:           c.ID,
		Name:         c.Name,
		Symbol:       c.Symbol,
		GeckoID:      c.GeckoID,
		PegType:      c.PegType,
		PegMechanism: c.PegMechanism,
		Circulating:  c.CirculatingAmount(),
		Price:        c.Price,
		Chains:       models.LowerStrings(c.Chains),
		LastSyncedAt: now,
	}
}
