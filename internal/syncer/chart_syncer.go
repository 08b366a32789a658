package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echoyidotfun/demind-agent-service/internal/cache"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
)

// RetentionWindow is how far back pool time series are kept
const RetentionWindow = 7 * 24 * time.Hour

// ErrPoolNotFound is returned for a chart refresh of a pool that is not stored
var ErrPoolNotFound = errors.New("pool not found")

// TopPoolsConfig selects the pools whose charts a pass refreshes
type TopPoolsConfig struct {
	Limit  int
	MinTVL float64
	MinAPY float64
}

// ChartSyncer keeps pool time series inside the retention window
type ChartSyncer struct {
	client DefiLlamaClient
	charts repository.PoolChartRepository
	pools  repository.PoolRepository
	cache  *cache.BestEffort
	status *StatusBoard
	logger *zap.Logger
	top    TopPoolsConfig
	now    func() time.Time
}

func NewChartSyncer(
	client DefiLlamaClient,
	charts repository.PoolChartRepository,
	pools repository.PoolRepository,
	c *cache.BestEffort,
	status *StatusBoard,
	logger *zap.Logger,
	top TopPoolsConfig,
) *ChartSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartSyncer{
		client: client,
		charts: charts,
		pools:  pools,
		cache:  c,
		status: status,
		logger: logger.Named("charts"),
		top:    top,
		now:    time.Now,
	}
}

func (s *ChartSyncer) Name() string {
	return EntityCharts
}

// SyncPoolChart refreshes the time series of one stored pool. Unknown pools
// fail with ErrPoolNotFound before anything is fetched.
func (s *ChartSyncer) SyncPoolChart(ctx context.Context, poolID string) (*reconcile.Summary, error) {
	if _, err := s.pools.GetByID(ctx, poolID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		return nil, fmt.Errorf("failed to load pool %s: %w", poolID, err)
	}
	return s.refreshPool(ctx, poolID)
}

// refreshPool prunes the pool's points older than the window, fetches the
// series and inserts the points inside the window, skipping ones already
// stored. The cache gets the fetched window once the insert succeeded.
func (s *ChartSyncer) refreshPool(ctx context.Context, poolID string) (*reconcile.Summary, error) {
	now := s.now().UTC()
	cutoff := now.Add(-RetentionWindow)
	summary := &reconcile.Summary{Entity: "chart:" + poolID}

	deleted, err := s.charts.DeleteBefore(ctx, poolID, cutoff)
	if err != nil {
		return summary, fmt.Errorf("failed to prune chart of %s: %w", poolID, err)
	}
	summary.Deleted = deleted

	points, err := s.client.GetPoolChart(ctx, poolID)
	if err != nil {
		return summary, err
	}

	window := make([]*models.PoolChart, 0, len(points))
	for _, p := range points {
		ts := p.Timestamp.UTC()
		if ts.Before(cutoff) {
			continue
		}
		window = append(window, &models.PoolChart{
			PoolID:    poolID,
			Timestamp: ts,
			TVLUSD:    p.TVLUSD,
			APY:       p.APY,
			APYBase:   p.APYBase,
			APYReward: p.APYReward,
		})
	}
	summary.Total = len(window)

	inserted, err := s.charts.InsertIgnore(ctx, window)
	if err != nil {
		summary.Failed = len(window)
		return summary, fmt.Errorf("failed to store chart of %s: %w", poolID, err)
	}
	summary.Created = int(inserted)
	summary.Duplicates = len(window) - int(inserted)

	s.cache.SetJSON(ctx, cache.PoolChartKey(poolID), window, cache.TTLPoolChart)

	s.logger.Debug("Chart refreshed",
		zap.String("pool", poolID),
		zap.Int("window", len(window)),
		zap.Int64("inserted", inserted),
		zap.Int64("pruned", deleted))
	return summary, nil
}

// Sync refreshes the charts of the top pools one at a time. In the returned
// summary Total counts selected pools, Updated refreshed pools, Failed the
// pools whose refresh failed, Created inserted points and Deleted pruned ones.
func (s *ChartSyncer) Sync(ctx context.Context) (*reconcile.Summary, error) {
	s.status.Set(EntityCharts, StateFetching)
	pools, err := s.pools.GetTopPools(ctx, s.top.MinTVL, s.top.MinAPY, s.top.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select top pools: %w", err)
	}

	summary := &reconcile.Summary{Entity: EntityCharts, Total: len(pools)}

	s.status.Set(EntityCharts, StateReconciling)
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		one, err := s.refreshPool(ctx, pool.ID)
		if one != nil {
			summary.Created += one.Created
			summary.Deleted += one.Deleted
		}
		if err != nil {
			summary.Failed++
			s.logger.Warn("Chart refresh failed", zap.String("pool", pool.ID), zap.Error(err))
			continue
		}
		summary.Updated++
	}

	if summary.Total > 0 && summary.Updated == 0 {
		return summary, fmt.Errorf("%s: %w (%d pools)", EntityCharts, reconcile.ErrAllOperationsFailed, summary.Total)
	}
	return summary, nil
}
