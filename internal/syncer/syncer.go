package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/defi/coingecko"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/defillama"
	"github.com/echoyidotfun/demind-agent-service/internal/metrics"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
)

const (
	EntityProtocols   = "protocols"
	EntityPools       = "pools"
	EntityStablecoins = "stablecoins"
	EntityCharts      = "charts"
	EntityCoins       = "coins"

	// EntityPoolChart tracks on-demand refreshes of a single pool's chart
	EntityPoolChart = "pool_chart"
)

// passOrder is the dependency order of SyncAll: pools reference protocols
var passOrder = []string{EntityProtocols, EntityPools, EntityStablecoins}

// EntitySyncer runs one pass for one entity type
type EntitySyncer interface {
	Name() string
	Sync(ctx context.Context) (*reconcile.Summary, error)
}

// DefiLlamaClient is the bulk provider
type DefiLlamaClient interface {
	GetProtocols(ctx context.Context) ([]defillama.Protocol, error)
	GetPools(ctx context.Context) ([]defillama.Pool, error)
	GetPoolChart(ctx context.Context, poolID string) ([]defillama.ChartPoint, error)
	GetStablecoins(ctx context.Context) ([]defillama.Stablecoin, error)
}

// CoinGeckoClient is the rate-limited provider
type CoinGeckoClient interface {
	GetCoinsList(ctx context.Context, includePlatform bool) ([]coingecko.CoinListEntry, error)
}

var (
	_ DefiLlamaClient = (*defillama.Client)(nil)
	_ CoinGeckoClient = (*coingecko.Client)(nil)
)

// ErrUnknownEntity is returned by Run for an unregistered entity name
var ErrUnknownEntity = errors.New("unknown entity")

// RunSummary aggregates one SyncAll pass
type RunSummary struct {
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Entities  []*reconcile.Summary `json:"entities"`
	Errors    map[string]string    `json:"errors,omitempty"`
	Charts    *reconcile.Summary   `json:"charts,omitempty"`
	States    map[string]State     `json:"states"`
}

// Service sequences entity passes and tracks their state
type Service struct {
	syncers map[string]EntitySyncer
	charts  *ChartSyncer
	status  *StatusBoard
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(charts *ChartSyncer, status *StatusBoard, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if status == nil {
		status = NewStatusBoard()
	}

	s := &Service{
		syncers: make(map[string]EntitySyncer),
		charts:  charts,
		status:  status,
		logger:  logger.Named("syncer"),
		metrics: m,
	}
	if charts != nil {
		s.Register(charts)
	}
	return s
}

func (s *Service) Register(syncer EntitySyncer) {
	s.syncers[syncer.Name()] = syncer
	s.logger.Info("Registered syncer", zap.String("entity", syncer.Name()))
}

// Run executes one entity pass and records its outcome. A pass returns an
// error only when the fetch failed or nothing could be written.
func (s *Service) Run(ctx context.Context, name string) (*reconcile.Summary, error) {
	syncer, ok := s.syncers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return s.track(ctx, name, syncer.Sync)
}

// track runs pass under name on the status board and in the metrics
func (s *Service) track(ctx context.Context, name string, pass func(context.Context) (*reconcile.Summary, error)) (*reconcile.Summary, error) {
	start := time.Now()
	s.status.Begin(name)
	s.logger.Info("Starting sync pass", zap.String("entity", name))

	summary, err := pass(ctx)
	elapsed := time.Since(start)
	if summary == nil && err == nil {
		summary = &reconcile.Summary{Entity: name}
	}
	if summary != nil {
		summary.Duration = elapsed
	}
	s.status.Finish(name, summary, err)
	s.record(name, summary, err, elapsed)

	if err != nil {
		s.logger.Error("❌ Sync pass failed", zap.String("entity", name), zap.Error(err))
		return summary, err
	}

	if summary.Partial() {
		s.logger.Warn("⚠️ Sync pass partially failed", zap.String("summary", summary.String()))
	} else {
		s.logger.Info(fmt.Sprintf("✅ %s sync complete: %d new, %d updated", name, summary.Created, summary.Updated),
			zap.Int("skipped_inactive", summary.SkippedInactive),
			zap.Int("skipped_incompatible", summary.SkippedIncompatible),
			zap.Duration("duration", elapsed))
	}
	return summary, nil
}

func (s *Service) record(name string, summary *reconcile.Summary, err error, elapsed time.Duration) {
	status := "success"
	switch {
	case err != nil:
		status = "failed"
	case summary != nil && summary.Partial():
		status = "partial"
	}
	s.metrics.RecordRun(name, status, elapsed)

	if summary == nil {
		return
	}
	s.metrics.AddRecords(name, "created", summary.Created)
	s.metrics.AddRecords(name, "updated", summary.Updated)
	s.metrics.AddRecords(name, "failed", summary.Failed)
	s.metrics.AddRecords(name, "skipped_inactive", summary.SkippedInactive)
	s.metrics.AddRecords(name, "skipped_incompatible", summary.SkippedIncompatible)
}

// SyncAll runs protocols, pools and stablecoins in order, then refreshes the
// charts of the top pools. A failed entity type never stops the next one.
func (s *Service) SyncAll(ctx context.Context) *RunSummary {
	run := &RunSummary{
		StartedAt: time.Now(),
		Errors:    make(map[string]string),
		States:    make(map[string]State),
	}

	for _, name := range passOrder {
		if _, ok := s.syncers[name]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			run.Errors[name] = err.Error()
			break
		}

		summary, err := s.Run(ctx, name)
		if summary != nil {
			run.Entities = append(run.Entities, summary)
		}
		if err != nil {
			run.Errors[name] = err.Error()
		}
		run.States[name] = s.status.Get(name).State
	}

	if s.charts != nil && ctx.Err() == nil {
		summary, err := s.Run(ctx, EntityCharts)
		run.Charts = summary
		if err != nil {
			run.Errors[EntityCharts] = err.Error()
		}
		run.States[EntityCharts] = s.status.Get(EntityCharts).State
	}

	run.Duration = time.Since(run.StartedAt)
	s.logger.Info("🏁 Sync run finished",
		zap.Int("entities", len(run.Entities)),
		zap.Int("errors", len(run.Errors)),
		zap.Duration("duration", run.Duration))
	return run
}

func (s *Service) SyncProtocols(ctx context.Context) (*reconcile.Summary, error) {
	return s.Run(ctx, EntityProtocols)
}

func (s *Service) SyncPools(ctx context.Context) (*reconcile.Summary, error) {
	return s.Run(ctx, EntityPools)
}

func (s *Service) SyncStablecoins(ctx context.Context) (*reconcile.Summary, error) {
	return s.Run(ctx, EntityStablecoins)
}

func (s *Service) SyncCoins(ctx context.Context) (*reconcile.Summary, error) {
	return s.Run(ctx, EntityCoins)
}

// RefreshTopCharts refreshes the time series of the top pools
func (s *Service) RefreshTopCharts(ctx context.Context) (*reconcile.Summary, error) {
	return s.Run(ctx, EntityCharts)
}

// SyncPoolChart refreshes one stored pool's time series outside the
// scheduled passes. The outcome is tracked as EntityPoolChart.
func (s *Service) SyncPoolChart(ctx context.Context, poolID string) (*reconcile.Summary, error) {
	if s.charts == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, EntityCharts)
	}
	return s.track(ctx, EntityPoolChart, func(ctx context.Context) (*reconcile.Summary, error) {
		return s.charts.SyncPoolChart(ctx, poolID)
	})
}

// Status returns the state of every entity type
func (s *Service) Status() []EntityStatus {
	return s.status.Snapshot()
}
