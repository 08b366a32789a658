package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/repository"
	"github.com/echoyidotfun/demind-agent-service/internal/syncer"
)

// Scheduler periodically sweeps chart points that fell out of the retention
// window for pools no chart pass touched since.
type Scheduler struct {
	cron   *cron.Cron
	charts repository.PoolChartRepository
	config *Config
	logger *zap.Logger
	now    func() time.Time
}

// Config of the retention sweep
type Config struct {
	// ChartRetentionDays is how many days of pool time series to keep. It is
	// never shorter than syncer.RetentionWindow.
	ChartRetentionDays int

	// Schedule is the cron expression of the sweep (default: daily at 04:00)
	Schedule string
}

func DefaultConfig() *Config {
	return &Config{
		ChartRetentionDays: 7,
		Schedule:           "0 4 * * *",
	}
}

func NewScheduler(charts repository.PoolChartRepository, config *Config, logger *zap.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if minDays := int(syncer.RetentionWindow / (24 * time.Hour)); config.ChartRetentionDays < minDays {
		logger.Warn("Chart retention shorter than the chart window, using the window",
			zap.Int("configured_days", config.ChartRetentionDays),
			zap.Int("days", minDays))
		clamped := *config
		clamped.ChartRetentionDays = minDays
		config = &clamped
	}

	return &Scheduler{
		cron:   cron.New(),
		charts: charts,
		config: config,
		logger: logger.Named("cleanup"),
		now:    time.Now,
	}
}

func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.logger.Info("🧹 Starting scheduled cleanup...")
		s.RunCleanup(context.Background())
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("✅ Cleanup scheduler started", zap.String("schedule", s.config.Schedule))
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Cleanup scheduler stopped")
}

// RunCleanup deletes every chart point older than the retention window
// and returns how many rows went.
func (s *Scheduler) RunCleanup(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := s.now().UTC().AddDate(0, 0, -s.config.ChartRetentionDays)

	deleted, err := s.charts.DeleteAllBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("❌ Failed to cleanup pool charts", zap.Error(err))
		return 0, err
	}

	s.logger.Info("✅ Cleanup completed",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.Duration("duration", time.Since(start)))
	return deleted, nil
}
