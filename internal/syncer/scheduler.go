package syncer

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules holds the cron expressions of the periodic passes. An empty
// expression disables that job.
type Schedules struct {
	All    string
	Charts string
	Coins  string
}

// Scheduler triggers sync passes on cron schedules. A job whose previous
// run is still going is skipped, so at most one pass per job is in flight.
type Scheduler struct {
	cron      *cron.Cron
	service   *Service
	schedules Schedules
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewScheduler(service *Service, schedules Schedules, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		service:   service,
		schedules: schedules,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"all", s.schedules.All, func(ctx context.Context) { s.service.SyncAll(ctx) }},
		{EntityCharts, s.schedules.Charts, func(ctx context.Context) { _, _ = s.service.RefreshTopCharts(ctx) }},
		{EntityCoins, s.schedules.Coins, func(ctx context.Context) { _, _ = s.service.SyncCoins(ctx) }},
	}

	for _, job := range jobs {
		if job.spec == "" {
			s.logger.Info("Job disabled", zap.String("job", job.name))
			continue
		}
		run := job.run
		name := job.name
		if _, err := s.cron.AddFunc(job.spec, func() {
			s.logger.Info("Starting scheduled sync", zap.String("job", name))
			run(s.ctx)
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.spec, name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("✅ Sync scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop cancels running passes and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Sync scheduler stopped")
}

// RunNow runs a full pass synchronously
func (s *Scheduler) RunNow(ctx context.Context) *RunSummary {
	return s.service.SyncAll(ctx)
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
