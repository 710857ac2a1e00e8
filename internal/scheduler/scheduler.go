// Package scheduler drives the periodic gateway jobs: quota rollover,
// cooldown expiry, the daily cost snapshot and gauge refresh.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/metrics"
	"github.com/vnmchuo/provider-gateway/internal/usage"
)

const (
	DefaultRolloverSpec = "0 0 * * *"
	DefaultTickSpec     = "@every 5s"
	DefaultSnapshotSpec = "5 0 * * *"
	DefaultGaugeSpec    = "@every 30s"

	jobTimeout = 30 * time.Second
)

type Roller interface {
	Rollover(now time.Time)
	Status() []usage.Stats
}

type Ticker interface {
	Tick(now time.Time)
}

type Snapshotter interface {
	SnapshotIfDue(ctx context.Context, now time.Time) (*costguard.Snapshot, error)
}

type Options struct {
	RolloverSpec string
	TickSpec     string
	SnapshotSpec string
	GaugeSpec    string
	Location     *time.Location
	Clock        clock.Clock
	Logger       *zap.Logger
}

type Scheduler struct {
	cron    *cron.Cron
	usage   Roller
	engine  Ticker
	monitor Snapshotter
	clock   clock.Clock
	logger  *zap.Logger
}

// New registers every job. Specs are standard five-field cron expressions or
// descriptors such as "@every 5s", evaluated in opts.Location.
func New(tracker Roller, engine Ticker, monitor Snapshotter, opts Options) (*Scheduler, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RolloverSpec == "" {
		opts.RolloverSpec = DefaultRolloverSpec
	}
	if opts.TickSpec == "" {
		opts.TickSpec = DefaultTickSpec
	}
	if opts.SnapshotSpec == "" {
		opts.SnapshotSpec = DefaultSnapshotSpec
	}
	if opts.GaugeSpec == "" {
		opts.GaugeSpec = DefaultGaugeSpec
	}

	cl := cronLogger{opts.Logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		usage:   tracker,
		engine:  engine,
		monitor: monitor,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"rollover", opts.RolloverSpec, s.Rollover},
		{"cooldown", opts.TickSpec, s.Tick},
		{"cost_snapshot", opts.SnapshotSpec, s.Snapshot},
		{"gauges", opts.GaugeSpec, s.RefreshGauges},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("failed to schedule %s job %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce runs every job immediately. Used at startup to catch up on a
// missed midnight or snapshot.
func (s *Scheduler) RunOnce() {
	s.Rollover()
	s.Tick()
	s.Snapshot()
	s.RefreshGauges()
}

func (s *Scheduler) Rollover() {
	s.usage.Rollover(s.clock.Now())
}

func (s *Scheduler) Tick() {
	s.engine.Tick(s.clock.Now())
}

func (s *Scheduler) Snapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	snap, err := s.monitor.SnapshotIfDue(ctx, s.clock.Now())
	switch {
	case err != nil && snap == nil:
		s.logger.Error("scheduled cost snapshot failed", zap.Error(err))
	case err != nil:
		s.logger.Warn("cost breach interlock activated",
			zap.String("snapshot_id", snap.ID),
			zap.Float64("ratio", snap.Ratio),
		)
	case snap != nil:
		s.logger.Info("cost snapshot recorded",
			zap.String("snapshot_id", snap.ID),
			zap.Float64("ratio", snap.Ratio),
		)
	}
}

func (s *Scheduler) RefreshGauges() {
	for _, st := range s.usage.Status() {
		metrics.QuotaUtilization.WithLabelValues(st.ProviderID).Set(st.Utilization.DailyPct)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, zap.Any("cron", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, zap.Error(err), zap.Any("cron", keysAndValues))
}
