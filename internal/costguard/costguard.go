// Package costguard watches the ratio of provider spend to revenue and holds
// the downgrade interlock: while it is active, paid traffic is served by
// trial providers.
package costguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/metrics"
)

var (
	// ErrCostBreachActivated accompanies the snapshot that switched the
	// interlock on. The snapshot itself was recorded.
	ErrCostBreachActivated = errors.New("cost breach: downgrade interlock activated")
	ErrInvalidSnapshot     = errors.New("invalid cost snapshot")
)

const (
	DefaultBreachRatio = 0.35
	DefaultWindowDays  = 30
)

const (
	PeriodDaily  = "daily"
	PeriodManual = "manual"
)

type Snapshot struct {
	ID        string    `json:"id"`
	Date      string    `json:"date"`
	Period    string    `json:"period"`
	APICost   float64   `json:"api_cost"`
	Revenue   float64   `json:"revenue"`
	Ratio     float64   `json:"ratio"`
	CreatedAt time.Time `json:"created_at"`
}

func (s Snapshot) Valid() bool {
	for _, v := range []float64{s.APICost, s.Revenue, s.Ratio} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return s.ID != ""
}

type Interlock struct {
	Active               bool      `json:"active"`
	Since                time.Time `json:"since,omitempty"`
	TriggeringSnapshotID string    `json:"triggering_snapshot_id,omitempty"`
	Ratio                float64   `json:"ratio"`
}

type AlertKind string

const (
	AlertBreach  AlertKind = "breach"
	AlertCleared AlertKind = "cleared"
)

type Alert struct {
	ID         string    `json:"id"`
	Kind       AlertKind `json:"kind"`
	SnapshotID string    `json:"snapshot_id"`
	Ratio      float64   `json:"ratio"`
	Threshold  float64   `json:"threshold"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store interface {
	AppendSnapshot(ctx context.Context, s Snapshot) error
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	AppendAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context) ([]Alert, error)
	SaveInterlock(ctx context.Context, il Interlock) error
	LoadInterlock(ctx context.Context) (Interlock, error)
}

// Ledger supplies spend and revenue totals for the rolling window.
type Ledger interface {
	Totals(ctx context.Context, from, to time.Time) (billing.Totals, error)
}

type Options struct {
	Threshold  float64
	WindowDays int
	Clock      clock.Clock
	Location   *time.Location
	Logger     *zap.Logger
}

type Monitor struct {
	mu        sync.Mutex
	snapshots []Snapshot
	alerts    []Alert
	interlock atomic.Pointer[Interlock]

	store      Store
	ledger     Ledger
	threshold  float64
	windowDays int
	clock      clock.Clock
	loc        *time.Location
	logger     *zap.Logger
}

func New(store Store, ledger Ledger, opts Options) *Monitor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultBreachRatio
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Monitor{
		store:      store,
		ledger:     ledger,
		threshold:  opts.Threshold,
		windowDays: opts.WindowDays,
		clock:      opts.Clock,
		loc:        opts.Location,
		logger:     opts.Logger,
	}
	m.interlock.Store(&Interlock{})
	return m
}

// Load restores snapshot history, alerts and the interlock.
func (m *Monitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snaps, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cost snapshots: %w", err)
	}
	alerts, err := m.store.ListAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cost alerts: %w", err)
	}
	il, err := m.store.LoadInterlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to load interlock: %w", err)
	}

	m.mu.Lock()
	m.snapshots = snaps
	m.alerts = alerts
	m.interlock.Store(&il)
	m.mu.Unlock()

	if len(snaps) > 0 {
		metrics.CostRatio.Set(snaps[len(snaps)-1].Ratio)
	}
	metrics.InterlockActive.Set(metrics.Bool(il.Active))
	m.logger.Info("cost monitor loaded",
		zap.Int("snapshots", len(snaps)),
		zap.Bool("interlock_active", il.Active),
	)
	return nil
}

// Ratio is apiCost/revenue. With no revenue any spend counts as a full
// breach (1.0) and no spend at all is 0.
func Ratio(apiCost, revenue float64) (float64, error) {
	if apiCost < 0 || revenue < 0 || math.IsNaN(apiCost) || math.IsNaN(revenue) ||
		math.IsInf(apiCost, 0) || math.IsInf(revenue, 0) {
		return 0, fmt.Errorf("%w: cost=%v revenue=%v", ErrInvalidSnapshot, apiCost, revenue)
	}
	if revenue == 0 {
		if apiCost > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return apiCost / revenue, nil
}

// Snapshot records a manual cost snapshot and applies the interlock rule.
func (m *Monitor) Snapshot(ctx context.Context, apiCost, revenue float64) (Snapshot, error) {
	return m.record(ctx, PeriodManual, apiCost, revenue)
}

// SnapshotIfDue takes the scheduled snapshot from ledger totals over the
// rolling window, at most once per calendar day. It returns nil when the
// day's snapshot already exists.
func (m *Monitor) SnapshotIfDue(ctx context.Context, now time.Time) (*Snapshot, error) {
	day := clock.DayKey(now, m.loc)
	if m.hasDaily(day) {
		return nil, nil
	}
	if m.ledger == nil {
		return nil, errors.New("no ledger configured")
	}

	totals, err := m.ledger.Totals(ctx, now.AddDate(0, 0, -m.windowDays), now)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger totals: %w", err)
	}
	snap, err := m.record(ctx, PeriodDaily, totals.SpendUSD, totals.RevenueUSD)
	if err != nil && !errors.Is(err, ErrCostBreachActivated) {
		return nil, err
	}
	return &snap, err
}

func (m *Monitor) hasDaily(day string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.Period == PeriodDaily && s.Date == day {
			return true
		}
	}
	return false
}

func (m *Monitor) record(ctx context.Context, period string, apiCost, revenue float64) (Snapshot, error) {
	ratio, err := Ratio(apiCost, revenue)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	snap := Snapshot{
		ID:        uuid.New().String(),
		Date:      clock.DayKey(now, m.loc),
		Period:    period,
		APICost:   apiCost,
		Revenue:   revenue,
		Ratio:     ratio,
		CreatedAt: now,
	}
	if period == PeriodDaily {
		for _, s := range m.snapshots {
			if s.Period == PeriodDaily && s.Date == snap.Date {
				return s, nil
			}
		}
	}
	if m.store != nil {
		if err := m.store.AppendSnapshot(ctx, snap); err != nil {
			return Snapshot{}, fmt.Errorf("failed to append snapshot: %w", err)
		}
	}
	m.snapshots = append(m.snapshots, snap)
	metrics.CostRatio.Set(ratio)

	m.logger.Info("cost snapshot recorded",
		zap.String("snapshot_id", snap.ID),
		zap.String("period", period),
		zap.Float64("api_cost", apiCost),
		zap.Float64("revenue", revenue),
		zap.Float64("ratio", ratio),
	)

	return snap, m.apply(ctx, snap)
}

// apply evaluates the interlock against snap. Repeated breaches keep the
// original activation; only a snapshot below the threshold clears it.
func (m *Monitor) apply(ctx context.Context, snap Snapshot) error {
	cur := m.interlock.Load()
	breach := snap.Ratio >= m.threshold

	switch {
	case breach && !cur.Active:
		next := &Interlock{Active: true, Since: snap.CreatedAt, TriggeringSnapshotID: snap.ID, Ratio: snap.Ratio}
		if err := m.swap(ctx, next, AlertBreach, snap); err != nil {
			return err
		}
		m.logger.Error("downgrade interlock activated",
			zap.Float64("ratio", snap.Ratio),
			zap.Float64("threshold", m.threshold),
			zap.String("snapshot_id", snap.ID),
			zap.Error(ErrCostBreachActivated),
		)
		return ErrCostBreachActivated
	case !breach && cur.Active:
		if err := m.swap(ctx, &Interlock{Ratio: snap.Ratio}, AlertCleared, snap); err != nil {
			return err
		}
		m.logger.Warn("downgrade interlock cleared",
			zap.Float64("ratio", snap.Ratio),
			zap.String("snapshot_id", snap.ID),
		)
	}
	return nil
}

func (m *Monitor) swap(ctx context.Context, next *Interlock, kind AlertKind, snap Snapshot) error {
	alert := Alert{
		ID:         uuid.New().String(),
		Kind:       kind,
		SnapshotID: snap.ID,
		Ratio:      snap.Ratio,
		Threshold:  m.threshold,
		CreatedAt:  snap.CreatedAt,
	}
	if m.store != nil {
		if err := m.store.SaveInterlock(ctx, *next); err != nil {
			return fmt.Errorf("failed to save interlock: %w", err)
		}
		if err := m.store.AppendAlert(ctx, alert); err != nil {
			m.logger.Error("failed to append cost alert", zap.Error(err))
		}
	}
	m.interlock.Store(next)
	m.alerts = append(m.alerts, alert)
	metrics.InterlockActive.Set(metrics.Bool(next.Active))
	return nil
}

// DowngradeActive is the single atomic read routing performs per resolution.
func (m *Monitor) DowngradeActive() bool {
	return m.interlock.Load().Active
}

func (m *Monitor) Interlock() Interlock {
	return *m.interlock.Load()
}

func (m *Monitor) Threshold() float64 {
	return m.threshold
}

// Trend returns the latest limit snapshots, oldest first. limit <= 0 returns all.
func (m *Monitor) Trend(limit int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.snapshots, limit)
}

func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.alerts, limit)
}

func tail[T any](s []T, limit int) []T {
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	out := make([]T, limit)
	copy(out, s[len(s)-limit:])
	return out
}
