// Package usage tracks per-provider daily and monthly call counts and
// enforces quotas.
//
// A call takes a slot with Reserve before the provider is contacted and
// either keeps it with Commit or returns it with Release, so concurrent
// callers can never push requestsToday past dailyLimit.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/clock"
)

var ErrQuotaExceeded = errors.New("provider quota exceeded")

type Band string

const (
	BandNominal  Band = "nominal"
	BandWarning  Band = "warning"
	BandCritical Band = "critical"
)

// BandFor maps a utilization percentage to its band.
func BandFor(pct float64) Band {
	switch {
	case pct > 90:
		return BandCritical
	case pct >= 70:
		return BandWarning
	default:
		return BandNominal
	}
}

type Utilization struct {
	ProviderID string  `json:"provider_id"`
	DailyPct   float64 `json:"daily_pct"`
	MonthlyPct float64 `json:"monthly_pct"`
	Band       Band    `json:"band"`
}

// Record is the per-day rollup of one provider, keyed by (ProviderID, Date).
type Record struct {
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	Calls      int64  `json:"calls"`
	Failures   int64  `json:"failures"`
}

type Stats struct {
	ProviderID    string      `json:"provider_id"`
	RequestsToday int64       `json:"requests_today"`
	RequestsMonth int64       `json:"requests_month"`
	FailuresToday int64       `json:"failures_today"`
	DailyLimit    int64       `json:"daily_limit"`
	MonthlyLimit  int64       `json:"monthly_limit"`
	Utilization   Utilization `json:"utilization"`
}

type Store interface {
	AddUsage(ctx context.Context, providerID, date string, calls, failures int64) error
	LoadUsage(ctx context.Context, sinceDate string) ([]Record, error)
}

type counter struct {
	mu           sync.Mutex
	dailyLimit   int64
	monthlyLimit int64
	dayKey       string
	monthKey     string
	today        int64
	month        int64
	failures     int64
}

// rollover resets counters whose period has ended. Calling it again within
// the same period is a no-op.
func (c *counter) rollover(day, month string) {
	if c.dayKey != day {
		c.dayKey = day
		c.today = 0
		c.failures = 0
	}
	if c.monthKey != month {
		c.monthKey = month
		c.month = 0
	}
}

// historyDays is how far back daily rollups are kept in memory.
const historyDays = 31

type histKey struct {
	providerID string
	date       string
}

type Tracker struct {
	mu       sync.RWMutex
	counters map[string]*counter

	histMu  sync.Mutex
	history map[histKey]*Record

	clock   clock.Clock
	loc     *time.Location
	store   Store
	logger  *zap.Logger
	pending sync.WaitGroup
}

func NewTracker(store Store, clk clock.Clock, loc *time.Location, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		counters: make(map[string]*counter),
		history:  make(map[histKey]*Record),
		clock:    clk,
		loc:      loc,
		store:    store,
		logger:   logger,
	}
}

// Track sets the quota of a provider. A zero limit means unlimited.
func (t *Tracker) Track(providerID string, dailyLimit, monthlyLimit int64) {
	c := t.counter(providerID)
	c.mu.Lock()
	c.dailyLimit = dailyLimit
	c.monthlyLimit = monthlyLimit
	c.mu.Unlock()
}

// Load restores today's and this month's counters plus historyDays of
// history.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	now := t.clock.Now()
	since := clock.DayKey(now.AddDate(0, 0, -historyDays), t.loc)
	records, err := t.store.LoadUsage(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}

	day, month := clock.DayKey(now, t.loc), clock.MonthKey(now, t.loc)
	for _, r := range records {
		t.addHistory(r.ProviderID, r.Date, r.Calls, r.Failures)

		c := t.counter(r.ProviderID)
		c.mu.Lock()
		c.rollover(day, month)
		if r.Date == day {
			c.today += r.Calls
			c.failures += r.Failures
		}
		if len(r.Date) >= 7 && r.Date[:7] == month {
			c.month += r.Calls
		}
		c.mu.Unlock()
	}
	t.logger.Info("usage loaded", zap.Int("records", len(records)))
	return nil
}

type Reservation struct {
	t          *Tracker
	providerID string
	day        string
	month      string
	once       sync.Once
}

// Reserve takes one slot of the provider's daily and monthly quota.
func (t *Tracker) Reserve(providerID string) (*Reservation, error) {
	now := t.clock.Now()
	day, month := clock.DayKey(now, t.loc), clock.MonthKey(now, t.loc)

	c := t.counter(providerID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(day, month)
	if c.dailyLimit > 0 && c.today >= c.dailyLimit {
		return nil, fmt.Errorf("%w: %s used %d of %d today", ErrQuotaExceeded, providerID, c.today, c.dailyLimit)
	}
	if c.monthlyLimit > 0 && c.month >= c.monthlyLimit {
		return nil, fmt.Errorf("%w: %s used %d of %d this month", ErrQuotaExceeded, providerID, c.month, c.monthlyLimit)
	}
	c.today++
	c.month++

	return &Reservation{t: t, providerID: providerID, day: day, month: month}, nil
}

// Commit keeps the slot and rolls it into the persisted daily record.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		r.t.addHistory(r.providerID, r.day, 1, 0)
		r.t.persist(r.providerID, r.day, 1, 0)
	})
}

// Release hands the slot back after a failed or abandoned call.
func (r *Reservation) Release() {
	r.once.Do(func() {
		c := r.t.counter(r.providerID)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dayKey == r.day && c.today > 0 {
			c.today--
		}
		if c.monthKey == r.month && c.month > 0 {
			c.month--
		}
	})
}

// RecordCall counts one successful call, subject to quota.
func (t *Tracker) RecordCall(providerID string) error {
	res, err := t.Reserve(providerID)
	if err != nil {
		return err
	}
	res.Commit()
	return nil
}

// RecordFailure counts a failed call for error-rate reporting. It does not
// consume quota.
func (t *Tracker) RecordFailure(providerID string) {
	now := t.clock.Now()
	day, month := clock.DayKey(now, t.loc), clock.MonthKey(now, t.loc)

	c := t.counter(providerID)
	c.mu.Lock()
	c.rollover(day, month)
	c.failures++
	c.mu.Unlock()

	t.addHistory(providerID, day, 0, 1)
	t.persist(providerID, day, 0, 1)
}

// Exhausted reports whether the provider has no quota left right now.
func (t *Tracker) Exhausted(providerID string) bool {
	u := t.Utilization(providerID)
	return u.DailyPct >= 100 || u.MonthlyPct >= 100
}

func (t *Tracker) Utilization(providerID string) Utilization {
	now := t.clock.Now()
	day, month := clock.DayKey(now, t.loc), clock.MonthKey(now, t.loc)

	c := t.counter(providerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(day, month)
	return c.utilization(providerID)
}

func (c *counter) utilization(providerID string) Utilization {
	u := Utilization{ProviderID: providerID}
	if c.dailyLimit > 0 {
		u.DailyPct = float64(c.today) / float64(c.dailyLimit) * 100
	}
	if c.monthlyLimit > 0 {
		u.MonthlyPct = float64(c.month) / float64(c.monthlyLimit) * 100
	}
	u.Band = BandFor(max(u.DailyPct, u.MonthlyPct))
	return u
}

// Rollover applies daily and monthly resets to every counter and drops
// rollups older than historyDays. The scheduler calls it at local midnight;
// the counter check also runs lazily on every operation.
func (t *Tracker) Rollover(now time.Time) {
	day, month := clock.DayKey(now, t.loc), clock.MonthKey(now, t.loc)

	t.mu.RLock()
	for _, c := range t.counters {
		c.mu.Lock()
		c.rollover(day, month)
		c.mu.Unlock()
	}
	t.mu.RUnlock()

	t.pruneHistory(clock.DayKey(now.AddDate(0, 0, -historyDays), t.loc))
}

func (t *Tracker) pruneHistory(before string) {
	t.histMu.Lock()
	defer t.histMu.Unlock()
	dropped := 0
	for k := range t.history {
		if k.date < before {
			delete(t.history, k)
			dropped++
		}
	}
	if dropped > 0 {
		t.logger.Debug("usage history pruned", zap.Int("records", dropped), zap.String("before", before))
	}
}

// Status returns per-provider stats ordered by provider id.
func (t *Tracker) Status() []Stats {
	now := t.clock.Now()
	day, month := clock.DayKey(now, t.loc), clock.MonthKey(now, t.loc)

	t.mu.RLock()
	ids := make([]string, 0, len(t.counters))
	for id := range t.counters {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		c := t.counter(id)
		c.mu.Lock()
		c.rollover(day, month)
		out = append(out, Stats{
			ProviderID:    id,
			RequestsToday: c.today,
			RequestsMonth: c.month,
			FailuresToday: c.failures,
			DailyLimit:    c.dailyLimit,
			MonthlyLimit:  c.monthlyLimit,
			Utilization:   c.utilization(id),
		})
		c.mu.Unlock()
	}
	return out
}

// Records returns committed daily rollups on or after sinceDate, ordered by
// date then provider id.
func (t *Tracker) Records(sinceDate string) []Record {
	t.histMu.Lock()
	out := make([]Record, 0, len(t.history))
	for k, r := range t.history {
		if k.date >= sinceDate {
			out = append(out, *r)
		}
	}
	t.histMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}

// Flush waits for pending persistence writes.
func (t *Tracker) Flush() {
	t.pending.Wait()
}

func (t *Tracker) counter(providerID string) *counter {
	t.mu.RLock()
	c, ok := t.counters[providerID]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[providerID]; ok {
		return c
	}
	c = &counter{}
	t.counters[providerID] = c
	return c
}

func (t *Tracker) addHistory(providerID, date string, calls, failures int64) {
	t.histMu.Lock()
	defer t.histMu.Unlock()

	k := histKey{providerID: providerID, date: date}
	r, ok := t.history[k]
	if !ok {
		r = &Record{ProviderID: providerID, Date: date}
		t.history[k] = r
	}
	r.Calls += calls
	r.Failures += failures
}

func (t *Tracker) persist(providerID, date string, calls, failures int64) {
	if t.store == nil {
		return
	}
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.AddUsage(ctx, providerID, date, calls, failures); err != nil {
			t.logger.Error("failed to persist usage",
				zap.String("provider_id", providerID),
				zap.String("date", date),
				zap.Error(err),
			)
		}
	}()
}
