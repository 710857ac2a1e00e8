// Package report builds the admin health and cost report. Generation is a
// pure function of its input: the same Input always yields byte-identical
// JSON.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/usage"
)

const Version = "1"

var ErrReportGeneration = errors.New("report generation failed")

const (
	weightUptime    = 0.4
	weightErrorRate = 0.3
	weightHeadroom  = 0.3
)

type Input struct {
	GeneratedAt time.Time
	Providers   []provider.Config
	Usage       []usage.Record
	Snapshots   []costguard.Snapshot
	// WindowDays defaults to 30, Threshold to the breach ratio, Location to UTC.
	WindowDays int
	Threshold  float64
	Location   *time.Location
}

type ProviderSummary struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Capability     provider.Capability `json:"capability"`
	Tier           provider.Tier       `json:"tier"`
	Status         provider.Status     `json:"status"`
	Enabled        bool                `json:"enabled"`
	CostPerRequest float64             `json:"cost_per_request"`
	Requests       int64               `json:"requests"`
	Failures       int64               `json:"failures"`
	ErrorRate      float64             `json:"error_rate"`
	CostUSD        float64             `json:"cost_usd"`
}

type StatusCount struct {
	Status provider.Status `json:"status"`
	Count  int             `json:"count"`
}

type TierTotals struct {
	Tier     provider.Tier `json:"tier"`
	Requests int64         `json:"requests"`
	Failures int64         `json:"failures"`
	CostUSD  float64       `json:"cost_usd"`
}

type Health struct {
	Uptime       float64 `json:"uptime"`
	ErrorRate    float64 `json:"error_rate"`
	CostHeadroom float64 `json:"cost_headroom"`
	Score        float64 `json:"score"`
}

type Report struct {
	Version          string            `json:"version"`
	GeneratedAt      time.Time         `json:"generated_at"`
	WindowStart      string            `json:"window_start"`
	WindowEnd        string            `json:"window_end"`
	Providers        []ProviderSummary `json:"providers"`
	StatusCounts     []StatusCount     `json:"status_counts"`
	Tiers            []TierTotals      `json:"tiers"`
	LatestSnapshotID string            `json:"latest_snapshot_id"`
	LatestCostRatio  float64           `json:"latest_cost_ratio"`
	Threshold        float64           `json:"threshold"`
	Health           Health            `json:"health"`
}

var statusOrder = []provider.Status{
	provider.StatusActive,
	provider.StatusDegraded,
	provider.StatusRecovering,
	provider.StatusDeprecated,
}

var tierOrder = []provider.Tier{provider.TierTrial, provider.TierPaid}

func Generate(in Input) (*Report, error) {
	if in.GeneratedAt.IsZero() {
		return nil, fmt.Errorf("%w: generation time is required", ErrReportGeneration)
	}
	latest, err := latestSnapshot(in.Snapshots)
	if err != nil {
		return nil, err
	}

	windowDays := in.WindowDays
	if windowDays <= 0 {
		windowDays = 30
	}
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = costguard.DefaultBreachRatio
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	windowEnd := clock.DayKey(in.GeneratedAt, loc)
	windowStart := clock.DayKey(in.GeneratedAt.AddDate(0, 0, -(windowDays - 1)), loc)

	calls := make(map[string]int64)
	failures := make(map[string]int64)
	for _, r := range in.Usage {
		if r.Date < windowStart || r.Date > windowEnd {
			continue
		}
		calls[r.ProviderID] += r.Calls
		failures[r.ProviderID] += r.Failures
	}

	providers := make([]provider.Config, len(in.Providers))
	copy(providers, in.Providers)
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })

	rep := &Report{
		Version:          Version,
		GeneratedAt:      in.GeneratedAt.UTC(),
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		Providers:        make([]ProviderSummary, 0, len(providers)),
		LatestSnapshotID: latest.ID,
		LatestCostRatio:  round(latest.Ratio),
		Threshold:        threshold,
	}

	statusCounts := make(map[provider.Status]int)
	tiers := make(map[provider.Tier]*TierTotals)
	for _, t := range tierOrder {
		tiers[t] = &TierTotals{Tier: t}
	}

	var (
		live, up             int
		totalCalls, totalErr int64
	)
	for _, p := range providers {
		status := p.Status
		if status == "" {
			status = provider.StatusActive
		}
		n, f := calls[p.ID], failures[p.ID]
		s := ProviderSummary{
			ID:             p.ID,
			Name:           p.Name,
			Capability:     p.Capability,
			Tier:           p.Tier,
			Status:         status,
			Enabled:        p.Enabled,
			CostPerRequest: p.CostPerRequest,
			Requests:       n,
			Failures:       f,
			ErrorRate:      round(rate(f, n+f)),
			CostUSD:        round(float64(n) * p.CostPerRequest),
		}
		rep.Providers = append(rep.Providers, s)
		statusCounts[status]++

		if t, ok := tiers[p.Tier]; ok {
			t.Requests += n
			t.Failures += f
			t.CostUSD += float64(n) * p.CostPerRequest
		}
		if status != provider.StatusDeprecated {
			live++
			if status == provider.StatusActive {
				up++
			}
		}
		totalCalls += n
		totalErr += f
	}

	for _, s := range statusOrder {
		rep.StatusCounts = append(rep.StatusCounts, StatusCount{Status: s, Count: statusCounts[s]})
	}
	for _, t := range tierOrder {
		tt := *tiers[t]
		tt.CostUSD = round(tt.CostUSD)
		rep.Tiers = append(rep.Tiers, tt)
	}

	uptime := 0.0
	if live > 0 {
		uptime = float64(up) / float64(live)
	}
	errorRate := rate(totalErr, totalCalls+totalErr)
	headroom := clamp((threshold-latest.Ratio)/threshold, 0, 1)
	rep.Health = Health{
		Uptime:       round(uptime),
		ErrorRate:    round(errorRate),
		CostHeadroom: round(headroom),
		Score:        round(weightUptime*uptime + weightErrorRate*(1-errorRate) + weightHeadroom*headroom),
	}

	return rep, nil
}

// latestSnapshot validates every snapshot and returns the newest one. Ties on
// CreatedAt are broken by id so input order never matters.
func latestSnapshot(snaps []costguard.Snapshot) (costguard.Snapshot, error) {
	if len(snaps) == 0 {
		return costguard.Snapshot{}, fmt.Errorf("%w: no cost snapshots", ErrReportGeneration)
	}
	latest := snaps[0]
	for i, s := range snaps {
		if !s.Valid() {
			return costguard.Snapshot{}, fmt.Errorf("%w: invalid cost snapshot at index %d", ErrReportGeneration, i)
		}
		if s.CreatedAt.After(latest.CreatedAt) || (s.CreatedAt.Equal(latest.CreatedAt) && s.ID > latest.ID) {
			latest = s
		}
	}
	return latest, nil
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FilterByStatus returns the provider summaries of r with the given status.
func FilterByStatus(r *Report, status provider.Status) []ProviderSummary {
	out := []ProviderSummary{}
	for _, p := range r.Providers {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

// HighCostProviders returns providers whose window cost is at least
// threshold, most expensive first.
func HighCostProviders(r *Report, threshold float64) []ProviderSummary {
	out := []ProviderSummary{}
	for _, p := range r.Providers {
		if p.CostUSD >= threshold {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CostUSD != out[j].CostUSD {
			return out[i].CostUSD > out[j].CostUSD
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func rate(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
