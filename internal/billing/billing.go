// Package billing is the spend and revenue ledger. Every successful provider
// call posts a spend entry; revenue is posted by the business layer. The cost
// monitor reads window totals from here.
package billing

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindSpend   Kind = "spend"
	KindRevenue Kind = "revenue"
)

type Entry struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TenantID   string    `json:"tenant_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Capability string    `json:"capability,omitempty"`
	AmountUSD  float64   `json:"amount_usd"`
	LatencyMs  int64     `json:"latency_ms,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e *Entry) Validate() error {
	if e.Kind != KindSpend && e.Kind != KindRevenue {
		return errors.New("entry kind must be spend or revenue")
	}
	if e.AmountUSD < 0 {
		return errors.New("amount cannot be negative")
	}
	return nil
}

type Totals struct {
	SpendUSD   float64 `json:"spend_usd"`
	RevenueUSD float64 `json:"revenue_usd"`
}

type Store interface {
	Record(ctx context.Context, e *Entry) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Entry, error)
	Totals(ctx context.Context, from, to time.Time) (Totals, error)
}
