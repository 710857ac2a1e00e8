package routing

import (
	"sync"
	"time"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

// Policy configures the per-provider failure state machine.
type Policy struct {
	// Threshold consecutive failures inside Window degrade a provider.
	Threshold int
	Window    time.Duration
	// Cooldown is how long a degraded provider sits out before a single
	// trial call is let through again.
	Cooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: 3, Window: 60 * time.Second, Cooldown: 30 * time.Second}
}

// FailureState is the persisted view of one provider's state machine.
type FailureState struct {
	ProviderID          string          `json:"provider_id"`
	State               provider.Status `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	WindowStart         time.Time       `json:"window_start"`
	CooldownUntil       time.Time       `json:"cooldown_until"`
}

type breaker struct {
	mu sync.Mutex
	st FailureState
	// trial is set while the one call admitted in recovering is in flight.
	trial bool
}

func newBreaker(providerID string) *breaker {
	return &breaker{st: FailureState{ProviderID: providerID, State: provider.StatusActive}}
}

// advance moves degraded to recovering once the cooldown has elapsed.
func (b *breaker) advance(now time.Time) bool {
	if b.st.State == provider.StatusDegraded && !now.Before(b.st.CooldownUntil) {
		b.st.State = provider.StatusRecovering
		return true
	}
	return false
}

// admission is the result of asking a breaker whether a call may proceed.
type admission struct {
	state FailureState
	ok    bool
	// trial marks the caller holding the recovering slot; it must report
	// an outcome or call release.
	trial bool
}

// eligible admits every call while active, none while degraded and
// exactly one at a time while recovering.
func (b *breaker) eligible(now time.Time) admission {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(now)
	switch b.st.State {
	case provider.StatusDegraded:
		return admission{state: b.st}
	case provider.StatusRecovering:
		if b.trial {
			return admission{state: b.st}
		}
		b.trial = true
		return admission{state: b.st, ok: true, trial: true}
	}
	return admission{state: b.st, ok: true}
}

// release frees the recovering slot when the trial call ended without an
// outcome that says anything about the provider.
func (b *breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

func (b *breaker) tick(now time.Time) (FailureState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.advance(now)
	return b.st, changed
}

func (b *breaker) onSuccess() (FailureState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	changed := b.st.State != provider.StatusActive || b.st.ConsecutiveFailures != 0
	b.st.State = provider.StatusActive
	b.st.ConsecutiveFailures = 0
	b.st.WindowStart = time.Time{}
	b.st.CooldownUntil = time.Time{}
	return b.st, changed
}

func (b *breaker) onFailure(now time.Time, kind provider.ErrorKind, p Policy) FailureState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	b.advance(now)
	switch b.st.State {
	case provider.StatusRecovering:
		b.degrade(now, p.Cooldown)
	case provider.StatusDegraded:
		// a forced failover may still be in its cooldown; nothing to count
	default:
		if kind == provider.KindAuth {
			b.degrade(now, p.Cooldown)
			break
		}
		if b.st.ConsecutiveFailures == 0 || now.Sub(b.st.WindowStart) > p.Window {
			b.st.WindowStart = now
			b.st.ConsecutiveFailures = 0
		}
		b.st.ConsecutiveFailures++
		if b.st.ConsecutiveFailures >= p.Threshold {
			b.degrade(now, p.Cooldown)
		}
	}
	return b.st
}

// force degrades the provider for d regardless of its current state.
func (b *breaker) force(now time.Time, d time.Duration) FailureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.degrade(now, d)
	return b.st
}

func (b *breaker) degrade(now time.Time, d time.Duration) {
	b.trial = false
	b.st.State = provider.StatusDegraded
	b.st.ConsecutiveFailures = 0
	b.st.WindowStart = time.Time{}
	b.st.CooldownUntil = now.Add(d)
}

func (b *breaker) snapshot() FailureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *breaker) restore(st FailureState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.State == "" {
		st.State = provider.StatusActive
	}
	b.st = st
	b.trial = false
}
