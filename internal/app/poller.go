package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/internal/provider"
	"github.com/Thedongraphix/Minisend-sub003/internal/store"
	"github.com/google/uuid"
)

// RetryPolicy bounds a poll loop. Delays[i] is the wait before attempt i+2; the last
// delay repeats once the schedule runs out.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultRetryPolicy polls quickly at first and backs off as the order ages.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Delays: []time.Duration{
			3 * time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second,
			10 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
		},
	}
}

// Delay returns the wait after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

// PollReport summarizes a finished poll loop.
type PollReport struct {
	Attempts  int
	Terminal  bool
	Exhausted bool
}

// PollUntilTerminal calls fn until it reports a terminal state, the policy is
// exhausted, or ctx is done. Errors from fn count as an attempt and do not stop the
// loop. Exhaustion is not an error.
func PollUntilTerminal(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (bool, error)) (PollReport, error) {
	var report PollReport
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Attempts = attempt
		terminal, err := fn(ctx)
		if err != nil {
			log.Printf("level=warn component=poller attempt=%d max_attempts=%d err=%v", attempt, policy.MaxAttempts, err)
		}
		if terminal {
			report.Terminal = true
			return report, nil
		}
		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return report, ctx.Err()
		case <-timer.C:
		}
	}
	report.Exhausted = true
	return report, nil
}

// Poller pulls provider status for orders and feeds it to the engine.
type Poller struct {
	repo     store.Repository
	registry *provider.Registry
	engine   *Engine
	policy   RetryPolicy
}

// NewPoller creates a Poller.
func NewPoller(repo store.Repository, registry *provider.Registry, engine *Engine, policy RetryPolicy) *Poller {
	return &Poller{repo: repo, registry: registry, engine: engine, policy: policy}
}

// PollOnce fetches the provider's current view of order and applies it.
func (p *Poller) PollOnce(ctx context.Context, order *domain.Order) (*SignalResult, error) {
	adapter, err := p.registry.Get(order.Provider)
	if err != nil {
		return nil, err
	}
	status, err := adapter.FetchStatus(ctx, order.ProviderTransactionRef)
	if err != nil {
		return nil, fmt.Errorf("fetch %s status for %s: %w", order.Provider, order.ProviderTransactionRef, err)
	}
	return p.engine.Apply(ctx, Signal{
		Provider:         order.Provider,
		TransactionRef:   order.ProviderTransactionRef,
		Source:           domain.SourcePoll,
		RawStatus:        status.RawStatus,
		ReceiptReference: status.ReceiptReference,
		FailureReason:    status.FailureReason,
	})
}

// Track polls orderID until it is terminal or the policy is exhausted. The stored
// order is re-read before each attempt so a webhook that already finished it stops
// the loop without another provider call.
func (p *Poller) Track(ctx context.Context, orderID uuid.UUID) (PollReport, error) {
	report, err := PollUntilTerminal(ctx, p.policy, func(ctx context.Context) (bool, error) {
		order, err := p.repo.FindOrderByID(ctx, orderID)
		if err != nil {
			return false, err
		}
		if order.CanonicalStatus.IsTerminal() {
			return true, nil
		}
		result, err := p.PollOnce(ctx, order)
		if err != nil {
			return false, err
		}
		return result.Current.IsTerminal(), nil
	})
	if report.Exhausted {
		log.Printf("level=info component=poller msg=\"poll attempts exhausted; awaiting webhook or sweep\" order_id=%s attempts=%d", orderID, report.Attempts)
	}
	return report, err
}
