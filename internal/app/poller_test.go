package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Delays: []time.Duration{time.Second, 2 * time.Second}}

	if got := policy.Delay(1); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	if got := policy.Delay(2); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := policy.Delay(9); got != 2*time.Second {
		t.Fatalf("expected last delay to repeat, got %s", got)
	}
	if got := (RetryPolicy{}).Delay(3); got != 0 {
		t.Fatalf("expected zero delay without a schedule, got %s", got)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy(0)
	if policy.MaxAttempts != 20 {
		t.Fatalf("expected 20 attempts, got %d", policy.MaxAttempts)
	}
	if policy.Delay(1) != 3*time.Second || policy.Delay(50) != 60*time.Second {
		t.Fatalf("unexpected schedule: %v", policy.Delays)
	}
}

func TestPollUntilTerminal_StopsOnTerminal(t *testing.T) {
	calls := 0
	report, err := PollUntilTerminal(context.Background(), RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !report.Terminal || report.Attempts != 3 || report.Exhausted {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPollUntilTerminal_ErrorsCountAsAttempts(t *testing.T) {
	calls := 0
	report, err := PollUntilTerminal(context.Background(), RetryPolicy{MaxAttempts: 4}, func(ctx context.Context) (bool, error) {
		calls++
		return false, errors.New("provider timeout")
	})
	if err != nil {
		t.Fatalf("expected exhaustion to not be an error, got %v", err)
	}
	if calls != 4 || !report.Exhausted || report.Terminal {
		t.Fatalf("unexpected report after %d calls: %+v", calls, report)
	}
}

func TestPollUntilTerminal_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, Delays: []time.Duration{time.Hour}}

	report, err := PollUntilTerminal(ctx, policy, func(ctx context.Context) (bool, error) {
		cancel()
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", report.Attempts)
	}
}

func TestTrack_StopsWhenWebhookFinishedOrder(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	created := createTestOrder(t, h, "0xdeposit-track")

	if _, err := h.service.HandleWebhook(ctx, domain.ProviderPretium, nil, webhookBody(created.ProviderTransactionRef, "Delivered")); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	report, err := h.service.poller.Track(ctx, created.OrderID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if !report.Terminal || report.Attempts != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, fetch := h.pretium.calls(); fetch != 0 {
		t.Fatalf("expected no provider poll for a finished order, got %d", fetch)
	}
}

func TestTrack_PollsUntilDelivered(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	created := createTestOrder(t, h, "0xdeposit-track-poll")
	h.pretium.setStatus(created.ProviderTransactionRef, "Delivered")

	report, err := h.service.poller.Track(ctx, created.OrderID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if !report.Terminal {
		t.Fatalf("expected terminal report, got %+v", report)
	}
	if h.repo.SettlementCount() != 1 {
		t.Fatalf("expected settlement from polled delivery, got %d", h.repo.SettlementCount())
	}
}

func TestBackgroundPollingStopsOnClose(t *testing.T) {
	h := newTestHarness()
	h.service.opts.BackgroundPolling = true
	h.service.poller.policy = RetryPolicy{MaxAttempts: 100, Delays: []time.Duration{time.Hour}}

	createTestOrder(t, h, "0xdeposit-bg")

	done := make(chan struct{})
	go func() {
		h.service.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Close to stop background polling")
	}
}
