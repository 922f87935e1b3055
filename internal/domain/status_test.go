package domain

import "testing"

func TestDecideTransition(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		next    Status
		want    TransitionDecision
	}{
		{name: "pending to processing", current: StatusPending, next: StatusProcessing, want: TransitionApply},
		{name: "pending straight to delivered", current: StatusPending, next: StatusDelivered, want: TransitionApply},
		{name: "pending straight to expired", current: StatusPending, next: StatusExpired, want: TransitionApply},
		{name: "processing to refunded", current: StatusProcessing, next: StatusRefunded, want: TransitionApply},
		{name: "processing to settled", current: StatusProcessing, next: StatusSettled, want: TransitionApply},
		{name: "same pending replay", current: StatusPending, next: StatusPending, want: TransitionRedundant},
		{name: "same terminal replay", current: StatusDelivered, next: StatusDelivered, want: TransitionRedundant},
		{name: "processing back to pending", current: StatusProcessing, next: StatusPending, want: TransitionRegressive},
		{name: "refunded back to processing", current: StatusRefunded, next: StatusProcessing, want: TransitionRegressive},
		{name: "delivered to settled is a terminal change", current: StatusDelivered, next: StatusSettled, want: TransitionRegressive},
		{name: "delivered to failed", current: StatusDelivered, next: StatusFailed, want: TransitionRegressive},
		{name: "unmapped observation", current: StatusPending, next: StatusUnknown, want: TransitionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideTransition(tt.current, tt.next)
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTerminalStatusesNeverAcceptAnotherStatus(t *testing.T) {
	all := []Status{StatusPending, StatusProcessing, StatusDelivered, StatusSettled, StatusRefunded, StatusExpired, StatusFailed}
	for _, current := range all {
		if !current.IsTerminal() {
			continue
		}
		for _, next := range all {
			if DecideTransition(current, next) == TransitionApply {
				t.Fatalf("terminal %s accepted transition to %s", current, next)
			}
		}
	}
}

func TestStatusClassification(t *testing.T) {
	if !StatusDelivered.IsSuccess() || !StatusSettled.IsSuccess() {
		t.Fatal("expected delivered and settled to be terminal success")
	}
	for _, s := range []Status{StatusRefunded, StatusExpired, StatusFailed} {
		if !s.IsFailure() || !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal failure", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if s.IsTerminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
	if ParseStatus("bogus") != StatusUnknown {
		t.Fatal("expected unrecognized status to parse as unknown")
	}
}
