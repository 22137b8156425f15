package electrum

import (
	"testing"
	"time"

	"github.com/vietddude/distributor/internal/core/domain"
)

func TestMonitor_StatusTransitions(t *testing.T) {
	m := NewMonitor()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	if got := m.CheckStatus(); got != StatusHealthy {
		t.Fatalf("fresh monitor status = %v", got)
	}

	m.RecordFailure(domain.ReasonTimeout)
	if got := m.CheckStatus(); got != StatusDegraded {
		t.Errorf("after one failure status = %v, want degraded", got)
	}

	m.RecordFailure(domain.ReasonDisconnected)
	m.RecordFailure(domain.ReasonDisconnected)
	if got := m.CheckStatus(); got != StatusDown {
		t.Errorf("after three failures status = %v, want down", got)
	}

	// Cooldown elapses.
	now = now.Add(time.Minute)
	if got := m.CheckStatus(); got != StatusDegraded {
		t.Errorf("after cooldown status = %v, want degraded", got)
	}

	m.RecordSuccess(20 * time.Millisecond)
	if got := m.CheckStatus(); got != StatusHealthy {
		t.Errorf("after success status = %v, want healthy", got)
	}

	stats := m.GetStats()
	if stats.TotalRequests != 4 || stats.TotalFailures != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastFailureReason != domain.ReasonDisconnected {
		t.Errorf("last reason = %s", stats.LastFailureReason)
	}
}

func TestMonitor_SlowResponsesDegrade(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 10; i++ {
		m.RecordSuccess(5 * time.Second)
	}
	if got := m.CheckStatus(); got != StatusDegraded {
		t.Errorf("status = %v, want degraded", got)
	}
	if avg := m.GetAverageLatency(); avg != 5*time.Second {
		t.Errorf("average = %v", avg)
	}
}
