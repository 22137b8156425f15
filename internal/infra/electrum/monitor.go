package electrum

import (
	"sync"
	"time"

	"github.com/vietddude/distributor/internal/core/domain"
)

// EndpointStatus represents the health state of an endpoint.
type EndpointStatus int

const (
	StatusHealthy  EndpointStatus = iota // Endpoint is answering normally
	StatusDegraded                       // Endpoint is slow or failing intermittently
	StatusDown                           // Endpoint failed repeatedly and is cooling off
)

func (s EndpointStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusDown:
		return "down"
	}
	return "unknown"
}

// MonitorStats holds monitoring statistics for an endpoint.
type MonitorStats struct {
	Status              EndpointStatus
	AverageLatency      time.Duration
	ConsecutiveFailures int
	TotalRequests       int
	TotalFailures       int
	LastFailureAt       time.Time
	LastFailureReason   domain.TransportReason
}

// Monitor tracks endpoint health across sessions. Clusters keep one Monitor
// per endpoint so a rebuilt session can rank endpoints that just failed last.
type Monitor struct {
	mu sync.RWMutex

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Error tracking
	consecutiveFails int
	totalRequests    int
	totalFailures    int
	lastFailureAt    time.Time
	lastReason       domain.TransportReason

	// Thresholds
	slowResponseThreshold time.Duration
	downAfter             int
	cooldown              time.Duration

	now func() time.Time
}

// NewMonitor creates a new monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:       make([]time.Duration, 0, 50),
		maxLatencyWindow:      50,
		slowResponseThreshold: 3 * time.Second,
		downAfter:             3,
		cooldown:              30 * time.Second,
		now:                   time.Now,
	}
}

// RecordSuccess records a completed request with its latency.
func (m *Monitor) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.consecutiveFails = 0

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
}

// RecordFailure records a failed request or dial.
func (m *Monitor) RecordFailure(reason domain.TransportReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.totalFailures++
	m.consecutiveFails++
	m.lastFailureAt = m.now()
	m.lastReason = reason
}

// CheckStatus returns the current status of the endpoint.
func (m *Monitor) CheckStatus() EndpointStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() EndpointStatus {
	if m.consecutiveFails >= m.downAfter && m.now().Sub(m.lastFailureAt) < m.cooldown {
		return StatusDown
	}
	if m.consecutiveFails > 0 {
		return StatusDegraded
	}
	if len(m.recentLatencies) > 5 && m.averageLocked() > m.slowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// GetAverageLatency returns the average latency of recent requests.
func (m *Monitor) GetAverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLocked()
}

func (m *Monitor) averageLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

// GetStats returns current monitoring statistics.
func (m *Monitor) GetStats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MonitorStats{
		Status:              m.statusLocked(),
		AverageLatency:      m.averageLocked(),
		ConsecutiveFailures: m.consecutiveFails,
		TotalRequests:       m.totalRequests,
		TotalFailures:       m.totalFailures,
		LastFailureAt:       m.lastFailureAt,
		LastFailureReason:   m.lastReason,
	}
}
