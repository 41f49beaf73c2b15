package bridge

import (
	"time"

	"github.com/flowbridge-io/flowbridge/pkg/transport"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the periodic self-assessment of the bridge. Each of the
// four checks is worth 25 points.
type Health struct {
	Status        HealthStatus `json:"status"`
	Score         int          `json:"score"`
	Connected     bool         `json:"connected"`
	Authenticated bool         `json:"authenticated"`
	Streaming     bool         `json:"streaming"`
	Monitoring    bool         `json:"monitoring"`
	CheckedAt     time.Time    `json:"checkedAt"`
}

const checkPoints = 25

// Health computes the current score from live component state.
func (m *ConnectionManager) Health() Health {
	m.mu.Lock()
	authenticated := m.authenticated
	m.mu.Unlock()

	health := Health{
		Connected:     m.streaming.ConnectionStatus().Status == transport.StatusConnected,
		Authenticated: authenticated,
		Streaming:     m.streaming.IsStreaming(),
		Monitoring:    m.monitor.IsRunning(),
		CheckedAt:     m.clock.Now(),
	}

	for _, ok := range []bool{
		health.Connected,
		health.Authenticated,
		health.Streaming,
		health.Monitoring,
	} {
		if ok {
			health.Score += checkPoints
		}
	}

	switch {
	case health.Score >= 75:
		health.Status = HealthHealthy
	case health.Score >= 50:
		health.Status = HealthDegraded
	default:
		health.Status = HealthUnhealthy
	}

	return health
}
