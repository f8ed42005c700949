package diagnostic

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pibot/relay/pkg/relay"
)

// RelayMetrics represents relay activity information
type RelayMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveSessions    int       `json:"active_sessions"`
	TotalSessions     int64     `json:"total_sessions"`
	CommandsForwarded int64     `json:"commands_forwarded"`
	ErrorCount        int64     `json:"error_count"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
}

// DiagnosticService reports relay activity
type DiagnosticService struct {
	manager *relay.Manager
}

// NewDiagnosticService creates a new diagnostic service instance
func NewDiagnosticService(manager *relay.Manager) *DiagnosticService {
	return &DiagnosticService{manager: manager}
}

// GetMetricsHandler handles API requests for relay metrics
func (s *DiagnosticService) GetMetricsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "success",
		"metrics": s.GetMetrics(),
	})
}

// GetMetrics returns the current relay metrics
func (s *DiagnosticService) GetMetrics() RelayMetrics {
	stats := s.manager.Stats()
	return RelayMetrics{
		Timestamp:         time.Now(),
		ActiveSessions:    stats.ActiveSessions,
		TotalSessions:     stats.TotalSessions,
		CommandsForwarded: stats.CommandsForwarded,
		ErrorCount:        stats.ErrorCount,
		UptimeSeconds:     stats.UptimeSeconds,
	}
}
