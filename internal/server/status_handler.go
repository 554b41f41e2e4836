package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/controlplane/internal/models"
)

type agentStatus struct {
	AgentID       string `json:"agentId"`
	ConnectionID  string `json:"connectionId"`
	Healthy       bool   `json:"healthy"`
	QueueDepth    int    `json:"queueDepth"`
	ConnectedAt   string `json:"connectedAt"`
}

// handleStatus implements GET /internal/status, SPEC_FULL.md §10.2: a
// copy-on-read snapshot of pool size, per-agent queue depth, and heartbeat
// health. Grounded on the teacher's AgentHub.GetConnectedAgents/
// GetConnection, generalized from one flat agent list to a joined
// pool+queue+heartbeat view.
func (s *Server) handleStatus(c *gin.Context) {
	agents := s.pool.GetByType(models.RoleAgent)
	dashboards := s.pool.GetByType(models.RoleDashboard)

	agentStatuses := make([]agentStatus, 0, len(agents))
	for _, conn := range agents {
		agentStatuses = append(agentStatuses, agentStatus{
			AgentID:      conn.Identity,
			ConnectionID: conn.ConnectionID,
			Healthy:      s.heartbeat.Healthy(conn.ConnectionID),
			QueueDepth:   len(s.dispatcher.QueueSnapshot(conn.Identity)),
			ConnectedAt:  conn.ConnectedAt.UTC().Format(httpTimeFormat),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"connectionCount": s.pool.Count(),
		"agentCount":       len(agents),
		"dashboardCount":   len(dashboards),
		"agents":           agentStatuses,
		"auditDropped":     s.audit.Dropped(),
	})
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"
