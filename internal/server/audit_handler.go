package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

// handleAuditQuery implements GET /audit-logs, spec.md §6's external
// contract: ?eventType&userId&agentId&from&to&limit&offset, validated and
// paginated by audit.Sink.Query.
func (s *Server) handleAuditQuery(c *gin.Context) {
	q := models.AuditQuery{
		Kind:    models.AuditEventKind(c.Query("eventType")),
		UserID:  c.Query("userId"),
		AgentID: c.Query("agentId"),
		Limit:   50,
		Offset:  0,
	}

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeProtoError(c, errors.ValidationFailed("from must be an RFC3339 timestamp"))
			return
		}
		q.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeProtoError(c, errors.ValidationFailed("to must be an RFC3339 timestamp"))
			return
		}
		q.To = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeProtoError(c, errors.ValidationFailed("limit must be an integer"))
			return
		}
		q.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeProtoError(c, errors.ValidationFailed("offset must be an integer"))
			return
		}
		q.Offset = n
	}

	events, err := s.audit.Query(c.Request.Context(), q)
	if err != nil {
		writeProtoError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}
