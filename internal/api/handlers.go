package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"convergence-trading-bot/internal/auth"
	"convergence-trading-bot/internal/autopilot"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := s.bot.Status()
	body := gin.H{
		"status":  "healthy",
		"running": status.Running,
		"halted":  status.Halted,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := s.db.HealthCheck(ctx); err != nil {
			body["status"] = "unhealthy"
			body["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "healthy"
	}

	// A halted loop is alive; it reports halted rather than unhealthy.
	c.JSON(http.StatusOK, body)
}

// statusResponse adds the price stream state to the loop status.
type statusResponse struct {
	autopilot.Status
	Stream map[string]interface{} `json:"stream,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{Status: s.bot.Status()}
	if s.stream != nil {
		resp.Stream = s.stream.GetStats()
	}
	successResponse(c, resp)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event journal is disabled")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(c.Request.Context(), s.bot.Status().Symbol, limit)
	if err != nil {
		s.logger.Warn("Failed to read event journal", "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to read events")
		return
	}
	successResponse(c, entries)
}

type haltRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleHalt(c *gin.Context) {
	var req haltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "reason is required")
		return
	}

	operator := auth.GetOperator(c)
	s.logger.Warn("Manual halt requested", "operator", operator, "reason", req.Reason)
	s.bot.Halt("manual: " + req.Reason)
	successResponse(c, s.bot.Status())
}

func (s *Server) handleClearHalt(c *gin.Context) {
	operator := auth.GetOperator(c)
	s.logger.Info("Halt clear requested", "operator", operator)
	s.bot.ClearHalt()
	successResponse(c, s.bot.Status())
}
