package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/backupwatch/pkg/health"
	"github.com/haasonsaas/backupwatch/pkg/policy"
	"github.com/haasonsaas/backupwatch/pkg/registry"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin", s.requireAdmin)

	admin.GET("/agents", s.handleListAgents)
	admin.POST("/agents", s.handleRegisterAgent)
	admin.GET("/agents/:name", s.handleGetAgent)
	admin.POST("/agents/:name/reissue", s.handleReissueAgent)
	admin.DELETE("/agents/:name", s.handleDeactivateAgent)

	admin.GET("/recipients", s.handleListRecipients)
	admin.POST("/recipients", s.handleAddRecipient)
	admin.GET("/rules", s.handleListRules)
	admin.PUT("/releases", s.handleUpsertRelease)
	admin.GET("/events", s.handleListEvents)

	admin.GET("/summary", s.handleSummary)
	admin.POST("/evaluate", s.handleEvaluate)
	admin.POST("/alerts/reset", s.handleResetAlerts)
}

func (s *Server) requireAdmin(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	if !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.registry.Snapshot(c.Request.Context())
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var spec registry.AgentSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	agent, identifier, err := s.broker.Issue(c.Request.Context(), spec)
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": agent, "identifier": identifier})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.registry.Agent(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleReissueAgent(c *gin.Context) {
	agent, identifier, err := s.broker.Reissue(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "identifier": identifier})
}

func (s *Server) handleDeactivateAgent(c *gin.Context) {
	if err := s.registry.Deactivate(c.Request.Context(), c.Param("name")); err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Info().Str("agent", c.Param("name")).Msg("Agent deactivated")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRecipients(c *gin.Context) {
	recipients, err := s.registry.ListRecipients(c.Request.Context())
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, recipients)
}

func (s *Server) handleAddRecipient(c *gin.Context) {
	var req struct {
		Username       string   `json:"username"`
		Email          string   `json:"email" binding:"required,email"`
		AssociatedWith string   `json:"associated_with" binding:"required"`
		Rules          []string `json:"rules"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	recipient, err := s.registry.AddRecipient(c.Request.Context(), registry.Recipient{
		Username:       req.Username,
		Email:          req.Email,
		AssociatedWith: req.AssociatedWith,
	}, req.Rules)
	if err != nil {
		if errors.Is(err, registry.ErrTransient) {
			respondRegistryError(c, err, nil, s.logger)
			return
		}
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	c.JSON(http.StatusCreated, recipient)
}

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.registry.Rules(c.Request.Context())
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleUpsertRelease(c *gin.Context) {
	var req struct {
		Version string `json:"version" binding:"required"`
		Flag    string `json:"flag" binding:"omitempty,oneof=stable latest"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	release := registry.ClientRelease{Version: req.Version, Flag: req.Flag}
	if err := s.registry.UpsertRelease(c.Request.Context(), release); err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, release)
}

func (s *Server) handleListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		limit = n
	}

	events, err := s.registry.Events(c.Request.Context(), limit)
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, events)
}

// Summary counts agents per traffic-light level.
type Summary struct {
	Agents  int              `json:"agents"`
	Levels  map[string]int   `json:"levels"`
	Skipped int64            `json:"skipped_ticks"`
	Limiter RateLimiterStats `json:"rate_limiter"`
}

func (s *Server) handleSummary(c *gin.Context) {
	agents, err := s.registry.Snapshot(c.Request.Context())
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}

	summary := Summary{
		Agents:  len(agents),
		Levels:  map[string]int{},
		Skipped: s.evaluator.Skipped(),
		Limiter: s.rateLimiter.Stats(),
	}
	for _, agent := range agents {
		summary.Levels[policy.LevelOf(agent.AlertStatus).String()]++
	}
	c.JSON(http.StatusOK, summary)
}

// handleEvaluate runs one evaluation tick for an external scheduler.
func (s *Server) handleEvaluate(c *gin.Context) {
	res, err := s.evaluator.Tick(c.Request.Context())
	if err != nil {
		if errors.Is(err, health.ErrTickInProgress) {
			respondError(c, http.StatusConflict, err.Error(), s.logger)
			return
		}
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "result": res})
}

func (s *Server) handleResetAlerts(c *gin.Context) {
	n, err := s.registry.ResetAlertStatuses(c.Request.Context())
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Info().Int64("agents", n).Msg("Alert statuses reset")
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "reset": n})
}
