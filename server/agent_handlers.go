package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/backupwatch/pkg/ingest"
	"github.com/haasonsaas/backupwatch/pkg/registry"
)

func (s *Server) registerAgentRoutes(r *gin.Engine) {
	window := time.Duration(s.rateLimit.WindowSeconds) * time.Second
	v1 := r.Group("/v1", s.rateLimited("agent", s.rateLimit.Requests, window))
	v1.POST("/credentials", s.handleCredentials)

	downloads := v1.Group("/downloads")
	downloads.POST("/last_time", s.handleLastTime)
	downloads.POST("/status", s.handleDownloadStatus)
	downloads.POST("/checksum", s.handleChecksum)
}

type credentialsRequest struct {
	AgentName  string `json:"agent_name" binding:"required"`
	Identifier string `json:"identifier"`
}

// handleCredentials exchanges the presented identifier for a fresh one plus the agent configuration.
func (s *Server) handleCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	grant, err := s.broker.Exchange(c.Request.Context(), req.AgentName, req.Identifier)
	if err != nil {
		var extra gin.H
		if errors.Is(err, registry.ErrUnknownAgent) {
			extra = gin.H{"rmcreds": true}
		}
		respondRegistryError(c, err, extra, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     statusSuccess,
		"message":    "Supplying credentials",
		"identifier": grant.Identifier,
		"config":     grant.Config,
	})
}

// Client supplied timestamps only signal presence; the server clock is authoritative.
type lastTimeRequest struct {
	Identifier       string          `json:"identifier" binding:"required"`
	LastTimeOnline   json.RawMessage `json:"last_time_online"`
	LastDownloadTime json.RawMessage `json:"last_download_time"`
}

func (s *Server) handleLastTime(c *gin.Context) {
	var req lastTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	agent, err := s.ingestor.ReportActivity(c.Request.Context(), req.Identifier, present(req.LastDownloadTime))
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           statusSuccess,
		"message":          "Writing time to db",
		"sftp_host":        agent.SFTPHost,
		"sftp_username":    agent.SFTPUsername,
		"sftp_folder_path": agent.SFTPFolderPath,
		"manager_host":     agent.ManagerHost,
		"client_version":   s.registry.ResolveClientVersion(c.Request.Context(), agent.ClientVersion),
	})
}

type downloadStatusRequest struct {
	Identifier       string          `json:"identifier" binding:"required"`
	DownloadStatus   string          `json:"download_status" binding:"required"`
	LastDownloaded   string          `json:"last_downloaded"`
	LastDownloadTime json.RawMessage `json:"last_download_time"`
}

func (s *Server) handleDownloadStatus(c *gin.Context) {
	var req downloadStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	agent, err := s.ingestor.ReportDownload(c.Request.Context(), req.Identifier, ingest.DownloadReport{
		Status:         req.DownloadStatus,
		LastDownloaded: req.LastDownloaded,
		Completed:      present(req.LastDownloadTime),
	})
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("agent", agent.Name).
		Str("download_status", agent.DownloadStatus).
		Msg("Download status updated")
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "message": "Writing download status to db"})
}

type checksumRequest struct {
	Identifier    string            `json:"identifier" binding:"required"`
	FilesChecksum map[string]string `json:"files_checksum"`
}

func (s *Server) handleChecksum(c *gin.Context) {
	var req checksumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	agent, err := s.ingestor.ReportChecksum(c.Request.Context(), req.Identifier, req.FilesChecksum)
	if err != nil {
		respondRegistryError(c, err, nil, s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("agent", agent.Name).
		Int("files", len(agent.FilesChecksum)).
		Msg("Files checksum updated")
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "message": "Writing files checksum to db"})
}

// present reports whether an optional JSON field carried a value.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte(`""`))
}
