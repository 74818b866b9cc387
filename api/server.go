// Package api exposes migration job control over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/coordinator"
	"storagemigration/pkg/cutover"
	"storagemigration/pkg/models"
	"storagemigration/pkg/scope"
	"storagemigration/pkg/state"
)

// Server wires the engine's components behind the HTTP surface.
type Server struct {
	store   state.Store
	coord   *coordinator.Coordinator
	cutover *cutover.Manager
}

func NewServer(store state.Store, coord *coordinator.Coordinator, cut *cutover.Manager) *Server {
	return &Server{store: store, coord: coord, cutover: cut}
}

// Router builds the configured Gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	router.GET("/health", s.healthCheck)

	api := router.Group("/api")
	{
		api.GET("/providers", s.listProviders)

		api.POST("/workspaces/:workspaceID/migrations", s.startMigration)
		api.GET("/workspaces/:workspaceID/migrations", s.listMigrations)
		api.POST("/workspaces/:workspaceID/scope", s.calculateScope)
		api.GET("/workspaces/:workspaceID/storage", s.getStorageConfig)

		api.GET("/migrations/:jobID", s.getMigration)
		api.POST("/migrations/:jobID/cancel", s.cancelMigration)
		api.POST("/migrations/:jobID/pause", s.pauseMigration)
		api.POST("/migrations/:jobID/resume", s.resumeMigration)
		api.POST("/migrations/:jobID/reset-failed", s.resetFailed)
		api.POST("/migrations/:jobID/complete", s.completeMigration)
		api.DELETE("/migrations/:jobID", s.discardMigration)
	}

	return router
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"active_jobs": len(s.coord.ActiveJobs()),
	})
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": backend.Providers()})
}

// startMigrationRequest is the POST body for starting a job. An empty source
// means the workspace's current storage configuration.
type startMigrationRequest struct {
	SourceProvider string                  `json:"source_provider"`
	SourceConfig   json.RawMessage         `json:"source_config"`
	TargetProvider string                  `json:"target_provider" binding:"required"`
	TargetConfig   json.RawMessage         `json:"target_config"`
	SourcePrefix   string                  `json:"source_prefix"`
	Options        models.MigrationOptions `json:"options"`
}

func (s *Server) startMigration(c *gin.Context) {
	var req startMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := s.coord.StartMigration(c.Request.Context(), coordinator.StartRequest{
		WorkspaceID:    c.Param("workspaceID"),
		SourceProvider: req.SourceProvider,
		SourceConfig:   req.SourceConfig,
		TargetProvider: req.TargetProvider,
		TargetConfig:   req.TargetConfig,
		SourcePrefix:   req.SourcePrefix,
		Options:        req.Options,
	})
	if err != nil {
		if errors.Is(err, backend.ErrJobAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": string(models.JobPending)})
}

func (s *Server) listMigrations(c *gin.Context) {
	jobs, err := s.coord.ListJobs(c.Request.Context(), c.Param("workspaceID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getMigration(c *gin.Context) {
	job, err := s.coord.GetJob(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelMigration(c *gin.Context) {
	if err := s.coord.Cancel(c.Request.Context(), c.Param("jobID")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

func (s *Server) pauseMigration(c *gin.Context) {
	if err := s.coord.Pause(c.Request.Context(), c.Param("jobID")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pause requested"})
}

func (s *Server) resumeMigration(c *gin.Context) {
	err := s.coord.Resume(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		if errors.Is(err, backend.ErrNotResumable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resumed"})
}

func (s *Server) resetFailed(c *gin.Context) {
	n, err := s.coord.ResetFailed(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

type completeRequest struct {
	Force bool `json:"force"`
}

func (s *Server) completeMigration(c *gin.Context) {
	var req completeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	switched, err := s.cutover.Complete(c.Request.Context(), c.Param("jobID"), req.Force)
	if err != nil {
		if errors.Is(err, cutover.ErrJobNotCompleted) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "switched": switched})
}

func (s *Server) discardMigration(c *gin.Context) {
	if err := s.coord.Discard(c.Request.Context(), c.Param("jobID")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "discarded"})
}

type scopeRequest struct {
	Provider string          `json:"provider"`
	Config   json.RawMessage `json:"config"`
	Prefix   string          `json:"prefix"`
}

// calculateScope is the dry-run sizing call: it never creates a job or writes
// any state.
func (s *Server) calculateScope(c *gin.Context) {
	var req scopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Provider == "" {
		current, err := s.store.GetStorageConfig(c.Request.Context(), c.Param("workspaceID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if current == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "workspace has no storage configuration and no provider was given"})
			return
		}
		req.Provider = current.Provider
		req.Config = current.Config
	}

	source, err := backend.Open(c.Request.Context(), req.Provider, req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := scope.NewCalculator(source).Calculate(c.Request.Context(), req.Prefix)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"file_count":                 result.FileCount,
		"total_bytes":                result.TotalBytes,
		"estimated_duration_seconds": int64(result.EstimatedDuration.Seconds()),
	})
}

func (s *Server) getStorageConfig(c *gin.Context) {
	cfg, err := s.store.GetStorageConfig(c.Request.Context(), c.Param("workspaceID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no storage configuration for workspace"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": cfg.WorkspaceID,
		"storage":      backend.RedactConfig(cfg.Provider, cfg.Config),
		"updated_at":   cfg.UpdatedAt,
	})
}
