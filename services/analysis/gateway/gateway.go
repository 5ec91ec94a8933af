// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway exposes the analysis service over HTTP.
//
// Authentication happens upstream at the platform edge; the gateway trusts
// the X-Clauselight-User header for end-user identity. The /v1/tasks and
// /v1/recovery endpoints are operator surfaces served to the internal
// network only.
package gateway

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	analysis "github.com/clauselight/clauselight/services/analysis"
	"github.com/clauselight/clauselight/services/analysis/cache"
	"github.com/clauselight/clauselight/services/analysis/ingest"
	"github.com/clauselight/clauselight/services/analysis/possession"
	"github.com/clauselight/clauselight/services/analysis/recovery"
	"github.com/clauselight/clauselight/services/analysis/registry"
	"github.com/clauselight/clauselight/services/analysis/telemetry"
)

const (
	userHeader     = "X-Clauselight-User"
	operatorHeader = "X-Clauselight-Operator-Token"
)

// maxUploadBytes bounds a single document upload.
const maxUploadBytes = 64 << 20

// Config tunes the gateway's optional surfaces.
type Config struct {
	// Hasher computes keyed content identities for direct uploads. When
	// nil the POST /v1/contents endpoint is omitted and clients must
	// submit hashes obtained from the ingestion pipeline.
	Hasher *ingest.Hasher

	// OperatorToken, when set, is required on the /v1/tasks and
	// /v1/recovery operator surfaces. Empty means the deployment trusts
	// its network perimeter.
	OperatorToken string
}

// Gateway holds the handlers' collaborators.
type Gateway struct {
	svc           *analysis.Service
	reg           *registry.Registry
	orch          *recovery.Orchestrator
	hub           *Hub
	hasher        *ingest.Hasher
	operatorToken string
	logger        *slog.Logger
}

// New creates a Gateway. The orchestrator may be nil when recovery runs in
// a separate deployment; its endpoints then return 404.
func New(svc *analysis.Service, reg *registry.Registry, orch *recovery.Orchestrator, hub *Hub, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if svc == nil || reg == nil {
		return nil, errors.New("service and registry are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		svc:           svc,
		reg:           reg,
		orch:          orch,
		hub:           hub,
		hasher:        cfg.Hasher,
		operatorToken: cfg.OperatorToken,
		logger:        logger,
	}, nil
}

// Router builds the gin engine with all routes registered.
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("clauselight-analysis"))

	router.GET("/v1/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if handler := telemetry.MetricsHandler(); handler != nil {
		router.GET("/metrics", gin.WrapH(handler))
	}

	v1 := router.Group("/v1")
	{
		if g.hasher != nil {
			v1.POST("/contents", g.handleSubmitContent)
		}
		v1.POST("/analyses", g.handleRequestAnalysis)
		v1.GET("/analyses/:hash", g.handleGetResult)
		v1.GET("/analyses/:hash/progress", g.handleProgress)
		v1.DELETE("/analyses/:hash", g.handleCancel)

		tasks := v1.Group("/tasks")
		tasks.Use(g.requireOperator)
		{
			tasks.GET("/:id", g.handleGetTask)
			tasks.GET("/:id/history", g.handleTaskHistory)
			if g.hub != nil {
				tasks.GET("/:id/events", g.handleTaskEvents)
			}
		}

		if g.orch != nil {
			rec := v1.Group("/recovery")
			rec.Use(g.requireOperator)
			{
				rec.GET("/manual", g.handleListManual)
				rec.POST("/tasks/:id", g.handleEnqueueRecovery)
			}
		}
	}
	return router
}

// requireOperator gates the operator surfaces. Without a configured token
// the deployment trusts its network perimeter; with one, every operator
// request must present it.
func (g *Gateway) requireOperator(c *gin.Context) {
	if g.operatorToken == "" {
		return
	}
	token := c.GetHeader(operatorHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.operatorToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator token required"})
	}
}

func (g *Gateway) userID(c *gin.Context) (string, bool) {
	user := c.GetHeader(userHeader)
	if user == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
		return "", false
	}
	return user, true
}

type submitContentResponse struct {
	analysis.Outcome
	ContentHash string `json:"content_hash"`
}

// handleSubmitContent is the direct upload boundary: the document bytes in
// the request body are reduced to their keyed content identity and the
// analysis is requested under it. The raw bytes are never stored here;
// only the identity leaves this handler.
func (g *Gateway) handleSubmitContent(c *gin.Context) {
	user, ok := g.userID(c)
	if !ok {
		return
	}
	agentVersion := c.Query("agent_version")
	if agentVersion == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_version query parameter is required"})
		return
	}
	if c.Request.ContentLength == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty upload"})
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	contentHash, err := g.hasher.ContentHashReader(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read upload: " + err.Error()})
		return
	}

	outcome, err := g.svc.RequestAnalysis(c.Request.Context(), user, contentHash, agentVersion)
	if err != nil {
		g.writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if outcome.CacheHit {
		status = http.StatusOK
	}
	c.JSON(status, submitContentResponse{Outcome: outcome, ContentHash: contentHash})
}

type requestAnalysisBody struct {
	ContentHash  string `json:"content_hash" binding:"required"`
	AgentVersion string `json:"agent_version" binding:"required"`
}

func (g *Gateway) handleRequestAnalysis(c *gin.Context) {
	user, ok := g.userID(c)
	if !ok {
		return
	}
	var body requestAnalysisBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := g.svc.RequestAnalysis(c.Request.Context(), user, body.ContentHash, body.AgentVersion)
	if err != nil {
		g.writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if outcome.CacheHit {
		status = http.StatusOK
	}
	c.JSON(status, outcome)
}

func (g *Gateway) handleGetResult(c *gin.Context) {
	user, ok := g.userID(c)
	if !ok {
		return
	}
	result, err := g.svc.GetResult(c.Request.Context(), possession.UserIdentity(user), c.Param("hash"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

func (g *Gateway) handleProgress(c *gin.Context) {
	user, ok := g.userID(c)
	if !ok {
		return
	}
	agentVersion := c.Query("agent_version")
	if agentVersion == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_version query parameter is required"})
		return
	}

	entry, err := g.svc.Progress(c.Request.Context(), possession.UserIdentity(user), c.Param("hash"), agentVersion)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":          entry.TaskID,
		"state":            entry.CurrentState,
		"progress_percent": entry.ProgressPercent,
		"step_description": entry.StepDescription,
	})
}

func (g *Gateway) handleCancel(c *gin.Context) {
	user, ok := g.userID(c)
	if !ok {
		return
	}
	if err := g.svc.Cancel(c.Request.Context(), user, c.Param("hash")); err != nil {
		g.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (g *Gateway) handleGetTask(c *gin.Context) {
	entry, err := g.reg.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (g *Gateway) handleTaskHistory(c *gin.Context) {
	history, err := g.reg.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (g *Gateway) handleListManual(c *gin.Context) {
	entries, err := g.orch.ListManual(c.Request.Context())
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type enqueueRecoveryBody struct {
	Method string `json:"method" binding:"required"`
}

func (g *Gateway) handleEnqueueRecovery(c *gin.Context) {
	var body enqueueRecoveryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := g.orch.Enqueue(c.Request.Context(), c.Param("id"), recovery.Method(body.Method))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, entry)
}

// writeError maps domain errors to HTTP statuses. Access denial and
// not-found both say nothing about whether the content exists.
func (g *Gateway) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, analysis.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, analysis.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "analysis not ready"})
	case errors.Is(err, registry.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
	case errors.Is(err, cache.ErrNotTracked):
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis request to cancel"})
	case errors.Is(err, registry.ErrInvalidInput), errors.Is(err, cache.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		g.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
