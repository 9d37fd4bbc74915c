// Package api exposes the thin HTTP surface: exception ingest, timeline
// reads, human step approval, DLQ administration, and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redress-io/redress/pkg/broker"
	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/database"
	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/playbook"
	"github.com/redress-io/redress/pkg/repository"
	"github.com/redress-io/redress/pkg/tool"
)

// Server wires the HTTP handlers.
type Server struct {
	db        *sqlx.DB
	broker    broker.Broker
	publisher *events.Publisher
	executor  *playbook.ExecutionService
	registry  *config.PackRegistry
	log       *slog.Logger
}

// NewServer creates the API server.
func NewServer(db *sqlx.DB, b broker.Broker, publisher *events.Publisher, executor *playbook.ExecutionService, registry *config.PackRegistry) *Server {
	return &Server{
		db:        db,
		broker:    b,
		publisher: publisher,
		executor:  executor,
		registry:  registry,
		log:       slog.Default().With("component", "api"),
	}
}

// Router builds the gin router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/exceptions", s.handleRaiseException)
		v1.GET("/exceptions/:id/timeline", s.handleTimeline)
		v1.POST("/exceptions/:id/steps/complete", s.handleCompleteStep)
		v1.POST("/exceptions/:id/steps/skip", s.handleSkipStep)
		v1.POST("/dlq/:id/retry", s.handleDLQRetry)
		v1.POST("/dlq/:id/discard", s.handleDLQDiscard)
	}
	return router
}

// apiError is the uniform failure envelope.
type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(c *gin.Context, status int, code, message string, retryable bool) {
	c.JSON(status, gin.H{"error": apiError{Code: code, Message: message, Retryable: retryable}})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB)
	brokerErr := s.broker.Health(ctx)

	status := http.StatusOK
	overall := "healthy"
	if err != nil || brokerErr != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	body := gin.H{
		"status":   overall,
		"database": dbHealth,
		"packs":    s.registry.Stats(),
	}
	if brokerErr != nil {
		body["broker"] = brokerErr.Error()
	} else {
		body["broker"] = "healthy"
	}
	c.JSON(status, body)
}

type raiseExceptionRequest struct {
	TenantID          string         `json:"tenant_id" binding:"required"`
	ExceptionID       string         `json:"exception_id"`
	SourceSystem      string         `json:"source_system" binding:"required"`
	ExceptionType     string         `json:"exception_type" binding:"required"`
	Severity          string         `json:"severity"`
	RawPayload        map[string]any `json:"raw_payload"`
	NormalizedContext map[string]any `json:"normalized_context"`
}

// handleRaiseException publishes ExceptionRaised; the intake worker owns
// persistence. API consumers never write exceptions directly.
func (s *Server) handleRaiseException(c *gin.Context) {
	var req raiseExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}
	if req.ExceptionID == "" {
		req.ExceptionID = uuid.NewString()
	}

	event := events.New(events.TypeExceptionRaised, req.TenantID, req.ExceptionID,
		models.Actor{Type: models.ActorSystem, ID: req.SourceSystem},
		models.JSONMap{
			"source_system":      req.SourceSystem,
			"exception_type":     req.ExceptionType,
			"severity":           req.Severity,
			"raw_payload":        req.RawPayload,
			"normalized_context": req.NormalizedContext,
		})

	if err := s.publisher.Publish(c.Request.Context(), event); err != nil {
		writeError(c, http.StatusServiceUnavailable, "publish_failed", err.Error(), true)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"exception_id": req.ExceptionID,
		"event_id":     event.EventID,
	})
}

func (s *Server) handleTimeline(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "tenant_id query parameter is required", false)
		return
	}

	eventsRepo := repository.NewEventRepo(s.db)
	timeline, err := eventsRepo.ListForException(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", err.Error(), true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": timeline})
}

type stepActionRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	PlaybookID int64  `json:"playbook_id" binding:"required"`
	StepOrder  int    `json:"step_order" binding:"required"`
	ActorType  string `json:"actor_type" binding:"required"`
	ActorID    string `json:"actor_id"`
	Notes      string `json:"notes"`
}

func (s *Server) handleCompleteStep(c *gin.Context) {
	s.handleStepAction(c, s.executor.CompleteStep)
}

func (s *Server) handleSkipStep(c *gin.Context) {
	s.handleStepAction(c, s.executor.SkipStep)
}

func (s *Server) handleStepAction(c *gin.Context, action func(context.Context, string, string, int64, int, models.Actor, string) error) {
	var req stepActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}

	actor := models.Actor{Type: models.ActorType(req.ActorType), ID: req.ActorID}
	err := action(c.Request.Context(), req.TenantID, c.Param("id"), req.PlaybookID, req.StepOrder, actor, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, playbook.ErrExecution):
			writeError(c, http.StatusConflict, "playbook_execution_error", err.Error(), false)
		case errors.Is(err, tool.ErrValidation), errors.Is(err, tool.ErrURLValidation):
			writeError(c, http.StatusUnprocessableEntity, "tool_validation_error", err.Error(), false)
		case errors.Is(err, tool.ErrCircuitOpen):
			writeError(c, http.StatusServiceUnavailable, "circuit_breaker_open", err.Error(), true)
		default:
			writeError(c, http.StatusInternalServerError, "internal", err.Error(), true)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type dlqActionRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	ActorID  string `json:"actor_id" binding:"required"`
}

// handleDLQRetry republishes a dead-lettered event and records the admin
// action in the governance audit log.
func (s *Server) handleDLQRetry(c *gin.Context) {
	var req dlqActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid_request", "invalid DLQ id", false)
		return
	}

	ctx := c.Request.Context()
	dlq := repository.NewDLQRepo(s.db)

	pending, err := dlq.ListPending(ctx, req.TenantID, 1000)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", err.Error(), true)
		return
	}
	var target *repository.DeadLetterEvent
	for i := range pending {
		if pending[i].ID == id {
			target = &pending[i]
			break
		}
	}
	if target == nil {
		writeError(c, http.StatusNotFound, "not_found", "dead letter not found or not pending", false)
		return
	}

	// Reset the ledger row so the worker can re-claim, then republish.
	ledger := repository.NewLedgerRepo(s.db)
	if err := ledger.Fail(ctx, target.EventID, target.WorkerName, "admin retry"); err != nil {
		writeError(c, http.StatusInternalServerError, "internal", err.Error(), true)
		return
	}

	event := &events.CanonicalEvent{
		EventID:       target.EventID,
		EventType:     target.EventType,
		TenantID:      target.TenantID,
		ExceptionID:   target.ExceptionID,
		CorrelationID: target.ExceptionID,
		ActorType:     models.ActorSystem,
		ActorID:       "dlq-retry",
		Payload:       target.Payload,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		writeError(c, http.StatusServiceUnavailable, "publish_failed", err.Error(), true)
		return
	}
	if err := dlq.MarkRetrying(ctx, req.TenantID, id); err != nil {
		writeError(c, http.StatusInternalServerError, "internal", err.Error(), true)
		return
	}

	governance := repository.NewGovernanceRepo(s.db)
	_ = governance.Append(ctx, req.TenantID,
		models.Actor{Type: models.ActorUser, ID: req.ActorID},
		"dlq_retry", target.EventID, models.JSONMap{"dlq_id": id})

	c.JSON(http.StatusOK, gin.H{"status": "retrying"})
}

func (s *Server) handleDLQDiscard(c *gin.Context) {
	var req dlqActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid_request", "invalid DLQ id", false)
		return
	}

	ctx := c.Request.Context()
	dlq := repository.NewDLQRepo(s.db)
	if err := dlq.Discard(ctx, req.TenantID, id, req.ActorID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "dead letter not found", false)
			return
		}
		writeError(c, http.StatusInternalServerError, "internal", err.Error(), true)
		return
	}

	governance := repository.NewGovernanceRepo(s.db)
	_ = governance.Append(ctx, req.TenantID,
		models.Actor{Type: models.ActorUser, ID: req.ActorID},
		"dlq_discard", c.Param("id"), nil)

	c.JSON(http.StatusOK, gin.H{"status": "discarded"})
}

func parseID(raw string) (int64, bool) {
	var id int64
	_, err := fmt.Sscanf(raw, "%d", &id)
	return id, err == nil
}
