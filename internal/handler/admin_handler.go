package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fundescrow/internal/escrow"
	"fundescrow/internal/model"
	"fundescrow/pkg/outbox"
	"fundescrow/pkg/rbac"
)

type AdminHandler struct {
	escrow        *escrow.Controller
	replayService *outbox.ReplayService
	logger        *zap.Logger
}

func NewAdminHandler(escrow *escrow.Controller, replayService *outbox.ReplayService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		escrow:        escrow,
		replayService: replayService,
		logger:        logger,
	}
}

// ForceSettle POST /admin/milestones/:id/force-settle
func (h *AdminHandler) ForceSettle(c *gin.Context) {
	out, err := h.escrow.ForceSettle(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "force_settle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestone":   out.Milestone,
		"transaction": out.Transaction,
	})
}

// ResumeTransaction POST /admin/transactions/:id/resume
func (h *AdminHandler) ResumeTransaction(c *gin.Context) {
	out, err := h.escrow.Resume(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "resume_transaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestone":   out.Milestone,
		"transaction": out.Transaction,
	})
}

// Escalations GET /admin/escalations
func (h *AdminHandler) Escalations(c *gin.Context) {
	list, err := h.escrow.ListEscalations(c.Request.Context(), identity(c))
	if err != nil {
		writeError(c, h.logger, "list_escalations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": list})
}

// ResolveEscalation POST /admin/escalations/:id/resolve
func (h *AdminHandler) ResolveEscalation(c *gin.Context) {
	e, err := h.escrow.ResolveEscalation(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "resolve_escalation", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func canReplay(c *gin.Context) error {
	id := identity(c)
	if err := rbac.CheckPermission(id.UserID, id.Role, rbac.PermissionReplayEvents); err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	return nil
}

// ReplayOutboxEvent republishes one outbox event.
// POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	if err := canReplay(c); err != nil {
		writeError(c, h.logger, "replay_event", err)
		return
	}
	eventID, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		writeError(c, h.logger, "replay_event", model.NewValidationError("id", "must be an event id"))
		return
	}

	if err := h.replayService.ReplayEvent(c.Request.Context(), eventID); err != nil {
		writeError(c, h.logger, "replay_event", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents republishes every failed event.
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	if err := canReplay(c); err != nil {
		writeError(c, h.logger, "replay_failed", err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	successCount, err := h.replayService.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, "replay_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}
