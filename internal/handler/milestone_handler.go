package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fundescrow/internal/escrow"
	"fundescrow/internal/milestone"
	"fundescrow/internal/model"
)

type MilestoneHandler struct {
	milestones *milestone.Service
	escrow     *escrow.Controller
	logger     *zap.Logger
}

func NewMilestoneHandler(milestones *milestone.Service, escrow *escrow.Controller, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{milestones: milestones, escrow: escrow, logger: logger}
}

// Get GET /milestones/:id
func (h *MilestoneHandler) Get(c *gin.Context) {
	m, err := h.milestones.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get_milestone", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Update PUT /milestones/:id
func (h *MilestoneHandler) Update(c *gin.Context) {
	var req draftRequest
	if !bindJSON(c, h.logger, "update_milestone", &req) {
		return
	}
	m, err := h.milestones.UpdateDraft(c.Request.Context(), identity(c), c.Param("id"), req.TargetAmount, req.Description)
	if err != nil {
		writeError(c, h.logger, "update_milestone", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type milestoneAction func(ctx context.Context, actor model.Identity, milestoneID string) (*model.Milestone, error)

func (h *MilestoneHandler) action(op string, fn milestoneAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := fn(c.Request.Context(), identity(c), c.Param("id"))
		if err != nil {
			writeError(c, h.logger, op, err)
			return
		}
		h.logger.Info("milestone updated",
			zap.String("op", op),
			zap.String("milestone_id", m.ID),
			zap.String("state", string(m.State)),
		)
		c.JSON(http.StatusOK, m)
	}
}

// Submit POST /milestones/:id/submit
func (h *MilestoneHandler) Submit() gin.HandlerFunc { return h.action("submit", h.milestones.Submit) }

// Discard POST /milestones/:id/discard
func (h *MilestoneHandler) Discard() gin.HandlerFunc { return h.action("discard", h.milestones.Discard) }

// OpenVoting POST /milestones/:id/voting
func (h *MilestoneHandler) OpenVoting() gin.HandlerFunc {
	return h.action("open_voting", h.milestones.OpenVoting)
}

type voteRequest struct {
	Type    model.VoteType `json:"type" binding:"required"`
	Comment string         `json:"comment"`
}

// Vote POST /milestones/:id/votes
func (h *MilestoneHandler) Vote(c *gin.Context) {
	var req voteRequest
	if !bindJSON(c, h.logger, "vote", &req) {
		return
	}
	v, err := h.milestones.CastVote(c.Request.Context(), identity(c), c.Param("id"), req.Type, req.Comment)
	if err != nil {
		writeError(c, h.logger, "vote", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Tally GET /milestones/:id/tally
func (h *MilestoneHandler) Tally(c *gin.Context) {
	r, err := h.milestones.Tally(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "tally", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approve_weight":        r.ApproveWeight,
		"reject_weight":         r.RejectWeight,
		"total_eligible_weight": r.TotalEligibleWeight,
		"voter_count":           r.VoterCount,
		"quorum_met":            r.QuorumMet,
		"decision":              r.Decision,
		"reason":                r.Reason,
	})
}

// Close POST /milestones/:id/close
func (h *MilestoneHandler) Close(c *gin.Context) {
	m, err := h.milestones.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "close", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Transactions GET /milestones/:id/transactions
func (h *MilestoneHandler) Transactions(c *gin.Context) {
	txs, err := h.escrow.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "transactions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}
