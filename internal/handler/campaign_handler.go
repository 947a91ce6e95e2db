package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fundescrow/internal/donation"
	"fundescrow/internal/gateway"
	"fundescrow/internal/milestone"
)

type CampaignHandler struct {
	milestones *milestone.Service
	donations  *donation.Service
	logger     *zap.Logger
}

func NewCampaignHandler(milestones *milestone.Service, donations *donation.Service, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{milestones: milestones, donations: donations, logger: logger}
}

type registerCampaignRequest struct {
	CampaignerID string `json:"campaigner_id" binding:"required"`
	TargetAmount int64  `json:"target_amount" binding:"required"`
}

// Register POST /campaigns
func (h *CampaignHandler) Register(c *gin.Context) {
	var req registerCampaignRequest
	if !bindJSON(c, h.logger, "register_campaign", &req) {
		return
	}
	camp, err := h.milestones.RegisterCampaign(c.Request.Context(), identity(c), req.CampaignerID, req.TargetAmount)
	if err != nil {
		writeError(c, h.logger, "register_campaign", err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

// Get GET /campaigns/:id
func (h *CampaignHandler) Get(c *gin.Context) {
	camp, err := h.milestones.Campaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get_campaign", err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

type donateRequest struct {
	Amount int64                 `json:"amount" binding:"required"`
	Method gateway.PaymentMethod `json:"method"`
}

// Donate POST /campaigns/:id/donations, keyed by the Idempotency-Key header.
func (h *CampaignHandler) Donate(c *gin.Context) {
	var req donateRequest
	if !bindJSON(c, h.logger, "donate", &req) {
		return
	}
	d, err := h.donations.Donate(c.Request.Context(), identity(c), c.Param("id"), req.Amount, req.Method, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, h.logger, "donate", err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type draftRequest struct {
	TargetAmount int64  `json:"target_amount"`
	Description  string `json:"description"`
}

// CreateMilestone POST /campaigns/:id/milestones
func (h *CampaignHandler) CreateMilestone(c *gin.Context) {
	var req draftRequest
	if !bindJSON(c, h.logger, "create_milestone", &req) {
		return
	}
	m, err := h.milestones.CreateDraft(c.Request.Context(), identity(c), c.Param("id"), req.TargetAmount, req.Description)
	if err != nil {
		writeError(c, h.logger, "create_milestone", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// ListMilestones GET /campaigns/:id/milestones
func (h *CampaignHandler) ListMilestones(c *gin.Context) {
	ms, err := h.milestones.ListByCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "list_milestones", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms})
}
