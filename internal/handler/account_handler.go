package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fundescrow/internal/ledger"
	"fundescrow/internal/model"
	"fundescrow/pkg/rbac"
)

type AccountHandler struct {
	ledger *ledger.Service
	logger *zap.Logger
}

func NewAccountHandler(ledger *ledger.Service, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{ledger: ledger, logger: logger}
}

// ownerOf resolves whose account the request is about: the caller's own,
// or any account for an admin passing ?owner=.
func ownerOf(c *gin.Context, permission string) (string, error) {
	id := identity(c)
	if err := rbac.CheckPermission(id.UserID, id.Role, permission); err != nil {
		return "", fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	if owner := c.Query("owner"); owner != "" && owner != id.UserID {
		if !id.IsAdmin() {
			return "", fmt.Errorf("reading another account: %w", model.ErrForbidden)
		}
		return owner, nil
	}
	return id.UserID, nil
}

// Wallet GET /wallet
func (h *AccountHandler) Wallet(c *gin.Context) {
	owner, err := ownerOf(c, rbac.PermissionReadWallet)
	if err != nil {
		writeError(c, h.logger, "wallet", err)
		return
	}
	w, err := h.ledger.Wallet(c.Request.Context(), owner)
	if err != nil {
		writeError(c, h.logger, "wallet", err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Credit GET /credit
func (h *AccountHandler) Credit(c *gin.Context) {
	owner, err := ownerOf(c, rbac.PermissionReadWallet)
	if err != nil {
		writeError(c, h.logger, "credit", err)
		return
	}
	cr, err := h.ledger.Credit(c.Request.Context(), owner)
	if err != nil {
		writeError(c, h.logger, "credit", err)
		return
	}
	c.JSON(http.StatusOK, cr)
}

type amountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Withdraw POST /wallet/withdraw
func (h *AccountHandler) Withdraw(c *gin.Context) {
	var req amountRequest
	if !bindJSON(c, h.logger, "withdraw", &req) {
		return
	}
	id := identity(c)
	if err := rbac.CheckPermission(id.UserID, id.Role, rbac.PermissionWithdraw); err != nil {
		writeError(c, h.logger, "withdraw", fmt.Errorf("%v: %w", err, model.ErrForbidden))
		return
	}
	w, err := h.ledger.DebitWallet(c.Request.Context(), id.UserID, req.Amount)
	if err != nil {
		writeError(c, h.logger, "withdraw", err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Redeem POST /credit/redeem
func (h *AccountHandler) Redeem(c *gin.Context) {
	var req amountRequest
	if !bindJSON(c, h.logger, "redeem", &req) {
		return
	}
	id := identity(c)
	if err := rbac.CheckPermission(id.UserID, id.Role, rbac.PermissionRedeemCredit); err != nil {
		writeError(c, h.logger, "redeem", fmt.Errorf("%v: %w", err, model.ErrForbidden))
		return
	}
	cr, err := h.ledger.RedeemCredit(c.Request.Context(), id.UserID, req.Amount)
	if err != nil {
		writeError(c, h.logger, "redeem", err)
		return
	}
	c.JSON(http.StatusOK, cr)
}
