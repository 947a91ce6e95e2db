package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fundescrow/internal/model"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/outbox"
)

// IdentityKey is where the auth middleware stores the caller.
const IdentityKey = "identity"

func identity(c *gin.Context) model.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Identity{}
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound), errors.Is(err, outbox.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrVotingClosed):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrGatewayDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrGatewayTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, log *zap.Logger, op string, err error) {
	status := statusOf(err)
	l := logger.WithTrace(c.Request.Context(), log).With(zap.String("op", op), zap.Error(err))
	if status == http.StatusInternalServerError {
		l.Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	l.Warn("request rejected", zap.Int("status", status))

	body := gin.H{"error": err.Error()}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
	}
	c.JSON(status, body)
}

func bindJSON(c *gin.Context, log *zap.Logger, op string, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, log, op, model.NewValidationError("body", err.Error()))
		return false
	}
	return true
}
