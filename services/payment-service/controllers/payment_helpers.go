package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/tuitrade/backend/services/common/errors"
	"github.com/tuitrade/backend/services/common/logger"
	"go.uber.org/zap"
)

// respondError writes err through the shared error taxonomy. Server errors are logged with
// their cause; client errors were already logged where they were decided.
func (pc *PaymentController) respondError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	if appErr.Code >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), pc.logger).Error(appErr.Message,
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	apperrors.Respond(c, appErr)
}

func (pc *PaymentController) respondBindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
}

// MethodNotAllowed is installed as the engine's NoMethod handler.
func MethodNotAllowed(c *gin.Context) {
	apperrors.Respond(c, apperrors.New(apperrors.KindMethodNotAllowed, "Method not allowed", nil))
}

// Health handles GET /health.
func Health(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK", "service": service})
	}
}
