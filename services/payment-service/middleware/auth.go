package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/tuitrade/backend/services/common/auth"
	apperrors "github.com/tuitrade/backend/services/common/errors"
	"github.com/tuitrade/backend/services/common/logger"
	"go.uber.org/zap"
)

const UserKey = "userID"

// AuthMiddleware verifies the bearer token on every request and stores the principal
// under UserKey.
func AuthMiddleware(verifier auth.Verifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := verifier.Verify(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			msg := "Invalid or expired token"
			if errors.Is(err, auth.ErrMissingCredential) {
				msg = "Authorization header required"
			}
			logger.FromContext(c.Request.Context(), log).Debug("Authentication failed", zap.Error(err))
			apperrors.Respond(c, apperrors.Unauthenticated(msg, err))
			return
		}
		c.Set(UserKey, principal)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if val, exists := c.Get(UserKey); exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
