package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tuitrade/backend/services/common/auth"
	commonmw "github.com/tuitrade/backend/services/common/middleware"
	"github.com/tuitrade/backend/services/payment-service/controllers"
	"github.com/tuitrade/backend/services/payment-service/middleware"
	"go.uber.org/zap"
)

const ServiceName = "payment-service"

// RegisterPaymentRoutes mounts the checkout endpoints. The webhook is authenticated by its
// Stripe signature, not by a bearer token. limiter may be nil.
func RegisterPaymentRoutes(r *gin.Engine, pc *controllers.PaymentController, verifier auth.Verifier, limiter *commonmw.RateLimiter, log *zap.Logger) {
	r.HandleMethodNotAllowed = true
	r.NoMethod(controllers.MethodNotAllowed)

	// CORS answers real preflights; these catch OPTIONS without an Origin header.
	preflight := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	for _, path := range []string{"/createPaymentIntent", "/stripeWebhook", "/getOrder"} {
		r.OPTIONS(path, preflight)
	}

	r.POST("/stripeWebhook", pc.StripeWebhook)

	authed := r.Group("")
	if limiter != nil {
		authed.Use(commonmw.RateLimitMiddleware(limiter))
	}
	authed.Use(middleware.AuthMiddleware(verifier, log))
	authed.POST("/createPaymentIntent", pc.CreatePaymentIntent)
	authed.GET("/getOrder", pc.GetOrder)

	r.GET("/health", controllers.Health(ServiceName))
}
