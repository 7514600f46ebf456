package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tuitrade/backend/services/common/logger"
	"github.com/tuitrade/backend/services/payment-service/middleware"
	"github.com/tuitrade/backend/services/payment-service/models"
	"github.com/tuitrade/backend/services/payment-service/services"
	"go.uber.org/zap"
)

// maxWebhookBytes caps the raw webhook body; Stripe events are far smaller.
const maxWebhookBytes = 64 << 10

const stripeSignatureHeader = "Stripe-Signature"

type PaymentController struct {
	service services.PaymentService
	logger  *zap.Logger
}

func NewPaymentController(service services.PaymentService, logger *zap.Logger) *PaymentController {
	return &PaymentController{service: service, logger: logger}
}

// CreatePaymentIntent handles POST /createPaymentIntent.
func (pc *PaymentController) CreatePaymentIntent(c *gin.Context) {
	var req models.CreatePaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pc.respondBindError(c, err)
		return
	}

	resp, err := pc.service.CreatePaymentIntent(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		pc.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StripeWebhook handles POST /stripeWebhook. The signature covers the exact bytes Stripe
// sent, so the body is read raw and never re-encoded.
func (pc *PaymentController) StripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	log := logger.FromContext(c.Request.Context(), pc.logger)
	event, err := pc.service.ParseWebhook(payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		log.Warn("Stripe webhook signature verification failed", zap.Error(err))
		pc.respondError(c, err)
		return
	}

	log.Info("Processing Stripe webhook",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
	)
	if err := pc.service.HandleWebhookEvent(c.Request.Context(), event); err != nil {
		pc.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
