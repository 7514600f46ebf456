package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tuitrade/backend/services/payment-service/middleware"
)

// GetOrder handles GET /getOrder?orderId=. Only the buyer or the seller may read an order.
func (pc *PaymentController) GetOrder(c *gin.Context) {
	order, err := pc.service.GetOrder(c.Request.Context(), middleware.GetUserID(c), c.Query("orderId"))
	if err != nil {
		pc.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
