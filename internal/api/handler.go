package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"payment-service/internal/gateway"
	"payment-service/internal/service"
	"payment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	orchestrator *service.Orchestrator
}

// NewHandler creates a new HTTP handler
func NewHandler(orchestrator *service.Orchestrator) *Handler {
	return &Handler{
		orchestrator: orchestrator,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhook/paypal/ipn", h.paypalIPN)
	router.POST("/webhook/:provider", h.webhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments", h.createPayment)
		v1.GET("/payment-methods", h.listPaymentMethods)
		v1.GET("/frontend-config/:provider", h.frontendConfig)
		v1.GET("/transactions/:id", h.transactionStatus)
		v1.POST("/transactions/:id/cancel", h.cancelTransaction)
		v1.POST("/transactions/:id/refund", h.refundTransaction)
		v1.POST("/transactions/:id/capture", h.capturePayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	resp := gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	}
	if errs := h.orchestrator.StartupErrors(); len(errs) > 0 {
		resp["gateway_warnings"] = errs
	}
	c.JSON(http.StatusOK, resp)
}

// createPayment initiates a payment for an order
func (h *Handler) createPayment(c *gin.Context) {
	var req service.PaymentRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orchestrator.ProcessPayment(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// listPaymentMethods returns the active payment methods
func (h *Handler) listPaymentMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"payment_methods": h.orchestrator.ListPaymentMethods(),
	})
}

// frontendConfig returns the public checkout configuration for a provider
func (h *Handler) frontendConfig(c *gin.Context) {
	provider := c.Param("provider")
	method := c.Query("method")

	cfg, err := h.orchestrator.FrontendConfig(c.Request.Context(), provider, method)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// transactionStatus checks the current provider-side status of a transaction
func (h *Handler) transactionStatus(c *gin.Context) {
	result, err := h.orchestrator.CheckTransactionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelTransaction cancels a transaction that has not settled yet
func (h *Handler) cancelTransaction(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.orchestrator.CancelTransaction(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type refundRequest struct {
	Amount *float64 `json:"amount"`
	Reason string   `json:"reason"`
}

// refundTransaction refunds an approved transaction, fully or partially
func (h *Handler) refundTransaction(c *gin.Context) {
	var req refundRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.orchestrator.RefundTransaction(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// capturePayment captures a previously authorized transaction
func (h *Handler) capturePayment(c *gin.Context) {
	result, err := h.orchestrator.CapturePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// webhook receives asynchronous notifications from a payment provider
func (h *Handler) webhook(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid webhook payload",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orchestrator.ProcessWebhook(c.Request.Context(), c.Param("provider"), payload)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// paypalIPN receives PayPal Instant Payment Notifications. The endpoint
// always acknowledges with 200 so PayPal stops retrying; failures are
// carried in the response body and in the webhook log.
func (h *Handler) paypalIPN(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"verified": false,
			"message":  "malformed form body",
		})
		return
	}

	result, err := h.orchestrator.ProcessPayPalIPN(c.Request.Context(), c.Request.PostForm)
	if err != nil {
		util.GetLogger().Warn("IPN processing failed",
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"verified": false,
			"message":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// writeError maps domain errors to HTTP status codes
func writeError(c *gin.Context, err error) {
	switch {
	case gateway.IsValidation(err) || gateway.IsInvalidCallback(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case gateway.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case gateway.IsNotAvailable(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		var perr *gateway.ProviderError
		if errors.As(err, &perr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": perr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal error",
			"details": err.Error(),
		})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
