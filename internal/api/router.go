package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uzpay/gateway-service/internal/handlers"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

func NewRouter(
	callbackHandler *handlers.CallbackHandler,
	paymentHandler *handlers.PaymentHandler,
	credentialHandler *handlers.CredentialHandler,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "uzpay-gateway"})
	})

	// Gateway callbacks
	r.POST("/callback/:gateway", callbackHandler.HandleCallback)

	// Payment routes
	r.POST("/payments/url", paymentHandler.GetPaymentURL)
	r.GET("/payments/:order_id", paymentHandler.GetPayment)
	r.GET("/notifications/failed", paymentHandler.FailedNotifications)

	// Credential administration
	r.PUT("/credentials/:gateway", credentialHandler.UpdateCredential)
	r.POST("/credentials/:gateway/invalidate", credentialHandler.InvalidateCredential)

	return r
}
