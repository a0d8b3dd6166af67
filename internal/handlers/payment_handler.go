package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/cache"
	"github.com/uzpay/gateway-service/internal/interfaces"
	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
	"github.com/uzpay/gateway-service/internal/service"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

type PaymentHandler struct {
	processor     *service.Processor
	repo          interfaces.PaymentRepository
	notifications interfaces.NotificationRepository
}

func NewPaymentHandler(processor *service.Processor, repo interfaces.PaymentRepository, notifications interfaces.NotificationRepository) *PaymentHandler {
	return &PaymentHandler{processor: processor, repo: repo, notifications: notifications}
}

type paymentURLRequest struct {
	OrderID          string `json:"order_id" binding:"required"`
	Gateway          string `json:"gateway" binding:"required"`
	AmountSum        int64  `json:"amount" binding:"required"`
	Currency         string `json:"currency"`
	Description      string `json:"description"`
	ReferenceDoctype string `json:"reference_doctype"`
	ReferenceDocname string `json:"reference_docname"`
	RedirectURL      string `json:"redirect_url"`
	NotificationURL  string `json:"notification_url"`
	PayerName        string `json:"payer_name"`
	PayerEmail       string `json:"payer_email"`
}

// GetPaymentURL builds a checkout URL. The request amount is in UZS sum
// and converted to tiyin here.
func (h *PaymentHandler) GetPaymentURL(c *gin.Context) {
	var req paymentURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Currency == "" {
		req.Currency = models.Currency
	}

	url, err := h.processor.GetPaymentURL(c.Request.Context(), &service.PaymentURLRequest{
		OrderID:          req.OrderID,
		GatewayName:      req.Gateway,
		AmountTiyin:      req.AmountSum * models.TiyinPerSum,
		Currency:         req.Currency,
		Description:      req.Description,
		ReferenceDoctype: req.ReferenceDoctype,
		ReferenceDocname: req.ReferenceDocname,
		RedirectURL:      req.RedirectURL,
		NotificationURL:  req.NotificationURL,
		PayerName:        req.PayerName,
		PayerEmail:       req.PayerEmail,
	})
	if err != nil {
		telemetry.Logger.Warn("Payment URL request failed",
			zap.String("order_id", req.OrderID),
			zap.String("gateway", req.Gateway),
			zap.Error(err),
		)
		c.JSON(paymentURLErrorStatus(err), gin.H{"error": payerr.Code(err), "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": req.OrderID, "payment_url": url})
}

func paymentURLErrorStatus(err error) int {
	switch payerr.Code(err) {
	case payerr.CodeInvalidAmount, payerr.CodeInvalidCurrency, payerr.CodeUnknownOrder:
		return http.StatusBadRequest
	case payerr.CodeUnknownGateway:
		return http.StatusNotFound
	case payerr.CodeInvalidStateChange:
		return http.StatusConflict
	case payerr.CodeGatewayAPIError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	orderID := c.Param("order_id")

	intent, err := h.repo.GetIntent(c.Request.Context(), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}

	c.JSON(http.StatusOK, intent)
}

// FailedNotifications lists notifications that exhausted their retry
// budget, for operator inspection.
func (h *PaymentHandler) FailedNotifications(c *gin.Context) {
	failed, err := h.notifications.FailedNotifications(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": failed, "count": len(failed)})
}

// CredentialAdmin persists gateway credential updates.
type CredentialAdmin interface {
	UpsertCredential(ctx context.Context, cred *models.GatewayCredential) error
}

// CredentialHandler is the settings-update surface. Saving a credential
// invalidates the cache entry so the next callback reads fresh values.
type CredentialHandler struct {
	admin CredentialAdmin
	creds *cache.CredentialCache
}

func NewCredentialHandler(admin CredentialAdmin, creds *cache.CredentialCache) *CredentialHandler {
	return &CredentialHandler{admin: admin, creds: creds}
}

type credentialRequest struct {
	MerchantID string            `json:"merchant_id" binding:"required"`
	SecretKey  string            `json:"secret_key" binding:"required"`
	Extra      map[string]string `json:"extra"`
}

func (h *CredentialHandler) UpdateCredential(c *gin.Context) {
	gatewayName := c.Param("gateway")

	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	cred := &models.GatewayCredential{
		GatewayName: gatewayName,
		MerchantID:  req.MerchantID,
		SecretKey:   req.SecretKey,
		Extra:       req.Extra,
	}
	if err := h.admin.UpsertCredential(c.Request.Context(), cred); err != nil {
		telemetry.Logger.Error("Failed to save credential",
			zap.String("gateway", gatewayName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save credential"})
		return
	}

	h.creds.Invalidate(gatewayName)
	c.JSON(http.StatusOK, gin.H{"status": "updated", "gateway": gatewayName})
}

// InvalidateCredential is the explicit onCredentialUpdated hook for
// settings managed outside this service.
func (h *CredentialHandler) InvalidateCredential(c *gin.Context) {
	gatewayName := c.Param("gateway")
	h.creds.Invalidate(gatewayName)
	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "gateway": gatewayName})
}
