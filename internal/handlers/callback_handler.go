package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/gateway"
	"github.com/uzpay/gateway-service/internal/service"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

type CallbackHandler struct {
	processor *service.Processor
}

func NewCallbackHandler(processor *service.Processor) *CallbackHandler {
	return &CallbackHandler{processor: processor}
}

// HandleCallback receives a gateway callback. The body is captured
// verbatim for signature verification; form fields are parsed for the
// form-encoded gateways.
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	gatewayName := c.Param("gateway")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		telemetry.Logger.Warn("Failed to read callback body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err := c.Request.ParseForm(); err != nil {
		telemetry.Logger.Warn("Failed to parse callback form", zap.Error(err))
	}

	req := &gateway.CallbackRequest{
		Header: c.Request.Header,
		Form:   c.Request.Form,
		Body:   body,
	}

	status, envelope := h.processor.HandleCallback(c.Request.Context(), gatewayName, c.ClientIP(), req)
	c.JSON(status, envelope)
}
