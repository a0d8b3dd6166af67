package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
)

// FreedomPayGateway integrates freedompay.uz. Callbacks are JSON signed
// with HMAC-SHA256 over the fixed field concatenation
// merchant_id + terminal_id + transaction_id + order_id + amount +
// status + secret_key, keyed on the secret as well.
type FreedomPayGateway struct {
	client      *http.Client
	endpoint    string
	callbackURL string
}

func NewFreedomPay(client *http.Client, endpoint, callbackURL string) *FreedomPayGateway {
	return &FreedomPayGateway{client: client, endpoint: endpoint, callbackURL: callbackURL}
}

func (g *FreedomPayGateway) Name() string              { return FreedomPay }
func (g *FreedomPayGateway) SupportedCurrency() string { return models.Currency }

type freedomPayCallback struct {
	MerchantID    string          `json:"merchant_id"`
	TerminalID    string          `json:"terminal_id"`
	TransactionID json.RawMessage `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	Amount        int64           `json:"amount"`
	Status        string          `json:"status"`
	Signature     string          `json:"signature"`
}

func (g *FreedomPayGateway) VerifySignature(req *CallbackRequest, cred *models.GatewayCredential) bool {
	if cred == nil || cred.SecretKey == "" {
		return false
	}

	var cb freedomPayCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return false
	}

	provided := req.Header.Get("X-Signature")
	if provided == "" {
		provided = cb.Signature
	}
	if provided == "" {
		return false
	}

	terminalID := cb.TerminalID
	if terminalID == "" {
		terminalID = cred.Extra["terminal_id"]
	}
	signString := cb.MerchantID +
		terminalID +
		rawToString(cb.TransactionID) +
		cb.OrderID +
		strconv.FormatInt(cb.Amount, 10) +
		cb.Status +
		cred.SecretKey

	mac := hmac.New(sha256.New, []byte(cred.SecretKey))
	mac.Write([]byte(signString))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

func (g *FreedomPayGateway) ParseCallback(req *CallbackRequest) (*models.CallbackEvent, error) {
	var cb freedomPayCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return nil, payerr.Wrap(payerr.CodeMalformedCallback, "invalid FreedomPay callback body", err)
	}
	if cb.OrderID == "" {
		return nil, payerr.New(payerr.CodeMalformedCallback, "missing order_id")
	}

	eventType, ok := freedomPayEventType(cb.Status)
	if !ok {
		return nil, payerr.Newf(payerr.CodeMalformedCallback, "unknown FreedomPay status %q", cb.Status)
	}

	return &models.CallbackEvent{
		GatewayName:  FreedomPay,
		OrderID:      cb.OrderID,
		GatewayTxnID: rawToString(cb.TransactionID),
		AmountTiyin:  cb.Amount,
		EventType:    eventType,
		ReceivedAt:   time.Now(),
	}, nil
}

func freedomPayEventType(status string) (models.EventType, bool) {
	switch status {
	case "success", "ok", "completed", "paid":
		return models.EventCompleted, true
	case "cancelled", "canceled", "revoked":
		return models.EventCancelled, true
	case "failed", "error", "declined":
		return models.EventFailed, true
	case "check":
		return models.EventPerformCheck, true
	case "pending", "created":
		return models.EventAuthorized, true
	}
	return "", false
}

type freedomPayCheckoutResponse struct {
	PaymentURL    string          `json:"payment_url"`
	PaymentID     json.RawMessage `json:"payment_id"`
	TransactionID json.RawMessage `json:"transaction_id"`
}

func (g *FreedomPayGateway) BuildPaymentURL(ctx context.Context, p *PaymentRequest, cred *models.GatewayCredential) (*CheckoutResult, error) {
	terminalID := cred.Extra["terminal_id"]
	amount := strconv.FormatInt(p.AmountTiyin, 10)

	payload := map[string]any{
		"merchant_id":  cred.MerchantID,
		"terminal_id":  terminalID,
		"amount":       p.AmountTiyin,
		"order_id":     p.OrderID,
		"description":  p.Description,
		"return_url":   p.RedirectURL,
		"callback_url": g.callbackURL,
	}

	mac := hmac.New(sha256.New, []byte(cred.SecretKey))
	mac.Write([]byte(cred.MerchantID + terminalID + amount + p.OrderID + cred.SecretKey))
	payload["signature"] = hex.EncodeToString(mac.Sum(nil))

	var resp freedomPayCheckoutResponse
	headers := map[string]string{"Accept": "application/json"}
	if err := postJSON(ctx, g.client, g.endpoint, headers, payload, &resp); err != nil {
		return nil, payerr.Wrap(payerr.CodeGatewayAPIError, "FreedomPay checkout request failed", err)
	}
	if resp.PaymentURL == "" || len(resp.PaymentID) == 0 {
		return nil, payerr.New(payerr.CodeGatewayAPIError, "missing payment_url or payment_id in FreedomPay response")
	}

	txnID := rawToString(resp.TransactionID)
	if txnID == "" {
		txnID = rawToString(resp.PaymentID)
	}
	return &CheckoutResult{PaymentURL: resp.PaymentURL, GatewayTxnID: txnID}, nil
}

func (g *FreedomPayGateway) SuccessResponse(status models.PaymentStatus) (int, any) {
	return http.StatusOK, map[string]any{"status": "ok", "payment_status": string(status)}
}

func (g *FreedomPayGateway) FailureResponse(err error) (int, any) {
	httpStatus := http.StatusOK
	switch {
	case payerr.Is(err, payerr.CodeInvalidSignature):
		httpStatus = http.StatusUnauthorized
	case payerr.Is(err, payerr.CodeRateLimited):
		httpStatus = http.StatusTooManyRequests
	case payerr.Transient(err):
		httpStatus = http.StatusServiceUnavailable
	}
	return httpStatus, map[string]any{"status": "error", "message": publicMessage(err)}
}
