package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
)

// PaymeGateway integrates payme.uz. Callbacks are JSON bodies signed
// with HMAC-SHA256 over the canonical (key-sorted) JSON encoding of the
// payload; the signature travels in the X-Payme-Signature header.
type PaymeGateway struct {
	client      *http.Client
	endpoint    string
	callbackURL string
}

func NewPayme(client *http.Client, endpoint, callbackURL string) *PaymeGateway {
	return &PaymeGateway{client: client, endpoint: endpoint, callbackURL: callbackURL}
}

func (g *PaymeGateway) Name() string              { return Payme }
func (g *PaymeGateway) SupportedCurrency() string { return models.Currency }

func (g *PaymeGateway) VerifySignature(req *CallbackRequest, cred *models.GatewayCredential) bool {
	if cred == nil || cred.SecretKey == "" {
		return false
	}
	signature := req.Header.Get("X-Payme-Signature")
	if signature == "" {
		signature = req.Header.Get("Authorization")
	}
	if signature == "" {
		return false
	}

	canonical, err := canonicalJSON(req.Body)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(cred.SecretKey))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// canonicalJSON re-encodes a JSON document with object keys sorted, so
// that semantically identical payloads sign identically regardless of
// field order or whitespace. encoding/json writes map keys in sorted
// order; UseNumber keeps numeric literals intact across the round trip.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

type paymeCallback struct {
	RawID   json.RawMessage `json:"id"`
	Status  string          `json:"status"`
	Amount  int64           `json:"amount"`
	Account struct {
		OrderID string `json:"order_id"`
	} `json:"account"`
}

func (g *PaymeGateway) ParseCallback(req *CallbackRequest) (*models.CallbackEvent, error) {
	var cb paymeCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return nil, payerr.Wrap(payerr.CodeMalformedCallback, "invalid Payme callback body", err)
	}
	if cb.Account.OrderID == "" {
		return nil, payerr.New(payerr.CodeMalformedCallback, "missing account.order_id")
	}

	eventType, ok := paymeEventType(cb.Status)
	if !ok {
		return nil, payerr.Newf(payerr.CodeMalformedCallback, "unknown Payme status %q", cb.Status)
	}

	return &models.CallbackEvent{
		GatewayName:  Payme,
		OrderID:      cb.Account.OrderID,
		GatewayTxnID: rawToString(cb.RawID),
		AmountTiyin:  cb.Amount,
		EventType:    eventType,
		ReceivedAt:   time.Now(),
	}, nil
}

func paymeEventType(status string) (models.EventType, bool) {
	switch status {
	case "paid", "completed":
		return models.EventCompleted, true
	case "cancelled", "canceled":
		return models.EventCancelled, true
	case "failed", "error":
		return models.EventFailed, true
	case "check":
		return models.EventPerformCheck, true
	case "created", "pending", "waiting":
		return models.EventAuthorized, true
	}
	return "", false
}

// rawToString renders a JSON scalar (string or number) as a plain string.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

type paymeCheckoutResponse struct {
	Result struct {
		CheckoutURL string          `json:"checkout_url"`
		ID          json.RawMessage `json:"id"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *PaymeGateway) BuildPaymentURL(ctx context.Context, p *PaymentRequest, cred *models.GatewayCredential) (*CheckoutResult, error) {
	payload := map[string]any{
		"merchant_id": cred.MerchantID,
		"amount":      p.AmountTiyin,
		"account": map[string]any{
			"order_id":          p.OrderID,
			"reference_doctype": p.ReferenceDoctype,
			"reference_docname": p.ReferenceDocname,
		},
		"callback_url": g.callbackURL,
		"description":  p.Description,
	}

	var resp paymeCheckoutResponse
	err := postJSON(ctx, g.client, g.endpoint, map[string]string{"X-Auth": cred.SecretKey}, payload, &resp)
	if err != nil {
		return nil, payerr.Wrap(payerr.CodeGatewayAPIError, "Payme checkout request failed", err)
	}
	if resp.Error != nil {
		return nil, payerr.Newf(payerr.CodeGatewayAPIError, "Payme error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result.CheckoutURL == "" || len(resp.Result.ID) == 0 {
		return nil, payerr.New(payerr.CodeGatewayAPIError, "missing checkout_url or id in Payme response")
	}

	return &CheckoutResult{
		PaymentURL:   resp.Result.CheckoutURL,
		GatewayTxnID: rawToString(resp.Result.ID),
	}, nil
}

func (g *PaymeGateway) SuccessResponse(status models.PaymentStatus) (int, any) {
	return http.StatusOK, map[string]any{
		"result": map[string]any{"status": "success", "payment_status": string(status)},
	}
}

func (g *PaymeGateway) FailureResponse(err error) (int, any) {
	code, httpStatus := paymeErrorCode(err)
	return httpStatus, map[string]any{
		"error": map[string]any{"code": code, "message": publicMessage(err)},
	}
}

// Payme JSON-RPC style error codes.
func paymeErrorCode(err error) (int, int) {
	if payerr.Transient(err) {
		return -31099, http.StatusServiceUnavailable
	}
	switch payerr.Code(err) {
	case payerr.CodeInvalidSignature:
		return -32504, http.StatusUnauthorized
	case payerr.CodeRateLimited:
		return -32429, http.StatusTooManyRequests
	case payerr.CodeUnknownOrder:
		return -31050, http.StatusOK
	case payerr.CodeAlreadyFinalized:
		return -31051, http.StatusOK
	case payerr.CodeInvalidAmount:
		return -31001, http.StatusOK
	}
	return -32400, http.StatusOK
}

func publicMessage(err error) string {
	if code := payerr.Code(err); code != "" {
		return code
	}
	return fmt.Sprintf("%v", err)
}
