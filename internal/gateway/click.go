package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
)

// ClickGateway integrates click.uz. Callbacks are form-encoded; the
// sign_string field is an MD5 digest over the concatenation defined by
// the Click merchant protocol. Click sends two callback phases:
// action=0 (prepare, a pre-flight check) and action=1 (complete).
type ClickGateway struct {
	client      *http.Client
	endpoint    string
	callbackURL string
}

func NewClick(client *http.Client, endpoint, callbackURL string) *ClickGateway {
	return &ClickGateway{client: client, endpoint: endpoint, callbackURL: callbackURL}
}

func (g *ClickGateway) Name() string              { return Click }
func (g *ClickGateway) SupportedCurrency() string { return models.Currency }

func (g *ClickGateway) VerifySignature(req *CallbackRequest, cred *models.GatewayCredential) bool {
	if cred == nil || cred.SecretKey == "" {
		return false
	}
	provided := req.Form.Get("sign_string")
	if provided == "" {
		return false
	}

	serviceID := req.Form.Get("service_id")
	signString := req.Form.Get("click_trans_id") +
		serviceID +
		cred.SecretKey +
		req.Form.Get("merchant_trans_id") +
		req.Form.Get("amount") +
		req.Form.Get("action") +
		req.Form.Get("sign_time")
	if e := req.Form.Get("error"); e != "" && e != "0" {
		signString += e
	}

	sum := md5.Sum([]byte(signString))
	expected := hex.EncodeToString(sum[:])

	return hmac.Equal([]byte(expected), []byte(provided))
}

func (g *ClickGateway) ParseCallback(req *CallbackRequest) (*models.CallbackEvent, error) {
	orderID := req.Form.Get("merchant_trans_id")
	if orderID == "" {
		return nil, payerr.New(payerr.CodeMalformedCallback, "missing merchant_trans_id")
	}

	// Click reports the amount as a decimal sum string ("100000.00").
	amount, err := strconv.ParseFloat(req.Form.Get("amount"), 64)
	if err != nil {
		return nil, payerr.Wrap(payerr.CodeMalformedCallback, "unparseable amount", err)
	}
	amountTiyin := int64(math.Round(amount * models.TiyinPerSum))

	eventType, err := clickEventType(req.Form.Get("action"), req.Form.Get("error"))
	if err != nil {
		return nil, err
	}

	return &models.CallbackEvent{
		GatewayName:  Click,
		OrderID:      orderID,
		GatewayTxnID: req.Form.Get("click_trans_id"),
		AmountTiyin:  amountTiyin,
		EventType:    eventType,
		ReceivedAt:   time.Now(),
	}, nil
}

func clickEventType(action, errCode string) (models.EventType, error) {
	if errCode != "" && errCode != "0" {
		return models.EventFailed, nil
	}
	switch action {
	case "0": // prepare
		return models.EventPerformCheck, nil
	case "1": // complete
		return models.EventCompleted, nil
	case "-1":
		return models.EventCancelled, nil
	}
	return "", payerr.Newf(payerr.CodeMalformedCallback, "unknown Click action %q", action)
}

type clickCheckoutResponse struct {
	ClickTransID any    `json:"click_trans_id"`
	PaymentURL   string `json:"payment_url"`
	RedirectURL  string `json:"redirect_url"`
}

func (g *ClickGateway) BuildPaymentURL(ctx context.Context, p *PaymentRequest, cred *models.GatewayCredential) (*CheckoutResult, error) {
	serviceID := cred.Extra["service_id"]
	amount := strconv.FormatInt(p.AmountTiyin, 10)

	payload := map[string]any{
		"merchant_id":       cred.MerchantID,
		"service_id":        serviceID,
		"amount":            p.AmountTiyin,
		"transaction_param": p.OrderID,
		"return_url":        p.RedirectURL,
		"callback_url":      g.callbackURL,
	}

	sum := md5.Sum([]byte(cred.MerchantID + serviceID + amount + p.OrderID + p.RedirectURL + cred.SecretKey))
	payload["sign_string"] = hex.EncodeToString(sum[:])

	var resp clickCheckoutResponse
	if err := postJSON(ctx, g.client, g.endpoint, nil, payload, &resp); err != nil {
		return nil, payerr.Wrap(payerr.CodeGatewayAPIError, "Click checkout request failed", err)
	}

	paymentURL := resp.PaymentURL
	if paymentURL == "" {
		paymentURL = resp.RedirectURL
	}
	if resp.ClickTransID == nil || paymentURL == "" {
		return nil, payerr.New(payerr.CodeGatewayAPIError, "missing click_trans_id or payment URL in Click response")
	}

	return &CheckoutResult{
		PaymentURL:   paymentURL,
		GatewayTxnID: anyToString(resp.ClickTransID),
	}, nil
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	}
	return ""
}

// Click expects HTTP 200 with its numeric error envelope in both
// directions; transport-level statuses are reserved for throttling.
func (g *ClickGateway) SuccessResponse(status models.PaymentStatus) (int, any) {
	return http.StatusOK, map[string]any{"error": 0, "error_note": "Success"}
}

func (g *ClickGateway) FailureResponse(err error) (int, any) {
	code := -8
	httpStatus := http.StatusOK
	switch {
	case payerr.Is(err, payerr.CodeInvalidSignature):
		code = -1
	case payerr.Is(err, payerr.CodeInvalidAmount):
		code = -2
	case payerr.Is(err, payerr.CodeAlreadyFinalized):
		code = -4
	case payerr.Is(err, payerr.CodeUnknownOrder):
		code = -5
	case payerr.Is(err, payerr.CodeRateLimited):
		httpStatus = http.StatusTooManyRequests
	case payerr.Transient(err):
		httpStatus = http.StatusServiceUnavailable
	}
	return httpStatus, map[string]any{"error": code, "error_note": publicMessage(err)}
}
