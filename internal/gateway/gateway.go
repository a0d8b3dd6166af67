package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/uzpay/gateway-service/internal/models"
)

const (
	Payme      = "Payme"
	Click      = "Click"
	FreedomPay = "FreedomPay"
)

// CallbackRequest carries the raw inbound callback exactly as received.
// Parsing and signature verification are gateway-specific.
type CallbackRequest struct {
	Header http.Header
	Form   url.Values
	Body   []byte
}

// PaymentRequest is the input for building a gateway checkout URL.
// Amount is in tiyin.
type PaymentRequest struct {
	OrderID          string
	AmountTiyin      int64
	Description      string
	ReferenceDoctype string
	ReferenceDocname string
	RedirectURL      string
	PayerName        string
	PayerEmail       string
}

// CheckoutResult is the outcome of a checkout-creation call.
type CheckoutResult struct {
	PaymentURL   string
	GatewayTxnID string
}

// Gateway is the capability interface for one payment system. The set of
// implementations is closed: Payme, Click and FreedomPay, resolved by
// name through a Registry.
type Gateway interface {
	Name() string
	SupportedCurrency() string

	// VerifySignature authenticates an inbound callback against the
	// merchant credential. It returns false for any malformed input;
	// callers treat all false results identically.
	VerifySignature(req *CallbackRequest, cred *models.GatewayCredential) bool

	// ParseCallback extracts the gateway-agnostic event from the raw
	// callback.
	ParseCallback(req *CallbackRequest) (*models.CallbackEvent, error)

	// BuildPaymentURL creates a checkout session with the gateway API.
	BuildPaymentURL(ctx context.Context, p *PaymentRequest, cred *models.GatewayCredential) (*CheckoutResult, error)

	// SuccessResponse and FailureResponse produce the gateway-defined
	// HTTP envelope for a processed or rejected callback.
	SuccessResponse(status models.PaymentStatus) (int, any)
	FailureResponse(err error) (int, any)
}

// Registry resolves gateway implementations by name. A static lookup
// table, not open-ended dispatch.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, gw := range gws {
		r.gateways[gw.Name()] = gw
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, bool) {
	gw, ok := r.gateways[name]
	return gw, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// postJSON issues a JSON POST to a gateway API and decodes the response
// into out.
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
