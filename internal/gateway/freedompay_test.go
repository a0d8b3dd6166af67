package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/uzpay/gateway-service/internal/models"
)

func freedomPayBody(merchantID, terminalID, txnID, orderID string, amount int64, status string) []byte {
	return []byte(fmt.Sprintf(
		`{"merchant_id":%q,"terminal_id":%q,"transaction_id":%q,"order_id":%q,"amount":%d,"status":%q}`,
		merchantID, terminalID, txnID, orderID, amount, status))
}

// freedomPaySign follows the FreedomPay scheme: HMAC-SHA256 keyed on
// the secret, over the field concatenation with the secret appended.
func freedomPaySign(secret, merchantID, terminalID, txnID, orderID string, amount int64, status string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(merchantID + terminalID + txnID + orderID + fmt.Sprintf("%d", amount) + status + secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestFreedomPayVerifySignature(t *testing.T) {
	gw := NewFreedomPay(http.DefaultClient, "http://example.invalid", "http://cb.invalid")
	cred := &models.GatewayCredential{
		GatewayName: FreedomPay,
		MerchantID:  "m1",
		SecretKey:   "fp-secret",
		Extra:       map[string]string{"terminal_id": "t9"},
	}

	body := freedomPayBody("m1", "t9", "fp-100", "ORDER-123", 10000000, "success")
	sig := freedomPaySign(cred.SecretKey, "m1", "t9", "fp-100", "ORDER-123", 10000000, "success")

	header := http.Header{}
	header.Set("X-Signature", sig)
	if !gw.VerifySignature(&CallbackRequest{Header: header, Form: url.Values{}, Body: body}, cred) {
		t.Fatal("expected valid signature to verify")
	}

	// Signature may also travel in the body.
	signedBody := []byte(fmt.Sprintf(
		`{"merchant_id":"m1","terminal_id":"t9","transaction_id":"fp-100","order_id":"ORDER-123","amount":10000000,"status":"success","signature":%q}`,
		sig))
	if !gw.VerifySignature(&CallbackRequest{Header: http.Header{}, Form: url.Values{}, Body: signedBody}, cred) {
		t.Fatal("expected body signature to verify")
	}

	tampered := freedomPayBody("m1", "t9", "fp-100", "ORDER-123", 10000001, "success")
	if gw.VerifySignature(&CallbackRequest{Header: header, Form: url.Values{}, Body: tampered}, cred) {
		t.Error("expected tampered amount to fail verification")
	}

	if gw.VerifySignature(&CallbackRequest{Header: http.Header{}, Form: url.Values{}, Body: body}, cred) {
		t.Error("expected missing signature to fail verification")
	}
}

func TestFreedomPaySignStringAppendsSecret(t *testing.T) {
	gw := NewFreedomPay(http.DefaultClient, "http://example.invalid", "http://cb.invalid")
	cred := &models.GatewayCredential{
		GatewayName: FreedomPay,
		MerchantID:  "m1",
		SecretKey:   "fp-secret",
		Extra:       map[string]string{"terminal_id": "t9"},
	}
	body := freedomPayBody("m1", "t9", "fp-100", "ORDER-123", 10000000, "success")

	// A digest over the field concatenation without the trailing secret
	// is not the FreedomPay signature and must be rejected.
	mac := hmac.New(sha256.New, []byte(cred.SecretKey))
	mac.Write([]byte("m1" + "t9" + "fp-100" + "ORDER-123" + "10000000" + "success"))
	truncated := hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Signature", truncated)
	if gw.VerifySignature(&CallbackRequest{Header: header, Form: url.Values{}, Body: body}, cred) {
		t.Error("expected digest without secret suffix to fail verification")
	}

	header.Set("X-Signature", freedomPaySign(cred.SecretKey, "m1", "t9", "fp-100", "ORDER-123", 10000000, "success"))
	if !gw.VerifySignature(&CallbackRequest{Header: header, Form: url.Values{}, Body: body}, cred) {
		t.Error("expected digest with secret suffix to verify")
	}
}

func TestFreedomPayVerifyUsesCallbackTerminalID(t *testing.T) {
	gw := NewFreedomPay(http.DefaultClient, "http://example.invalid", "http://cb.invalid")

	// The callback's own terminal_id field participates in the sign
	// string; the credential copy is only a fallback.
	cred := &models.GatewayCredential{
		GatewayName: FreedomPay,
		MerchantID:  "m1",
		SecretKey:   "fp-secret",
		Extra:       map[string]string{"terminal_id": "t-stale"},
	}
	body := freedomPayBody("m1", "t9", "fp-100", "ORDER-123", 10000000, "success")
	sig := freedomPaySign(cred.SecretKey, "m1", "t9", "fp-100", "ORDER-123", 10000000, "success")

	header := http.Header{}
	header.Set("X-Signature", sig)
	if !gw.VerifySignature(&CallbackRequest{Header: header, Form: url.Values{}, Body: body}, cred) {
		t.Error("expected signature over the callback's terminal_id to verify")
	}
}

func TestFreedomPayParseCallback(t *testing.T) {
	gw := NewFreedomPay(http.DefaultClient, "http://example.invalid", "http://cb.invalid")

	cases := []struct {
		status string
		want   models.EventType
	}{
		{"success", models.EventCompleted},
		{"cancelled", models.EventCancelled},
		{"declined", models.EventFailed},
		{"check", models.EventPerformCheck},
		{"pending", models.EventAuthorized},
	}
	for _, tc := range cases {
		body := freedomPayBody("m1", "t9", "fp-100", "ORDER-123", 10000000, tc.status)
		ev, err := gw.ParseCallback(&CallbackRequest{Header: http.Header{}, Form: url.Values{}, Body: body})
		if err != nil {
			t.Fatalf("ParseCallback(%s): %v", tc.status, err)
		}
		if ev.EventType != tc.want {
			t.Errorf("status %s: expected %s, got %s", tc.status, tc.want, ev.EventType)
		}
	}

	if _, err := gw.ParseCallback(&CallbackRequest{Header: http.Header{}, Form: url.Values{}, Body: []byte(`{}`)}); err == nil {
		t.Error("expected missing order_id to be rejected")
	}
}
