package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"testing"

	"github.com/uzpay/gateway-service/internal/models"
)

func paymeSign(t *testing.T, body []byte, secret string) string {
	t.Helper()
	canonical, err := canonicalJSON(body)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func paymeRequest(body []byte, signature string) *CallbackRequest {
	header := http.Header{}
	if signature != "" {
		header.Set("X-Payme-Signature", signature)
	}
	return &CallbackRequest{Header: header, Form: url.Values{}, Body: body}
}

func TestPaymeVerifySignature(t *testing.T) {
	gw := NewPayme(http.DefaultClient, "http://example.invalid", "http://cb.invalid")
	cred := &models.GatewayCredential{GatewayName: Payme, MerchantID: "m1", SecretKey: "payme-secret"}

	body := []byte(`{"id": 42, "status": "paid", "amount": 10000000, "account": {"order_id": "ORDER-123"}}`)
	sig := paymeSign(t, body, cred.SecretKey)

	if !gw.VerifySignature(paymeRequest(body, sig), cred) {
		t.Fatal("expected valid signature to verify")
	}

	// Same payload with different field order and whitespace must still verify.
	reordered := []byte(`{"account":{"order_id":"ORDER-123"},"amount":10000000,"id":42,"status":"paid"}`)
	if !gw.VerifySignature(paymeRequest(reordered, sig), cred) {
		t.Fatal("expected reordered payload to verify against same signature")
	}
}

func TestPaymeVerifySignatureRejectsMutations(t *testing.T) {
	gw := NewPayme(http.DefaultClient, "http://example.invalid", "http://cb.invalid")
	cred := &models.GatewayCredential{GatewayName: Payme, SecretKey: "payme-secret"}

	body := []byte(`{"id": 42, "status": "paid", "amount": 10000000, "account": {"order_id": "ORDER-123"}}`)
	sig := paymeSign(t, body, cred.SecretKey)

	mutated := []byte(`{"id": 42, "status": "paid", "amount": 10000001, "account": {"order_id": "ORDER-123"}}`)
	if gw.VerifySignature(paymeRequest(mutated, sig), cred) {
		t.Error("expected mutated payload to fail verification")
	}

	badSig := []byte(sig)
	if badSig[0] == 'a' {
		badSig[0] = 'b'
	} else {
		badSig[0] = 'a'
	}
	if gw.VerifySignature(paymeRequest(body, string(badSig)), cred) {
		t.Error("expected mutated signature to fail verification")
	}

	if gw.VerifySignature(paymeRequest(body, ""), cred) {
		t.Error("expected missing signature to fail verification")
	}
	if gw.VerifySignature(paymeRequest([]byte(`not json`), sig), cred) {
		t.Error("expected malformed body to fail verification")
	}
	if gw.VerifySignature(paymeRequest(body, sig), &models.GatewayCredential{}) {
		t.Error("expected empty credential to fail verification")
	}
}

func TestPaymeParseCallback(t *testing.T) {
	gw := NewPayme(http.DefaultClient, "http://example.invalid", "http://cb.invalid")

	body := []byte(`{"id": "txn-9", "status": "paid", "amount": 10000000, "account": {"order_id": "ORDER-123"}}`)
	ev, err := gw.ParseCallback(paymeRequest(body, ""))
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if ev.OrderID != "ORDER-123" || ev.GatewayTxnID != "txn-9" {
		t.Errorf("unexpected identifiers: %+v", ev)
	}
	if ev.AmountTiyin != 10000000 {
		t.Errorf("expected amount 10000000 tiyin, got %d", ev.AmountTiyin)
	}
	if ev.EventType != models.EventCompleted {
		t.Errorf("expected completed event, got %s", ev.EventType)
	}

	checkBody := []byte(`{"id": 7, "status": "check", "amount": 10000000, "account": {"order_id": "ORDER-123"}}`)
	ev, err = gw.ParseCallback(paymeRequest(checkBody, ""))
	if err != nil {
		t.Fatalf("ParseCallback check: %v", err)
	}
	if ev.EventType != models.EventPerformCheck {
		t.Errorf("expected perform-check event, got %s", ev.EventType)
	}
	if ev.GatewayTxnID != "7" {
		t.Errorf("expected numeric txn id rendered as string, got %q", ev.GatewayTxnID)
	}

	if _, err := gw.ParseCallback(paymeRequest([]byte(`{"status":"paid"}`), "")); err == nil {
		t.Error("expected missing order_id to be rejected")
	}
	if _, err := gw.ParseCallback(paymeRequest([]byte(`{"status":"??","account":{"order_id":"X"}}`), "")); err == nil {
		t.Error("expected unknown status to be rejected")
	}
}

func TestCallbackFingerprintCollapsesRetries(t *testing.T) {
	gw := NewPayme(http.DefaultClient, "http://example.invalid", "http://cb.invalid")

	a := []byte(`{"id": "txn-9", "status": "paid", "amount": 10000000, "account": {"order_id": "ORDER-123"}}`)
	b := []byte(`{"account":{"order_id":"ORDER-123"},  "amount":10000000,"id":"txn-9","status":"paid"}`)

	evA, err := gw.ParseCallback(paymeRequest(a, ""))
	if err != nil {
		t.Fatal(err)
	}
	evB, err := gw.ParseCallback(paymeRequest(b, ""))
	if err != nil {
		t.Fatal(err)
	}
	if evA.Fingerprint() != evB.Fingerprint() {
		t.Error("semantically identical callbacks must share a fingerprint")
	}

	evB.EventType = models.EventCancelled
	if evA.Fingerprint() == evB.Fingerprint() {
		t.Error("different event types must not share a fingerprint")
	}
}
