package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type PaymentStatus string

const (
	StatusCreated   PaymentStatus = "Created"
	StatusPending   PaymentStatus = "Pending"
	StatusCompleted PaymentStatus = "Completed"
	StatusFailed    PaymentStatus = "Failed"
	StatusCancelled PaymentStatus = "Cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type EventType string

const (
	EventAuthorized   EventType = "authorized"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventCancelled    EventType = "cancelled"
	EventPerformCheck EventType = "perform-check"
)

// Currency is the sole currency supported by all three gateways.
// Amounts are stored in tiyin (1 UZS = 100 tiyin).
const Currency = "UZS"

const TiyinPerSum = 100

// PaymentIntent is the logical payment-transaction record, one per order.
// Mutated only through state machine transitions.
type PaymentIntent struct {
	OrderID           string        `json:"order_id"`
	GatewayName       string        `json:"gateway_name"`
	AmountTiyin       int64         `json:"amount_tiyin"`
	Currency          string        `json:"currency"`
	ReferenceDoctype  string        `json:"reference_doctype"`
	ReferenceDocname  string        `json:"reference_docname"`
	Status            PaymentStatus `json:"status"`
	GatewayTxnID      string        `json:"gateway_txn_id,omitempty"`
	PaymentURL        string        `json:"payment_url,omitempty"`
	RedirectURL       string        `json:"redirect_url,omitempty"`
	NotificationURL   string        `json:"notification_url,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// GatewayCredential holds decrypted merchant credentials for one gateway.
// Decryption is the configuration store's concern; this service only
// consumes the plain values through the credential cache.
type GatewayCredential struct {
	GatewayName string            `json:"gateway_name"`
	MerchantID  string            `json:"merchant_id"`
	SecretKey   string            `json:"-"`
	Extra       map[string]string `json:"extra,omitempty"` // service_id, terminal_id
}

// CallbackEvent is a parsed, gateway-agnostic inbound callback.
type CallbackEvent struct {
	GatewayName  string
	OrderID      string
	GatewayTxnID string
	AmountTiyin  int64
	EventType    EventType
	Raw          map[string]string
	ReceivedAt   time.Time
}

// Fingerprint identifies a callback by its semantic content so that
// gateway retries collapse to one record even when the raw payload
// differs in ordering or whitespace.
func (e *CallbackEvent) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%s",
		e.GatewayName, e.OrderID, e.GatewayTxnID, e.AmountTiyin, e.EventType)))
	return hex.EncodeToString(sum[:])
}

// Notification statuses for outbound webhook delivery.
const (
	NotificationQueued    = "Queued"
	NotificationDelivered = "Delivered"
	NotificationFailed    = "Permanently Failed"
)

// Notification is an outbound payment-status notification owed to the
// reference document or a downstream system. Delivery is retried
// independently of the payment state transition.
type Notification struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	TargetURL     string    `json:"target_url"`
	Payload       []byte    `json:"payload"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
