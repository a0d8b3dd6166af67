package interfaces

import (
	"context"
	"time"

	"github.com/uzpay/gateway-service/internal/models"
)

// PaymentRepository defines the contract for payment intent data access.
type PaymentRepository interface {
	InsertIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntent(ctx context.Context, orderID string) (*models.PaymentIntent, error)
	// TransitionStatus performs a compare-and-swap status update and
	// returns the number of rows changed (0 means the precondition
	// no longer held).
	TransitionStatus(ctx context.Context, orderID string, from, to models.PaymentStatus) (int64, error)
	UpdateGatewayTxn(ctx context.Context, orderID, gatewayTxnID string) error
	UpdatePaymentURL(ctx context.Context, orderID, paymentURL string) error
}

// NotificationRepository stores outbound notifications pending delivery.
type NotificationRepository interface {
	InsertNotification(ctx context.Context, n *models.Notification) error
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error)
	MarkNotification(ctx context.Context, id, status string, attempts int, nextAttemptAt time.Time, lastError string) error
	FailedNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
}

// CredentialSource is the configuration store read through by the
// credential cache.
type CredentialSource interface {
	FetchCredential(ctx context.Context, gatewayName string) (*models.GatewayCredential, error)
}
