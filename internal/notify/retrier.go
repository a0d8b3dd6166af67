package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/interfaces"
	"github.com/uzpay/gateway-service/internal/metrics"
	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

// Sender delivers one outbound notification.
type Sender interface {
	Send(ctx context.Context, n *models.Notification) error
}

// HTTPSender posts the notification payload to the target URL.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender(client *http.Client) *HTTPSender {
	return &HTTPSender{client: client}
}

func (s *HTTPSender) Send(ctx context.Context, n *models.Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.TargetURL, bytes.NewReader(n.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification target answered %d", resp.StatusCode)
	}
	return nil
}

// Retrier redelivers failed outbound notifications with exponential
// backoff: delay = base × 2^attempts, capped at maxAttempts total
// delivery attempts. Exhausted notifications are marked permanently
// failed and stay queryable for operators; they are never silently
// dropped. Redelivery only moves the notification, never the payment
// state.
type Retrier struct {
	store       interfaces.NotificationRepository
	sender      Sender
	base        time.Duration
	maxAttempts int
	poll        time.Duration
}

func NewRetrier(store interfaces.NotificationRepository, sender Sender, base time.Duration, maxAttempts int, poll time.Duration) *Retrier {
	return &Retrier{store: store, sender: sender, base: base, maxAttempts: maxAttempts, poll: poll}
}

func buildNotification(intent *models.PaymentIntent, status models.PaymentStatus) *models.Notification {
	payload, _ := json.Marshal(map[string]any{
		"order_id":          intent.OrderID,
		"status":            string(status),
		"gateway_name":      intent.GatewayName,
		"amount_tiyin":      intent.AmountTiyin,
		"currency":          intent.Currency,
		"reference_doctype": intent.ReferenceDoctype,
		"reference_docname": intent.ReferenceDocname,
	})
	return &models.Notification{
		ID:        uuid.NewString(),
		OrderID:   intent.OrderID,
		TargetURL: intent.NotificationURL,
		Payload:   payload,
		Status:    models.NotificationQueued,
	}
}

// Notify makes one synchronous delivery attempt.
func (r *Retrier) Notify(ctx context.Context, intent *models.PaymentIntent, status models.PaymentStatus) error {
	n := buildNotification(intent, status)
	if err := r.sender.Send(ctx, n); err != nil {
		metrics.NotificationAttempts.WithLabelValues("failed").Inc()
		return payerr.Wrap(payerr.CodeNotificationFailed, "synchronous notification failed", err)
	}
	metrics.NotificationAttempts.WithLabelValues("delivered").Inc()
	return nil
}

// Schedule queues the notification for redelivery. attempt is the
// number of delivery attempts already made.
func (r *Retrier) Schedule(ctx context.Context, intent *models.PaymentIntent, status models.PaymentStatus, attempt int) error {
	n := buildNotification(intent, status)
	n.Attempts = attempt
	if attempt >= r.maxAttempts {
		n.Status = models.NotificationFailed
		n.NextAttemptAt = time.Now()
		n.LastError = "retry budget exhausted before scheduling"
		return r.store.InsertNotification(ctx, n)
	}
	n.NextAttemptAt = time.Now().Add(r.delay(attempt))
	return r.store.InsertNotification(ctx, n)
}

func (r *Retrier) delay(attempts int) time.Duration {
	return r.base * (1 << attempts)
}

// Run polls for due notifications until the context is cancelled.
func (r *Retrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	telemetry.Logger.Info("Webhook retrier started",
		zap.Duration("base_delay", r.base),
		zap.Int("max_attempts", r.maxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.processDue(ctx)
		}
	}
}

func (r *Retrier) processDue(ctx context.Context) {
	due, err := r.store.DueNotifications(ctx, time.Now(), 50)
	if err != nil {
		telemetry.Logger.Error("Failed to fetch due notifications", zap.Error(err))
		return
	}

	for _, n := range due {
		r.attempt(ctx, n)
	}
}

func (r *Retrier) attempt(ctx context.Context, n *models.Notification) {
	err := r.sender.Send(ctx, n)
	attempts := n.Attempts + 1

	if err == nil {
		metrics.NotificationAttempts.WithLabelValues("delivered").Inc()
		if markErr := r.store.MarkNotification(ctx, n.ID, models.NotificationDelivered, attempts, time.Now(), ""); markErr != nil {
			telemetry.Logger.Error("Failed to mark notification delivered",
				zap.String("notification_id", n.ID), zap.Error(markErr))
		}
		return
	}

	metrics.NotificationAttempts.WithLabelValues("failed").Inc()

	if attempts >= r.maxAttempts {
		telemetry.Logger.Error("Notification permanently failed",
			zap.String("notification_id", n.ID),
			zap.String("order_id", n.OrderID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if markErr := r.store.MarkNotification(ctx, n.ID, models.NotificationFailed, attempts, time.Now(), err.Error()); markErr != nil {
			telemetry.Logger.Error("Failed to mark notification failed",
				zap.String("notification_id", n.ID), zap.Error(markErr))
		}
		return
	}

	next := time.Now().Add(r.delay(attempts))
	telemetry.Logger.Warn("Notification attempt failed, rescheduled",
		zap.String("notification_id", n.ID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	if markErr := r.store.MarkNotification(ctx, n.ID, models.NotificationQueued, attempts, next, err.Error()); markErr != nil {
		telemetry.Logger.Error("Failed to reschedule notification",
			zap.String("notification_id", n.ID), zap.Error(markErr))
	}
}
