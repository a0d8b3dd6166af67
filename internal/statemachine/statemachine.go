package statemachine

import (
	"context"

	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/interfaces"
	"github.com/uzpay/gateway-service/internal/metrics"
	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

// Notifier delivers the terminal-status callback to the reference
// document. Notify is one synchronous attempt; Schedule hands the
// notification to the retrier after a failed attempt.
type Notifier interface {
	Notify(ctx context.Context, intent *models.PaymentIntent, status models.PaymentStatus) error
	Schedule(ctx context.Context, intent *models.PaymentIntent, status models.PaymentStatus, attempt int) error
}

// Result of applying one callback event.
type Result struct {
	Status models.PaymentStatus
	// AlreadyFinal is set when the intent was in a terminal state and
	// the event asked for another terminal transition. Not an error:
	// gateways deliver completion and cancellation out of order.
	AlreadyFinal bool
	// CheckOnly is set for perform-check events, which never mutate.
	CheckOnly bool
}

// StateMachine drives the payment lifecycle
// Created → Pending → {Completed | Failed | Cancelled}.
// Callers must hold the per-order transaction lock and have passed the
// idempotency check; the machine itself only enforces ordering rules.
type StateMachine struct {
	repo     interfaces.PaymentRepository
	notifier Notifier
}

func New(repo interfaces.PaymentRepository, notifier Notifier) *StateMachine {
	return &StateMachine{repo: repo, notifier: notifier}
}

func targetStatus(et models.EventType) (models.PaymentStatus, bool) {
	switch et {
	case models.EventAuthorized:
		return models.StatusPending, true
	case models.EventCompleted:
		return models.StatusCompleted, true
	case models.EventFailed:
		return models.StatusFailed, true
	case models.EventCancelled:
		return models.StatusCancelled, true
	}
	return "", false
}

// Apply transitions the intent according to one verified callback event.
func (m *StateMachine) Apply(ctx context.Context, intent *models.PaymentIntent, ev *models.CallbackEvent) (*Result, error) {
	if ev.EventType == models.EventPerformCheck {
		if intent.Status.Terminal() {
			return nil, payerr.Newf(payerr.CodeAlreadyFinalized,
				"order %s is already %s", intent.OrderID, intent.Status)
		}
		if err := m.validatePayable(intent, ev); err != nil {
			return nil, err
		}
		return &Result{Status: intent.Status, CheckOnly: true}, nil
	}

	target, ok := targetStatus(ev.EventType)
	if !ok {
		return nil, payerr.Newf(payerr.CodeMalformedCallback, "unknown event type %q", ev.EventType)
	}

	if intent.Status.Terminal() {
		return &Result{Status: intent.Status, AlreadyFinal: true}, nil
	}

	if target == models.StatusCompleted {
		if err := m.validatePayable(intent, ev); err != nil {
			return nil, err
		}
	}

	from := intent.Status
	if from == target {
		return &Result{Status: target}, nil
	}

	// A completion arriving before any authorized event walks the
	// intent through Pending first.
	if from == models.StatusCreated && target.Terminal() {
		if _, err := m.transition(ctx, intent.OrderID, models.StatusCreated, models.StatusPending); err != nil {
			return nil, err
		}
		from = models.StatusPending
	}

	if _, err := m.transition(ctx, intent.OrderID, from, target); err != nil {
		return nil, err
	}
	intent.Status = target

	if ev.GatewayTxnID != "" && ev.GatewayTxnID != intent.GatewayTxnID {
		if err := m.repo.UpdateGatewayTxn(ctx, intent.OrderID, ev.GatewayTxnID); err != nil {
			telemetry.Logger.Warn("Failed to record gateway transaction id",
				zap.String("order_id", intent.OrderID),
				zap.Error(err),
			)
		}
	}

	if target.Terminal() {
		if target == models.StatusCompleted {
			metrics.PaymentAmountTiyin.WithLabelValues(intent.GatewayName).Add(float64(intent.AmountTiyin))
		}
		m.notifyReference(ctx, intent, target)
	}

	return &Result{Status: target}, nil
}

// validatePayable checks that the event matches the order it claims to
// settle. Used for perform-check and before completion. All three
// gateways carry the amount in checks and completions, so a zero or
// missing amount is rejected rather than waved through.
func (m *StateMachine) validatePayable(intent *models.PaymentIntent, ev *models.CallbackEvent) error {
	if intent.Currency != models.Currency {
		return payerr.Newf(payerr.CodeInvalidCurrency, "order %s is not in %s", intent.OrderID, models.Currency)
	}
	if ev.AmountTiyin != intent.AmountTiyin {
		return payerr.Newf(payerr.CodeInvalidAmount,
			"callback amount %d does not match order amount %d", ev.AmountTiyin, intent.AmountTiyin)
	}
	return nil
}

func (m *StateMachine) transition(ctx context.Context, orderID string, from, to models.PaymentStatus) (models.PaymentStatus, error) {
	rows, err := m.repo.TransitionStatus(ctx, orderID, from, to)
	if err != nil {
		return "", err
	}
	if rows == 0 {
		return "", payerr.Newf(payerr.CodeInvalidStateChange,
			"transition %s -> %s no longer applies for order %s", from, to, orderID)
	}

	telemetry.Logger.Info("Payment state transition",
		zap.String("order_id", orderID),
		zap.String("from_status", string(from)),
		zap.String("to_status", string(to)),
	)
	return to, nil
}

// notifyReference makes one synchronous on_payment_authorized call and
// hands the notification to the retrier on failure. The payment status
// is already persisted; notification delivery never decides correctness.
func (m *StateMachine) notifyReference(ctx context.Context, intent *models.PaymentIntent, status models.PaymentStatus) {
	if m.notifier == nil || intent.NotificationURL == "" {
		return
	}
	if err := m.notifier.Notify(ctx, intent, status); err != nil {
		telemetry.Logger.Warn("Reference notification failed, scheduling retry",
			zap.String("order_id", intent.OrderID),
			zap.Error(err),
		)
		if schedErr := m.notifier.Schedule(ctx, intent, status, 1); schedErr != nil {
			telemetry.Logger.Error("Failed to schedule notification retry",
				zap.String("order_id", intent.OrderID),
				zap.Error(schedErr),
			)
		}
	}
}
