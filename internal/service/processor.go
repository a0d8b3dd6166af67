package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/cache"
	"github.com/uzpay/gateway-service/internal/gateway"
	"github.com/uzpay/gateway-service/internal/idempotency"
	"github.com/uzpay/gateway-service/internal/interfaces"
	"github.com/uzpay/gateway-service/internal/lock"
	"github.com/uzpay/gateway-service/internal/metrics"
	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
	"github.com/uzpay/gateway-service/internal/ratelimit"
	"github.com/uzpay/gateway-service/internal/statemachine"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

// Processor orchestrates one inbound callback:
// rate limit → verify → lock → idempotency → state machine → envelope.
type Processor struct {
	registry *gateway.Registry
	creds    *cache.CredentialCache
	limiter  *ratelimit.Limiter
	locker   lock.Locker
	idem     idempotency.Store
	machine  *statemachine.StateMachine
	repo     interfaces.PaymentRepository
	events   EventPublisher

	lockTimeout    time.Duration
	processTimeout time.Duration
}

func NewProcessor(
	registry *gateway.Registry,
	creds *cache.CredentialCache,
	limiter *ratelimit.Limiter,
	locker lock.Locker,
	idem idempotency.Store,
	machine *statemachine.StateMachine,
	repo interfaces.PaymentRepository,
	events EventPublisher,
	lockTimeout time.Duration,
) *Processor {
	return &Processor{
		registry:       registry,
		creds:          creds,
		limiter:        limiter,
		locker:         locker,
		idem:           idem,
		machine:        machine,
		repo:           repo,
		events:         events,
		lockTimeout:    lockTimeout,
		processTimeout: 30 * time.Second,
	}
}

// HandleCallback processes one inbound callback and returns the HTTP
// status and gateway-specific envelope to answer with.
func (p *Processor) HandleCallback(ctx context.Context, gatewayName, sourceIP string, req *gateway.CallbackRequest) (int, any) {
	start := time.Now()

	gw, ok := p.registry.Get(gatewayName)
	if !ok {
		return http.StatusNotFound, map[string]any{"error": "unknown gateway"}
	}

	httpStatus, body, outcome := p.process(ctx, gw, sourceIP, req)

	metrics.CallbacksTotal.WithLabelValues(gw.Name(), outcome).Inc()
	metrics.CallbackDuration.WithLabelValues(gw.Name()).Observe(time.Since(start).Seconds())
	return httpStatus, body
}

func (p *Processor) process(ctx context.Context, gw gateway.Gateway, sourceIP string, req *gateway.CallbackRequest) (int, any, string) {
	allowed, err := p.limiter.Allow(ctx, sourceIP, gw.Name())
	if err != nil {
		telemetry.Logger.Warn("Rate limiter store unavailable, failing open", zap.Error(err))
	}
	if !allowed {
		metrics.RateLimitRejections.Inc()
		s, b := gw.FailureResponse(payerr.New(payerr.CodeRateLimited, "rate limit exceeded"))
		return s, b, "rate_limited"
	}

	cred, err := p.creds.Get(ctx, gw.Name())
	if err != nil {
		telemetry.Logger.Error("Credential fetch failed",
			zap.String("gateway", gw.Name()), zap.Error(err))
		s, b := gw.FailureResponse(payerr.Wrap(payerr.CodeProcessingInFlight, "credentials unavailable", err))
		return s, b, "error"
	}

	if !gw.VerifySignature(req, cred) {
		metrics.SignatureFailures.WithLabelValues(gw.Name()).Inc()
		s, b := gw.FailureResponse(payerr.New(payerr.CodeInvalidSignature, "invalid signature"))
		return s, b, "invalid_signature"
	}

	ev, err := gw.ParseCallback(req)
	if err != nil {
		s, b := gw.FailureResponse(err)
		return s, b, "malformed"
	}

	// From here on the stored outcome must not depend on the caller
	// staying connected: detach from the request context, keep a bound.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.processTimeout)
	defer cancel()

	handle, err := p.locker.Acquire(pctx, ev.OrderID, p.lockTimeout)
	if err != nil {
		if payerr.Code(err) == "" {
			err = payerr.Wrap(payerr.CodeLockTimeout, "could not acquire order lock", err)
		}
		s, b := gw.FailureResponse(err)
		return s, b, "lock_timeout"
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := p.locker.Release(releaseCtx, handle); err != nil {
			telemetry.Logger.Error("Failed to release order lock",
				zap.String("order_id", ev.OrderID), zap.Error(err))
		}
	}()

	intent, err := p.repo.GetIntent(pctx, ev.OrderID)
	if errors.Is(err, sql.ErrNoRows) {
		s, b := gw.FailureResponse(payerr.Newf(payerr.CodeUnknownOrder, "no payment intent for order %s", ev.OrderID))
		return s, b, "unknown_order"
	}
	if err != nil {
		s, b := gw.FailureResponse(payerr.Wrap(payerr.CodeProcessingInFlight, "intent lookup failed", err))
		return s, b, "error"
	}

	// perform-check never mutates, so it bypasses the idempotency store.
	if ev.EventType == models.EventPerformCheck {
		res, err := p.machine.Apply(pctx, intent, ev)
		if err != nil {
			s, b := gw.FailureResponse(err)
			return s, b, "check_failed"
		}
		s, b := gw.SuccessResponse(res.Status)
		return s, b, "check_ok"
	}

	fingerprint := ev.Fingerprint()
	outcome, err := p.idem.CheckAndRecord(pctx, fingerprint)
	if err != nil {
		s, b := gw.FailureResponse(err)
		return s, b, "error"
	}
	if outcome.Seen {
		metrics.DuplicateCallbacks.WithLabelValues(gw.Name()).Inc()
		if outcome.Result == idempotency.ResultProcessing {
			s, b := gw.FailureResponse(payerr.New(payerr.CodeProcessingInFlight, "callback still being applied"))
			return s, b, "in_flight"
		}
		s, b := gw.SuccessResponse(models.PaymentStatus(outcome.Result))
		return s, b, "duplicate"
	}

	prior := intent.Status
	res, err := p.machine.Apply(pctx, intent, ev)
	if err != nil {
		if failErr := p.idem.Fail(pctx, fingerprint); failErr != nil {
			telemetry.Logger.Error("Failed to clear idempotency placeholder",
				zap.String("fingerprint", fingerprint), zap.Error(failErr))
		}
		s, b := gw.FailureResponse(err)
		return s, b, "error"
	}

	if err := p.idem.Complete(pctx, fingerprint, string(res.Status)); err != nil {
		telemetry.Logger.Error("Failed to record idempotency result",
			zap.String("fingerprint", fingerprint), zap.Error(err))
	}

	if !res.AlreadyFinal && res.Status != prior && p.events != nil {
		if err := p.events.PublishStateChange(pctx, ev.OrderID, prior, res.Status); err != nil {
			telemetry.Logger.Warn("Failed to publish state change event",
				zap.String("order_id", ev.OrderID), zap.Error(err))
		}
	}

	outcomeLabel := "applied"
	if res.AlreadyFinal {
		outcomeLabel = "already_final"
	}
	s, b := gw.SuccessResponse(res.Status)
	return s, b, outcomeLabel
}
