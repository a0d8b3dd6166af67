package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uzpay",
			Name:      "callbacks_total",
			Help:      "Inbound gateway callbacks by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	CallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "uzpay",
			Name:      "callback_duration_seconds",
			Help:      "Callback processing duration per gateway",
			Buckets: []float64{
				0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5,
			},
		},
		[]string{"gateway"},
	)

	SignatureFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uzpay",
			Name:      "signature_failures_total",
			Help:      "Callbacks rejected for invalid signatures",
		},
		[]string{"gateway"},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uzpay",
			Name:      "rate_limit_rejections_total",
			Help:      "Callbacks rejected by the per-IP rate limiter",
		},
	)

	DuplicateCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uzpay",
			Name:      "duplicate_callbacks_total",
			Help:      "Callbacks answered from the idempotency store",
		},
		[]string{"gateway"},
	)

	PaymentAmountTiyin = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uzpay",
			Name:      "payment_amount_tiyin_total",
			Help:      "Completed payment volume in tiyin per gateway",
		},
		[]string{"gateway"},
	)

	NotificationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uzpay",
			Name:      "notification_attempts_total",
			Help:      "Outbound notification delivery attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		CallbacksTotal,
		CallbackDuration,
		SignatureFailures,
		RateLimitRejections,
		DuplicateCallbacks,
		PaymentAmountTiyin,
		NotificationAttempts,
	)
}
