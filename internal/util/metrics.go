package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	}, []string{"gateway", "method"})

	PaymentAttemptsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_failed_total",
		Help: "Total number of failed payment attempts",
	}, []string{"gateway", "reason"})

	PaymentsApprovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_approved_total",
		Help: "Total number of payments reaching approved status",
	}, []string{"gateway"})

	PaymentsRefundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_refunded_total",
		Help: "Total number of refunds executed",
	}, []string{"gateway", "partial"})

	PaymentsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_cancelled_total",
		Help: "Total number of transactions cancelled",
	}, []string{"gateway"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of webhook notifications received",
	}, []string{"gateway"})

	WebhooksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_failed_total",
		Help: "Total number of webhook notifications that failed processing",
	}, []string{"gateway", "reason"})

	IPNVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipn_verifications_total",
		Help: "Total number of PayPal IPN verification attempts",
	}, []string{"outcome"})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of order status transitions applied",
	}, []string{"to"})

	OrderStatusRegressionsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_status_regressions_blocked_total",
		Help: "Total number of late callbacks blocked from regressing a terminal status",
	})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of outbound payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "operation"})

	PendingReconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pending_reconciliations_total",
		Help: "Total number of pending transactions re-checked by the worker",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
