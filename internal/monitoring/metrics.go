/**
 * @description
 * Prometheus metrics for the affiliate-service. All metrics are registered on
 * the default registry via promauto and exposed on /metrics by the router.
 */

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepsTotal counts system-wide reconciliation passes by trigger source.
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "affiliate_sweeps_total",
		Help: "Total number of reconciliation sweeps, labeled by trigger.",
	}, []string{"trigger"})

	// SweepDuration observes the wall time of a full system-wide sweep.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "affiliate_sweep_duration_seconds",
		Help:    "Duration of system-wide reconciliation sweeps.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ReferralsProcessedTotal counts individual dispatch attempts by outcome code.
	ReferralsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "affiliate_referrals_processed_total",
		Help: "Total referral dispatch attempts, labeled by outcome.",
	}, []string{"outcome"})

	// CommissionPaidTotal accumulates commission paid out, in minor currency units.
	CommissionPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "affiliate_commission_paid_minor_units_total",
		Help: "Cumulative commission transferred to affiliates, in minor currency units.",
	})

	// WebhookEventsTotal counts verified webhook deliveries by event type.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "affiliate_webhook_events_total",
		Help: "Total webhook events accepted after signature verification, labeled by type.",
	}, []string{"type"})

	// WebhookRejectedTotal counts webhook deliveries rejected before processing.
	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "affiliate_webhook_rejected_total",
		Help: "Total webhook deliveries rejected, labeled by reason.",
	}, []string{"reason"})

	// EnrollmentsTotal counts affiliate enrollments.
	EnrollmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "affiliate_enrollments_total",
		Help: "Total affiliate enrollments accepted.",
	})
)
