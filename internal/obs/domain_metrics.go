package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CouponValidationsTotal counts coupon validation outcomes.
	CouponValidationsTotal *prometheus.CounterVec
	// CheckoutOrdersTotal counts order submissions by payment method and outcome.
	CheckoutOrdersTotal *prometheus.CounterVec
	// OrderSubmitLatency records order creation latency in milliseconds.
	OrderSubmitLatency *prometheus.HistogramVec
	// ReconciliationRequiredTotal counts charges that succeeded without an order record.
	ReconciliationRequiredTotal prometheus.Counter
	// ReconcileAttemptsTotal counts background reconciliation attempts by outcome.
	ReconcileAttemptsTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// SupportAlertsTotal counts support alerts by outcome.
	SupportAlertsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CouponValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_validations_total",
			Help:      "Count of coupon validation outcomes.",
		}, []string{"result"})
		CheckoutOrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_orders_total",
			Help:      "Count of order submissions by payment method and outcome.",
		}, []string{"payment_method", "result"})
		OrderSubmitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_order_submit_duration_ms",
			Help:      "Latency of order creation calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"payment_method"})
		ReconciliationRequiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_reconciliation_required_total",
			Help:      "Charges that succeeded while order creation failed.",
		})
		ReconcileAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_attempts_total",
			Help:      "Background reconciliation attempts by outcome.",
		}, []string{"result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		SupportAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "support_alerts_total",
			Help:      "Support alerts raised for stranded charges.",
		}, []string{"result"})

		mustRegisterCollector(reg, CouponValidationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CouponValidationsTotal = v
			}
		})
		mustRegisterCollector(reg, CheckoutOrdersTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutOrdersTotal = v
			}
		})
		mustRegisterCollector(reg, OrderSubmitLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				OrderSubmitLatency = v
			}
		})
		mustRegisterCollector(reg, ReconciliationRequiredTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ReconciliationRequiredTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileAttemptsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReconcileAttemptsTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, SupportAlertsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SupportAlertsTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
