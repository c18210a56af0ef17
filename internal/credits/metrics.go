package credits

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricWebhookEventsTotal    = "credits_webhook_events_total"
	MetricLedgerAppliesTotal    = "credits_ledger_applies_total"
	MetricCheckoutSessionsTotal = "credits_checkout_sessions_total"
	MetricRecoveriesTotal       = "credits_recoveries_total"
)

// Sources that can apply a paid session to the ledger.
const (
	SourceWebhook  = "webhook"
	SourceRecovery = "recovery"
	SourceReplay   = "replay"
)

// Metrics contains Prometheus metrics for the credit pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	ledgerApplies    *prometheus.CounterVec
	checkoutSessions *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEventsTotal,
				Help: "Total number of verified webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		ledgerApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerAppliesTotal,
				Help: "Total number of paid-session applications by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		checkoutSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCheckoutSessionsTotal,
				Help: "Total number of checkout session creations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRecoveriesTotal,
				Help: "Total number of manual session verifications by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.webhookEvents,
		m.ledgerApplies,
		m.checkoutSessions,
		m.recoveries,
	}
}

// IncWebhookEvent counts a verified webhook event.
func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) incLedgerApply(source string, outcome Outcome) {
	if m == nil {
		return
	}
	m.ledgerApplies.WithLabelValues(source, string(outcome)).Inc()
}

func (m *Metrics) incCheckout(kind CheckoutKind, outcome string) {
	if m == nil {
		return
	}
	m.checkoutSessions.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) incRecovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(outcome).Inc()
}
