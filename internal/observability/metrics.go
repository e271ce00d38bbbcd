package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "creditledger"

// Metrics counts ledger operations and auto top-up outcomes.
type Metrics struct {
	Operations      *prometheus.CounterVec
	CreditsConsumed prometheus.Counter
	CreditsGranted  *prometheus.CounterVec
	DebtCreated     prometheus.Counter
	DebtCleared     prometheus.Counter
	TxAttempts      prometheus.Histogram
	TopupOutcomes   *prometheus.CounterVec
}

// NewMetrics registers the collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and status.",
		}, []string{"operation", "status"}),
		CreditsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "credits_consumed_total",
			Help:      "Credits drawn by successful consumption calls.",
		}),
		CreditsGranted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "credits_granted_total",
			Help:      "Credits granted by grant type, including amounts used to clear debt.",
		}, []string{"grant_type"}),
		DebtCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "debt_created_total",
			Help:      "Credits consumed beyond the available balance.",
		}),
		DebtCleared: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "debt_cleared_total",
			Help:      "Debt repaid from new grants.",
		}),
		TxAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "transaction_attempts",
			Help:      "Serializable transaction attempts per operation.",
			Buckets:   []float64{1, 2, 3, 5},
		}),
		TopupOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "autotopup",
			Name:      "outcomes_total",
			Help:      "Auto top-up runs by terminal outcome.",
		}, []string{"outcome"}),
	}
}

func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.Operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Attempts > 0 {
		metrics.TxAttempts.Observe(float64(entry.Attempts))
	}
	if entry.Status != ledger.OperationStatusOK {
		return
	}
	switch entry.Operation {
	case ledger.OperationConsume:
		metrics.CreditsConsumed.Add(float64(entry.Amount))
		metrics.DebtCreated.Add(float64(entry.DebtCreated))
	case ledger.OperationIssueGrant:
		metrics.CreditsGranted.WithLabelValues(entry.GrantType.String()).Add(float64(entry.Amount))
		metrics.DebtCleared.Add(float64(entry.DebtCleared))
	}
}

// RecordTopupOutcome implements autotopup.OutcomeRecorder.
func (metrics *Metrics) RecordTopupOutcome(outcome string) {
	metrics.TopupOutcomes.WithLabelValues(outcome).Inc()
}
