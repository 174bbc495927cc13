package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebatelabs/rebatehook/ledger"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	executions *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backrun_executions_total",
			Help: "Execution attempts by financing mode and outcome",
		}, []string{"mode", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backrun_failures_total",
			Help: "Failed execution attempts by reason",
		}, []string{"reason"}),
	}
}

// Register attaches the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.executions, m.failures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(mode string, commit bool, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.failures.WithLabelValues(failureReason(err)).Inc()
	} else if !commit {
		outcome = "simulated"
	}
	m.executions.WithLabelValues(mode, outcome).Inc()
}

// failureReason maps the error taxonomy to a bounded label set so
// keepers can tell "try again later" from "configuration broken" from
// "opportunity gone" on a dashboard as well as in logs.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNoOpportunity):
		return "no_opportunity"
	case errors.Is(err, ledger.ErrOpportunityExpired):
		return "expired"
	case errors.Is(err, ErrInsufficientProfit):
		return "insufficient_profit"
	case errors.Is(err, ErrRepayVenueNotConfigured):
		return "repay_venue_not_configured"
	case errors.Is(err, ledger.ErrUnauthorizedCaller):
		return "unauthorized"
	case errors.Is(err, ErrInvalidBorrowAsset):
		return "invalid_borrow_asset"
	case errors.Is(err, ErrExecutionInProgress):
		return "in_progress"
	default:
		return "other"
	}
}
