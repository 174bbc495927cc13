package keeper

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the loop's prometheus collectors.
type Metrics struct {
	signals     prometheus.Counter
	skipped     *prometheus.CounterVec
	simulations *prometheus.CounterVec
	submissions *prometheus.CounterVec
	profit      prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_signals_total",
			Help: "Opportunity signals received",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_skipped_total",
			Help: "Opportunities skipped before simulation, by reason",
		}, []string{"reason"}),
		simulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_simulations_total",
			Help: "Dry-run outcomes",
		}, []string{"outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_submissions_total",
			Help: "Execution submissions by outcome",
		}, []string{"outcome"}),
		profit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_profit_wad_total",
			Help: "Keeper profit share accumulated, in whole tokens",
		}),
	}
}

// Register attaches the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.signals, m.skipped, m.simulations, m.submissions, m.profit,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
