// Package metrics is the operational surface of the oracle: prometheus
// counters and gauges plus the /health and /status endpoints. The core
// logic only emits values; nothing here feeds back into control flow.
package metrics

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Set struct {
	registry *prometheus.Registry

	ActiveEra        prometheus.Gauge
	LastReportedEra  prometheus.Gauge
	BoundaryBlock    prometheus.Gauge
	OracleBalance    prometheus.Gauge
	StashFreeBalance prometheus.Gauge
	RecoveryMode     prometheus.Gauge
	EraStalledFor    prometheus.Gauge

	EndpointFailures *prometheus.GaugeVec

	TxSuccess        prometheus.Counter
	TxReverted       prometheus.Counter
	TxDryRunRejected prometheus.Counter
	RelayErrors      prometheus.Counter
	ParachainErrors  prometheus.Counter

	Agent *prometheus.GaugeVec
}

func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		ActiveEra: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_active_era_id",
			Help: "Active era index observed on the relay chain",
		}),
		LastReportedEra: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_last_reported_era_id",
			Help: "Most recent era fully processed by this oracle",
		}),
		BoundaryBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_previous_era_change_block_number",
			Help: "Block number of the last located era boundary",
		}),
		OracleBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_account_balance",
			Help: "Balance of the oracle's parachain account",
		}),
		StashFreeBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_total_stashes_free_balance",
			Help: "Sum of free balances across tracked stash accounts",
		}),
		RecoveryMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_recovery_mode_active",
			Help: "1 while the engine is rotating endpoints after a failure",
		}),
		EraStalledFor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_era_stalled_seconds",
			Help: "Wall-clock seconds since the active era last advanced",
		}),
		EndpointFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_endpoint_failures",
			Help: "Consecutive failures per endpoint URL",
		}, []string{"chain", "url"}),
		TxSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_tx_success_total",
			Help: "Report transactions confirmed with success status",
		}),
		TxReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_tx_revert_total",
			Help: "Report transactions confirmed with revert status",
		}),
		TxDryRunRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_tx_dry_run_rejected_total",
			Help: "Report transactions rejected by the local dry run",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_relay_errors_total",
			Help: "Recoverable errors raised by the relay chain connection",
		}),
		ParachainErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_parachain_errors_total",
			Help: "Recoverable errors raised by the parachain connection",
		}),
		Agent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_agent_info",
			Help: "Currently connected endpoints (always 1, labels carry the URLs)",
		}, []string{"relay_url", "parachain_url"}),
	}
	s.registry.MustRegister(
		s.ActiveEra, s.LastReportedEra, s.BoundaryBlock, s.OracleBalance,
		s.StashFreeBalance, s.RecoveryMode, s.EraStalledFor, s.EndpointFailures,
		s.TxSuccess, s.TxReverted, s.TxDryRunRejected,
		s.RelayErrors, s.ParachainErrors, s.Agent,
	)
	return s
}

// SetBalance stores a big integer balance, saturating at float64 precision;
// exact amounts stay in logs.
func SetBalance(g prometheus.Gauge, v *big.Int) {
	if v == nil {
		return
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	g.Set(f)
}

// Handler serves the prometheus scrape endpoint for this set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
