// Package metrics exposes Prometheus counters for the trading core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mrx_orders_accepted_total",
		Help: "Orders admitted to the matching engine",
	})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mrx_orders_rejected_total",
		Help: "Orders rejected before or during matching, by reason",
	}, []string{"reason"})
	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mrx_trades_total",
		Help: "Trades produced by the matching engine",
	})
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mrx_liquidations_total",
		Help: "Positions force-closed by the maintenance sweep",
	})
	FlashLoansCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mrx_flash_loans_committed_total",
		Help: "Flash loans settled with full repayment",
	})
	FlashLoansReverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mrx_flash_loans_reverted_total",
		Help: "Flash loans rolled back, by step",
	}, []string{"step"})
	ShardHalts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mrx_shard_halts_total",
		Help: "Symbol shards halted on invariant breach",
	})
)

// Serve starts the Prometheus endpoint on addr.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
