// Package metrics registers the prometheus instrumentation for the
// exchange.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "exchange_"

var (
	registerOnce sync.Once

	ordersPlaced   *prometheus.CounterVec
	ordersRejected prometheus.Counter
	tradesExecuted prometheus.Counter
	tradeVolume    prometheus.Counter
	gridFees       prometheus.Counter

	blocksMined    prometheus.Counter
	miningDuration prometheus.Histogram
	chainHeight    prometheus.Gauge
)

// Init registers all collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ordersPlaced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "orders_placed_total",
				Help: "Orders accepted into the book by side",
			},
			[]string{"side"},
		)
		ordersRejected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "orders_rejected_total",
			Help: "Orders rejected by validation",
		})
		tradesExecuted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "trades_executed_total",
			Help: "Matched trades",
		})
		tradeVolume = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "trade_volume_watt_total",
			Help: "Settled base cost in WATT smallest units",
		})
		gridFees = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "grid_fees_watt_total",
			Help: "Grid fees burned in WATT smallest units",
		})
		blocksMined = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "blocks_mined_total",
			Help: "Blocks committed to the chain",
		})
		miningDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "mining_duration_seconds",
			Help:    "Proof-of-work search duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		})
		chainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "chain_height",
			Help: "Height of the chain tip",
		})

		prometheus.MustRegister(
			ordersPlaced,
			ordersRejected,
			tradesExecuted,
			tradeVolume,
			gridFees,
			blocksMined,
			miningDuration,
			chainHeight,
		)
	})
}

// OrderPlaced counts an accepted order.
func OrderPlaced(side string) {
	if ordersPlaced != nil {
		ordersPlaced.WithLabelValues(side).Inc()
	}
}

// OrderRejected counts a validation rejection.
func OrderRejected() {
	if ordersRejected != nil {
		ordersRejected.Inc()
	}
}

// TradeExecuted counts a settled trade with its base cost and fee.
func TradeExecuted(baseCost, fee int64) {
	if tradesExecuted == nil {
		return
	}
	tradesExecuted.Inc()
	tradeVolume.Add(float64(baseCost))
	gridFees.Add(float64(fee))
}

// BlockMined records a committed block and the search duration.
func BlockMined(height uint64, elapsed time.Duration) {
	if blocksMined == nil {
		return
	}
	blocksMined.Inc()
	miningDuration.Observe(elapsed.Seconds())
	chainHeight.Set(float64(height))
}
