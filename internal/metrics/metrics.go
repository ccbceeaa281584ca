// Package metrics holds the Prometheus collectors for the proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector registers and updates every proxy metric. Each call to New
// creates an independent registry, so tests and reloads never collide.
type Collector struct {
	Registry *prometheus.Registry

	clientsConnected *prometheus.GaugeVec
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec

	poolIdle       *prometheus.GaugeVec
	poolCheckedOut *prometheus.GaugeVec
	poolTotal      *prometheus.GaugeVec
	poolWaiting    *prometheus.GaugeVec
	poolBanned     *prometheus.GaugeVec

	checkoutDuration *prometheus.HistogramVec
	checkoutTimeouts *prometheus.CounterVec
	bansTotal        *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	crossShardQueries   *prometheus.CounterVec
	desyncsTotal        *prometheus.CounterVec
	authFailures        *prometheus.CounterVec
	reloadsTotal        prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		clientsConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_clients_connected",
				Help: "Connected clients per user/database",
			},
			[]string{"user", "database"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_queries_total",
				Help: "Queries routed, by read/write",
			},
			[]string{"database", "kind"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_query_duration_seconds",
				Help:    "Query duration from dispatch to final ReadyForQuery",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_pool_idle_connections",
				Help: "Idle server connections per pool",
			},
			[]string{"addr"},
		),
		poolCheckedOut: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_pool_checked_out_connections",
				Help: "Leased server connections per pool",
			},
			[]string{"addr"},
		),
		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_pool_total_connections",
				Help: "Total server connections per pool",
			},
			[]string{"addr"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_pool_waiting_clients",
				Help: "Clients queued for a connection per pool",
			},
			[]string{"addr"},
		),
		poolBanned: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardgate_pool_banned",
				Help: "Whether the pool is banned (1) or serving (0)",
			},
			[]string{"addr"},
		),
		checkoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_checkout_duration_seconds",
				Help:    "Time waiting for a pool checkout",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		checkoutTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_checkout_timeouts_total",
				Help: "Checkouts that timed out per database",
			},
			[]string{"database"},
		),
		bansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_pool_bans_total",
				Help: "Pool bans by reason",
			},
			[]string{"addr", "reason"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_transactions_total",
				Help: "Completed transactions per database",
			},
			[]string{"database"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardgate_transaction_duration_seconds",
				Help:    "Duration from checkout to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		crossShardQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_cross_shard_queries_total",
				Help: "Queries fanned out to more than one shard",
			},
			[]string{"database"},
		),
		desyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_server_desyncs_total",
				Help: "Server connections force-closed after a protocol desync",
			},
			[]string{"database"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardgate_auth_failures_total",
				Help: "Client authentication failures",
			},
			[]string{"user", "database"},
		),
		reloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shardgate_config_reloads_total",
				Help: "Configuration reloads applied",
			},
		),
	}

	reg.MustRegister(
		c.clientsConnected,
		c.queriesTotal,
		c.queryDuration,
		c.poolIdle,
		c.poolCheckedOut,
		c.poolTotal,
		c.poolWaiting,
		c.poolBanned,
		c.checkoutDuration,
		c.checkoutTimeouts,
		c.bansTotal,
		c.transactionsTotal,
		c.transactionDuration,
		c.crossShardQueries,
		c.desyncsTotal,
		c.authFailures,
		c.reloadsTotal,
	)
	return c
}

// ClientConnected adjusts the connected-clients gauge.
func (c *Collector) ClientConnected(user, database string, delta int) {
	c.clientsConnected.WithLabelValues(user, database).Add(float64(delta))
}

// QueryRouted counts a routed query.
func (c *Collector) QueryRouted(database string, read bool) {
	kind := "write"
	if read {
		kind = "read"
	}
	c.queriesTotal.WithLabelValues(database, kind).Inc()
}

// QueryDuration observes one query's wall time.
func (c *Collector) QueryDuration(database string, d time.Duration) {
	c.queryDuration.WithLabelValues(database).Observe(d.Seconds())
}

// UpdatePool refreshes the per-pool gauges.
func (c *Collector) UpdatePool(addr string, idle, checkedOut, total, waiting int, banned bool) {
	c.poolIdle.WithLabelValues(addr).Set(float64(idle))
	c.poolCheckedOut.WithLabelValues(addr).Set(float64(checkedOut))
	c.poolTotal.WithLabelValues(addr).Set(float64(total))
	c.poolWaiting.WithLabelValues(addr).Set(float64(waiting))
	v := 0.0
	if banned {
		v = 1.0
	}
	c.poolBanned.WithLabelValues(addr).Set(v)
}

// CheckoutDuration observes time spent waiting for a lease.
func (c *Collector) CheckoutDuration(database string, d time.Duration) {
	c.checkoutDuration.WithLabelValues(database).Observe(d.Seconds())
}

// CheckoutTimeout counts a timed-out checkout.
func (c *Collector) CheckoutTimeout(database string) {
	c.checkoutTimeouts.WithLabelValues(database).Inc()
}

// PoolBanned counts a ban by reason.
func (c *Collector) PoolBanned(addr, reason string) {
	c.bansTotal.WithLabelValues(addr, reason).Inc()
}

// TransactionCompleted counts a finished transaction and its duration.
func (c *Collector) TransactionCompleted(database string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database).Inc()
	c.transactionDuration.WithLabelValues(database).Observe(d.Seconds())
}

// CrossShardQuery counts a fan-out query.
func (c *Collector) CrossShardQuery(database string) {
	c.crossShardQueries.WithLabelValues(database).Inc()
}

// Desync counts a force-closed server connection.
func (c *Collector) Desync(database string) {
	c.desyncsTotal.WithLabelValues(database).Inc()
}

// AuthFailure counts a rejected client.
func (c *Collector) AuthFailure(user, database string) {
	c.authFailures.WithLabelValues(user, database).Inc()
}

// Reloaded counts an applied configuration reload.
func (c *Collector) Reloaded() {
	c.reloadsTotal.Inc()
}
