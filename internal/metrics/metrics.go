package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool labels distinguish the two connection pools.
const (
	PoolLocked = "locked"
	PoolChan   = "chan"
)

var (
	ConnectionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_relay_connections_opened_total",
		Help: "Authenticated relay connections established",
	}, []string{"pool"})
	ConnectionsReused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_relay_connections_reused_total",
		Help: "Acquires served from idle pooled connections",
	}, []string{"pool"})
	ConnectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_relay_connections_closed_total",
		Help: "Relay connections closed by a pool",
	}, []string{"pool", "reason"})
	CloseFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_relay_close_failures_total",
		Help: "Errors swallowed while closing evicted relay connections",
	}, []string{"pool"})
	IdleConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailer_relay_idle_connections",
		Help: "Idle relay connections currently held by a pool",
	}, []string{"pool"})

	SendAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_send_attempts_total",
		Help: "Single delivery attempts made against the relay",
	})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_retries_scheduled_total",
		Help: "Delivery attempts that failed and were scheduled for retry",
	})
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_messages_delivered_total",
		Help: "Messages acknowledged by the relay",
	})
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_delivery_failures_total",
		Help: "Messages that failed terminally",
	}, []string{"reason"})
	DispatchPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailer_dispatch_pending_jobs",
		Help: "Jobs submitted to the dispatch workers and not yet picked up",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpened,
		ConnectionsReused,
		ConnectionsClosed,
		CloseFailures,
		IdleConnections,
		SendAttempts,
		RetriesScheduled,
		MessagesDelivered,
		DeliveryFailures,
		DispatchPending,
	)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ResetForTests clears the labelled series; intended for use in tests only.
func ResetForTests() {
	ConnectionsOpened.Reset()
	ConnectionsReused.Reset()
	ConnectionsClosed.Reset()
	CloseFailures.Reset()
	IdleConnections.Reset()
	DeliveryFailures.Reset()
	DispatchPending.Set(0)
}
