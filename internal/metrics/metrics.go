// Package metrics exports Prometheus collectors fed from engine events.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
)

const namespace = "populate"

// Collectors holds every metric the engine reports.
type Collectors struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Runs              *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	OrphanRows        *prometheus.CounterVec
	Transactions      *prometheus.CounterVec
	GRPCClientCalls   *prometheus.CounterVec
	GRPCServerCalls   *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "adapter calls made by population runs.",
		}, []string{"connection", "method", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "distribution in seconds of adapter call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connection", "method"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "population runs by root collection.",
		}, []string{"collection", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "distribution in seconds of population run latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		OrphanRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orphan_rows_total",
			Help:      "fetched rows dropped for lack of a parent.",
		}, []string{"path"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "settled_total",
			Help:      "settled cross-connection transactions.",
		}, []string{"outcome"}),
		GRPCClientCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc_client",
			Name:      "calls_total",
			Help:      "remote adapter call attempts.",
		}, []string{"method", "code"}),
		GRPCServerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc_server",
			Name:      "calls_total",
			Help:      "adapter service calls handled.",
		}, []string{"method", "code"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "query requests served.",
		}, []string{"status"}),
	}
	for _, col := range []prometheus.Collector{
		c.Operations, c.OperationDuration, c.Runs, c.RunDuration, c.OrphanRows,
		c.Transactions, c.GRPCClientCalls, c.GRPCServerCalls, c.HTTPRequests,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Subscribe updates c from the events published on b.
func (c *Collectors) Subscribe(b *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.SubscribeTo(b, func(_ context.Context, e events.OperationFinish) {
			if e.Skipped {
				c.Operations.WithLabelValues(e.Connection, e.Method, "skipped").Inc()
				return
			}
			c.Operations.WithLabelValues(e.Connection, e.Method, outcome(e.Err)).Inc()
			c.OperationDuration.WithLabelValues(e.Connection, e.Method).Observe(e.Duration.Seconds())
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.RunFinish) {
			c.Runs.WithLabelValues(e.Collection, outcome(e.Err)).Inc()
			c.RunDuration.WithLabelValues(e.Collection).Observe(e.Duration.Seconds())
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.OrphanRow) {
			c.OrphanRows.WithLabelValues(e.Path).Inc()
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.TransactionFinish) {
			switch {
			case e.Committed && e.Err == nil:
				c.Transactions.WithLabelValues("committed").Inc()
			case e.Committed:
				c.Transactions.WithLabelValues("commit_failed").Inc()
			default:
				c.Transactions.WithLabelValues("rolled_back").Inc()
			}
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.GRPCClientFinish) {
			c.GRPCClientCalls.WithLabelValues(e.Method, e.Code.String()).Inc()
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.GRPCServerFinish) {
			c.GRPCServerCalls.WithLabelValues(e.Method, e.Code.String()).Inc()
		}),
		eventbus.SubscribeTo(b, func(_ context.Context, e events.HTTPFinish) {
			c.HTTPRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
