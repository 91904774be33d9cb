// Package metrics exports miner statistics to Prometheus. Metrics is an
// events.Sink fed by the event recorder.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/internal/mining"
)

// Namespace prefixes every metric
const Namespace = "gompminer"

// Metrics holds the registry and the miner metrics
type Metrics struct {
	registry *prometheus.Registry

	// Manager metrics
	mining      prometheus.Gauge
	cpuCores    prometheus.Gauge
	minerCount  prometheus.Gauge
	activeMiner prometheus.Gauge
	policy      *prometheus.GaugeVec
	switches    prometheus.Counter
	events      *prometheus.CounterVec

	// Per pool metrics
	hashrate         *prometheus.GaugeVec
	difficulty       *prometheus.GaugeVec
	shares           *prometheus.GaugeVec
	connectionErrors *prometheus.GaugeVec
	lastError        *prometheus.GaugeVec
	state            *prometheus.GaugeVec
}

// New creates the metrics on a fresh registry, together with the Go
// runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		mining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mining",
			Help:      "1 while mining is started",
		}),
		cpuCores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cpu_cores",
			Help:      "Configured number of hashing workers",
		}),
		minerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "miners",
			Help:      "Number of pools in the list",
		}),
		activeMiner: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_miner_index",
			Help:      "Index of the active pool, -1 when none",
		}),
		policy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "schedule_policy",
			Help:      "1 for the current schedule policy",
		}, []string{"policy"}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pool_switches_total",
			Help:      "Number of times a pool became active",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Recorded events by type",
		}, []string{"type"}),

		hashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "hashrate",
			Help:      "Hash rate in hashes per second",
		}, []string{"pool", "kind"}),
		difficulty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "difficulty",
			Help:      "Current pool difficulty",
		}, []string{"pool"}),
		shares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "shares",
			Help:      "Shares answered by the pool since the miner was created",
		}, []string{"pool", "kind"}),
		connectionErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connection_errors",
			Help:      "Connection failures since the miner was created",
		}, []string{"pool"}),
		lastError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_connection_error_timestamp_seconds",
			Help:      "Unix time of the last connection failure",
		}, []string{"pool"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "miner_state",
			Help:      "1 for the current state of each miner",
		}, []string{"pool", "state"}),
	}

	m.registry.MustRegister(
		m.mining, m.cpuCores, m.minerCount, m.activeMiner, m.policy, m.switches, m.events,
		m.hashrate, m.difficulty, m.shares, m.connectionErrors, m.lastError, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.activeMiner.Set(-1)

	return m
}

// Registry returns the registry for extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDropped exports the number of events lost to a full queue
func (m *Metrics) RegisterDropped(dropped func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because the delivery queue was full",
	}, func() float64 { return float64(dropped()) }))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Name implements events.Sink
func (m *Metrics) Name() string { return "prometheus" }

// Publish implements events.Sink
func (m *Metrics) Publish(_ context.Context, e *events.Event) error {
	m.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.TypeMinersLoaded:
		m.minerCount.Set(e.Value)
	case events.TypeMinersUnloaded:
		m.minerCount.Set(0)
		m.activeMiner.Set(-1)
		m.resetPools()
	case events.TypeMiningStarted:
		m.mining.Set(1)
	case events.TypeMiningStopped:
		m.mining.Set(0)
	case events.TypeCPUCoreCountChanged:
		m.cpuCores.Set(e.Value)
	case events.TypeSchedulePolicyChanged:
		m.policy.Reset()
		m.policy.WithLabelValues(e.State).Set(1)
	case events.TypeActiveMinerChanged:
		m.activeMiner.Set(float64(e.MinerIndex))
		if e.MinerIndex >= 0 {
			m.switches.Inc()
		}
	case events.TypeMinerAdded:
		m.minerCount.Inc()
	case events.TypeMinerRemoved:
		m.minerCount.Dec()
		if e.Pool != "" {
			m.deletePool(e.Pool)
		}
	case events.TypeHashRateChanged:
		m.hashrate.WithLabelValues(e.Pool, "main").Set(e.Value)
	case events.TypeAlternateHashRate:
		m.hashrate.WithLabelValues(e.Pool, "alternate").Set(e.Value)
	case events.TypeDifficultyChanged:
		m.difficulty.WithLabelValues(e.Pool).Set(e.Value)
	case events.TypeGoodShares:
		m.shares.WithLabelValues(e.Pool, "good").Set(e.Value)
	case events.TypeGoodAlternateShares:
		m.shares.WithLabelValues(e.Pool, "alternate").Set(e.Value)
	case events.TypeBadShares:
		m.shares.WithLabelValues(e.Pool, "bad").Set(e.Value)
	case events.TypeConnectionErrors:
		m.connectionErrors.WithLabelValues(e.Pool).Set(e.Value)
	case events.TypeLastConnectionErrorSet:
		m.lastError.WithLabelValues(e.Pool).Set(e.Value)
	case events.TypeStateChanged:
		m.setState(e.Pool, e.State)
	}
	return nil
}

// Close implements events.Sink
func (m *Metrics) Close() error { return nil }

func (m *Metrics) setState(pool, state string) {
	for _, s := range []mining.State{mining.StateStopped, mining.StateRunning, mining.StateError} {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		m.state.WithLabelValues(pool, s.String()).Set(v)
	}
}

func (m *Metrics) deletePool(pool string) {
	labels := prometheus.Labels{"pool": pool}
	m.hashrate.DeletePartialMatch(labels)
	m.difficulty.DeletePartialMatch(labels)
	m.shares.DeletePartialMatch(labels)
	m.connectionErrors.DeletePartialMatch(labels)
	m.lastError.DeletePartialMatch(labels)
	m.state.DeletePartialMatch(labels)
}

func (m *Metrics) resetPools() {
	m.hashrate.Reset()
	m.difficulty.Reset()
	m.shares.Reset()
	m.connectionErrors.Reset()
	m.lastError.Reset()
	m.state.Reset()
}

var _ events.Sink = (*Metrics)(nil)
