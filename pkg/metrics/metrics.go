// Package metrics holds the Prometheus collectors shared by the coordinator
// and the workers, exposed in the text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const namespace = "evalfarm"

// Metrics is one process's collector set. Each instance owns its registry so
// several can coexist in tests.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	// Coordinator
	Units              *prometheus.GaugeVec
	Workers            prometheus.Gauge
	ETASeconds         prometheus.Gauge
	Generation         prometheus.Gauge
	Recoveries         *prometheus.CounterVec
	DataLoss           prometheus.Counter
	GenerationDuration prometheus.Histogram
	BestFitness        prometheus.Gauge
	Alerts             *prometheus.CounterVec

	// Worker
	UnitsEvaluated   *prometheus.CounterVec
	TrackRuns        *prometheus.CounterVec
	TrackRunDuration prometheus.Histogram
	Claims           *prometheus.CounterVec
	HostCPUPercent   prometheus.Gauge
	HostMemoryUsed   prometheus.Gauge
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		Units: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Evaluation units of the current generation by state",
		}, []string{"state"}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Distinct workers holding an in-progress unit",
		}),
		ETASeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_eta_seconds",
			Help:      "Estimated seconds until the current generation drains",
		}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Generation currently being evaluated",
		}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Units released by stall recovery by kind",
		}, []string{"kind"}),
		DataLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_loss_total",
			Help:      "Genomes without a finished unit at aggregation time",
		}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall clock time to evaluate one generation",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),
		BestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Best fitness of the last aggregated generation",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts raised by kind",
		}, []string{"kind"}),
		UnitsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_evaluated_total",
			Help:      "Units a worker finished evaluating by outcome",
		}, []string{"outcome"}),
		TrackRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_runs_total",
			Help:      "Track runs by exit reason",
		}, []string{"reason"}),
		TrackRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "track_run_duration_seconds",
			Help:      "Wall clock duration of a track run",
			Buckets:   prometheus.LinearBuckets(10, 10, 12),
		}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result",
		}, []string{"result"}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilisation",
		}),
		HostMemoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_used_bytes",
			Help:      "Host memory in use",
		}),
	}

	m.registry.MustRegister(
		m.Units, m.Workers, m.ETASeconds, m.Generation, m.Recoveries,
		m.DataLoss, m.GenerationDuration, m.BestFitness, m.Alerts,
		m.UnitsEvaluated, m.TrackRuns, m.TrackRunDuration, m.Claims,
		m.HostCPUPercent, m.HostMemoryUsed,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetUnitCounts updates the per-state unit gauges
func (m *Metrics) SetUnitCounts(pending, inProgress, finished int) {
	m.Units.WithLabelValues("pending").Set(float64(pending))
	m.Units.WithLabelValues("in_progress").Set(float64(inProgress))
	m.Units.WithLabelValues("finished").Set(float64(finished))
}

// SampleHost refreshes the host gauges and returns the CPU utilisation
func (m *Metrics) SampleHost(interval time.Duration) (float64, error) {
	cpuPercent, err := cpu.Percent(interval, false)
	if err != nil {
		return 0, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpuPercent) == 0 {
		return 0, fmt.Errorf("failed to sample cpu: no data")
	}
	m.HostCPUPercent.Set(cpuPercent[0])

	if memInfo, err := mem.VirtualMemory(); err == nil {
		m.HostMemoryUsed.Set(float64(memInfo.Used))
	}
	return cpuPercent[0], nil
}

// Render encodes every registered family in the text exposition format
func (m *Metrics) Render() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP %s_uptime_seconds Process uptime in seconds\n", namespace)
	fmt.Fprintf(&buf, "# TYPE %s_uptime_seconds gauge\n", namespace)
	fmt.Fprintf(&buf, "%s_uptime_seconds %.0f\n", namespace, time.Since(m.startTime).Seconds())

	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// ServeHTTP serves the metrics at /metrics
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := m.Render()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(data)
}
