package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics collects run metrics and writes them as a node_exporter
// textfile collector snapshot. All metrics are gauges describing the
// most recent run, which is the convention for one-shot jobs.
type Metrics struct {
	config MetricsConfig

	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
	lastRunDuration  prometheus.Gauge
	lastRunInfo      *prometheus.GaugeVec
	privilegedOps    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "rebuildctl"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix timestamp of the most recent run.",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "Whether the most recent run succeeded (1) or failed (0).",
		}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall-clock duration of the most recent run.",
		}),
		lastRunInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_info",
			Help:      "Constant 1 labelled with the decision path and sync outcome of the most recent run.",
		}, []string{"decision", "outcome", "hostname"}),
		privilegedOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_privileged_ops",
			Help:      "Number of privileged operations dispatched during the most recent run, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.lastRunTimestamp,
		m.lastRunSuccess,
		m.lastRunDuration,
		m.lastRunInfo,
		m.privilegedOps,
	)

	return m, nil
}

// RecordRun records the outcome of a completed run.
func (m *Metrics) RecordRun(hostname, decision, outcome string, duration time.Duration, success bool) {
	if m.registry == nil {
		return
	}
	m.lastRunTimestamp.SetToCurrentTime()
	m.lastRunDuration.Set(duration.Seconds())
	if success {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
	m.lastRunInfo.WithLabelValues(decision, outcome, hostname).Set(1)
}

// RecordPrivilegedOp counts a dispatched privileged operation by kind.
func (m *Metrics) RecordPrivilegedOp(kind string) {
	if m.registry == nil {
		return
	}
	m.privilegedOps.WithLabelValues(kind).Inc()
}

// WriteTextfile writes the current registry contents to the configured
// textfile path. The write is atomic (temp file + rename) so a scraping
// node_exporter never sees a partial file.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil {
		return nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	dir := filepath.Dir(m.config.TextfilePath)
	tmp, err := os.CreateTemp(dir, ".rebuildctl-metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to chmod metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.config.TextfilePath); err != nil {
		return fmt.Errorf("failed to publish metrics file: %w", err)
	}
	return nil
}
