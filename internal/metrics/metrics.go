// Package metrics exposes batch counters and pushes them to a Prometheus
// Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/codexdist/rcpsync/internal/orchestrator"
)

// Job is the Pushgateway job label.
const Job = "rcpsync"

// BatchMetrics holds the gauges of one process run.
type BatchMetrics struct {
	reg *prometheus.Registry

	files         *prometheus.GaugeVec
	remaining     *prometheus.GaugeVec
	uploaded      prometheus.Gauge
	failed        prometheus.Gauge
	breakerPauses prometheus.Gauge
	duration      prometheus.Gauge
	lastRun       prometheus.Gauge
	recovered     prometheus.Gauge
	stillFailed   prometheus.Gauge
}

// New registers the gauges on a private registry.
func New() *BatchMetrics {
	m := &BatchMetrics{
		reg: prometheus.NewRegistry(),
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "batch_files",
			Help:      "Files recorded by the last batch, by document kind.",
		}, []string{"kind"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "batch_transfers_remaining",
			Help:      "Transfers still failed or never attempted after reconciliation.",
		}, []string{"pipeline"}),
		uploaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "batch_uploaded_files",
			Help:      "Files uploaded to the SFTP server by the last batch.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "batch_failed_uploads",
			Help:      "Upload attempts that failed during the last batch.",
		}),
		breakerPauses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "batch_breaker_pauses",
			Help:      "Download pauses triggered by consecutive errors.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of the last batch.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last batch ended.",
		}),
		recovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "recover_downloaded_files",
			Help:      "EU documents recovered by the last recovery run.",
		}),
		stillFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpsync",
			Name:      "recover_remaining_failures",
			Help:      "EU documents still missing after the last recovery run.",
		}),
	}
	m.reg.MustRegister(m.files, m.remaining, m.uploaded, m.failed, m.breakerPauses,
		m.duration, m.lastRun, m.recovered, m.stillFailed)
	return m
}

// Registry exposes the registry, for tests and local scraping.
func (m *BatchMetrics) Registry() *prometheus.Registry { return m.reg }

// ObserveRun records the summary of a batch run.
func (m *BatchMetrics) ObserveRun(s orchestrator.Summary) {
	m.files.WithLabelValues("total").Set(float64(s.Counts.Total))
	m.files.WithLabelValues("R").Set(float64(s.Counts.R))
	m.files.WithLabelValues("N").Set(float64(s.Counts.N))
	m.files.WithLabelValues("E").Set(float64(s.Counts.E))
	m.remaining.WithLabelValues("FR").Set(float64(s.RemainingFR))
	m.remaining.WithLabelValues("EU").Set(float64(s.RemainingEU))
	m.uploaded.Set(float64(s.Uploaded))
	m.failed.Set(float64(s.Failed))
	m.breakerPauses.Set(float64(s.BreakerPauses))
	m.duration.Set(s.Duration.Seconds())
	m.lastRun.SetToCurrentTime()
}

// ObserveRecover records the result of a recovery run.
func (m *BatchMetrics) ObserveRecover(r orchestrator.RecoverResult) {
	m.recovered.Set(float64(r.Recovered))
	m.stillFailed.Set(float64(r.Remaining))
}

// Push sends every gauge to the Pushgateway at url, grouped by batch.
// An empty url is a no-op.
func (m *BatchMetrics) Push(ctx context.Context, url, batchID string, logger *slog.Logger) error {
	if url == "" {
		return nil
	}
	p := push.New(url, Job).Gatherer(m.reg)
	if batchID != "" {
		p = p.Grouping("batch_id", batchID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	logger.Info("Metrics pushed.", slog.String("url", url), slog.String("batch_id", batchID))
	return nil
}
