package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"netqual/internal/measure"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netqual_build_info",
		Help: "Build information of netqual",
	}, []string{"version", "commit", "date"})

	Runs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netqual_runs_total", Help: "Total measurement runs completed.",
	})
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netqual_run_duration_seconds",
		Help:    "Wall-clock duration of a measurement run.",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120},
	})
	LastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netqual_last_run_timestamp_seconds", Help: "Unix time the last run started.",
	})

	BandwidthMbps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netqual_bandwidth_mbps", Help: "Throughput measured by the last successful bandwidth probe.",
	}, []string{"direction"})
	ISPPingMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netqual_isp_ping_ms", Help: "Ping reported by the last successful bandwidth probe.",
	})
	BandwidthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netqual_bandwidth_failures_total", Help: "Bandwidth probes that produced no result.",
	}, []string{"reason"})

	LatencyAvgMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netqual_latency_avg_ms", Help: "Average round trip of the last run per target.",
	}, []string{"target"})
	LatencyJitterMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netqual_latency_jitter_ms", Help: "Jitter (max-min) of the last run per target.",
	}, []string{"target"})
	PacketLossPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netqual_packet_loss_pct", Help: "Packet loss of the last run per target.",
	}, []string{"target"})
	Stability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netqual_stability", Help: "Stability tier of the last run per target (0 poor, 1 marginal, 2 stable, -1 failed).",
	}, []string{"target"})
	LatencyUnitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netqual_latency_unit_failures_total", Help: "Latency units that crashed or timed out.",
	}, []string{"target", "kind"})

	RecordErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netqual_record_errors_total", Help: "Runs whose record could not be persisted.",
	})
)

// Observer publishes each finished run. It implements measure.Observer.
type Observer struct{}

func (Observer) ObserveRun(res *measure.AggregateResult) {
	if res == nil {
		return
	}
	Runs.Inc()
	RunDuration.Observe(res.Elapsed.Seconds())
	LastRunTimestamp.Set(float64(res.Timestamp.Unix()))

	if bw := res.Bandwidth; bw.Available() {
		BandwidthMbps.WithLabelValues("download").Set(bw.DownloadMbps)
		BandwidthMbps.WithLabelValues("upload").Set(bw.UploadMbps)
		ISPPingMs.Set(bw.PingMs)
	} else {
		BandwidthFailures.WithLabelValues(string(bw.Unavailable)).Inc()
	}

	for _, t := range res.Targets {
		if f, ok := res.Failures[t.Name]; ok {
			LatencyUnitFailures.WithLabelValues(t.Name, string(f.Kind)).Inc()
		}
		r, ok := res.LatencyFor(t.Name)
		if !ok || r.AllLost() {
			LatencyAvgMs.DeleteLabelValues(t.Name)
			LatencyJitterMs.DeleteLabelValues(t.Name)
			PacketLossPct.WithLabelValues(t.Name).Set(100)
			Stability.WithLabelValues(t.Name).Set(-1)
			continue
		}
		LatencyAvgMs.WithLabelValues(t.Name).Set(*r.AverageMs)
		LatencyJitterMs.WithLabelValues(t.Name).Set(r.JitterMs)
		PacketLossPct.WithLabelValues(t.Name).Set(r.PacketLossPct)
		Stability.WithLabelValues(t.Name).Set(float64(r.Stability))
	}
}
