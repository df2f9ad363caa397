package record

import (
	"math"
	"strconv"
	"time"

	"netqual/internal/latency"
	"netqual/internal/measure"
)

const (
	// Missing is written for any value that was not measured.
	Missing = "N/A"
	// Failed is the stability written for a target with no received samples.
	Failed = "failed"

	TimestampLayout = "2006-01-02 15:04:05"
)

// Header returns the fixed column layout for targets: the bandwidth columns,
// then all average pings, then all packet losses, then all stabilities.
func Header(targets []string) []string {
	h := make([]string, 0, 4+3*len(targets))
	h = append(h, "timestamp", "download_mbps", "upload_mbps", "isp_ping_ms")
	for _, t := range targets {
		h = append(h, t+"_avg_ping_ms")
	}
	for _, t := range targets {
		h = append(h, t+"_packet_loss_pct")
	}
	for _, t := range targets {
		h = append(h, t+"_stability")
	}
	return h
}

// Flatten maps res onto the Header(targets) layout. Targets missing from res
// are written as failed.
func Flatten(res *measure.AggregateResult, targets []string) []string {
	row := make([]string, 0, 4+3*len(targets))
	row = append(row, formatTime(res.Timestamp))

	if bw := res.Bandwidth; bw.Available() {
		row = append(row, formatFloat(bw.DownloadMbps), formatFloat(bw.UploadMbps), formatFloat(bw.PingMs))
	} else {
		row = append(row, Missing, Missing, Missing)
	}

	lat := make([]*latency.Result, len(targets))
	for i, t := range targets {
		lat[i], _ = res.LatencyFor(t)
	}
	for _, r := range lat {
		row = append(row, formatOptional(avgOf(r)))
	}
	for _, r := range lat {
		if r == nil {
			row = append(row, Missing)
			continue
		}
		row = append(row, formatFloat(r.PacketLossPct))
	}
	for _, r := range lat {
		row = append(row, stabilityOf(r))
	}
	return row
}

func avgOf(r *latency.Result) *float64 {
	if r == nil {
		return nil
	}
	return r.AverageMs
}

func stabilityOf(r *latency.Result) string {
	if r.AllLost() {
		return Failed
	}
	return r.Stability.String()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Missing
	}
	return strconv.FormatFloat(round2(v), 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return Missing
	}
	return formatFloat(*v)
}

func formatTime(t time.Time) string { return t.Local().Format(TimestampLayout) }
