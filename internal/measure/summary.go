package measure

import (
	"fmt"

	"netqual/internal/bandwidth"
	"netqual/internal/latency"
	"netqual/internal/report"
)

// summaryLine is one human-readable line of the end-of-run summary.
type summaryLine struct {
	Text     string
	Severity report.Severity
}

func summarize(res *AggregateResult) []summaryLine {
	lines := make([]summaryLine, 0, len(res.Targets)+6)
	lines = append(lines, summaryLine{Text: "=== Bandwidth ==="})
	lines = append(lines, bandwidthLines(res.Bandwidth)...)
	lines = append(lines, summaryLine{Text: "=== Latency ==="})
	for _, t := range res.Targets {
		lines = append(lines, targetLine(t.Name, res.Latency[t.Name], res.Failures[t.Name]))
	}
	return lines
}

func bandwidthLines(bw bandwidth.Result) []summaryLine {
	switch bw.Unavailable {
	case "":
	case bandwidth.ReasonTimeout:
		return []summaryLine{{Text: "Bandwidth test timed out", Severity: report.SeverityWarning}}
	default:
		text := "Bandwidth test failed"
		if bw.Detail != "" {
			text += ": " + bw.Detail
		}
		return []summaryLine{{Text: text, Severity: report.SeverityWarning}}
	}

	down := fmt.Sprintf("Download: %.2f Mbps", bw.DownloadMbps)
	up := fmt.Sprintf("Upload: %.2f Mbps", bw.UploadMbps)
	if bw.Repeats > 1 {
		down += fmt.Sprintf(" ±%.2f", bw.DownloadStdDevMbps)
		up += fmt.Sprintf(" ±%.2f", bw.UploadStdDevMbps)
	}
	out := []summaryLine{
		{Text: down},
		{Text: up},
		{Text: fmt.Sprintf("Ping (ISP): %.2f ms", bw.PingMs)},
	}
	if bw.Server != "" {
		out = append(out, summaryLine{Text: "Server: " + bw.Server})
	}
	return out
}

func targetLine(name string, r *latency.Result, f UnitFailure) summaryLine {
	if r == nil {
		text := name + ": ping failed"
		if f.Kind != "" {
			text += " (" + string(f.Kind) + ")"
		}
		return summaryLine{Text: text, Severity: report.SeverityWarning}
	}

	avg := "N/A"
	if r.AverageMs != nil {
		avg = fmt.Sprintf("%.2f ms", *r.AverageMs)
	}
	sev := report.SeverityNormal
	if r.Stability != latency.Stable {
		sev = report.SeverityWarning
	}
	return summaryLine{
		Text: fmt.Sprintf("%s: avg %s, jitter %.2f ms, stddev %.2f ms, loss %.1f%%, %s",
			name, avg, r.JitterMs, r.StdDevMs, r.PacketLossPct, r.Stability),
		Severity: sev,
	}
}
