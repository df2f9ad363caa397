package latency

import (
	"math"
	"time"
)

// Stability is the tier a latency result falls into.
type Stability int

const (
	Poor Stability = iota
	Marginal
	Stable
)

func (s Stability) String() string {
	switch s {
	case Stable:
		return "Stable"
	case Marginal:
		return "Marginal"
	default:
		return "Poor"
	}
}

// Classify maps (stddev, jitter, loss) to a stability tier.
// Tiers are evaluated best-first; the first match wins.
func Classify(stddevMs, jitterMs, lossPct float64) Stability {
	switch {
	case stddevMs < 5 && jitterMs < 10 && lossPct == 0:
		return Stable
	case stddevMs < 10 && jitterMs < 20 && lossPct < 1:
		return Marginal
	default:
		return Poor
	}
}

// Result summarizes one sampling batch against a single host.
// It is immutable once returned by Summarize.
type Result struct {
	Host string

	// AverageMs is nil when no sample was received.
	AverageMs     *float64
	MinMs         float64
	MaxMs         float64
	JitterMs      float64
	StdDevMs      float64
	PacketLossPct float64
	Stability     Stability

	Sent     int
	Received int
}

// AllLost reports whether every sample went missing.
func (r *Result) AllLost() bool { return r == nil || r.Received == 0 }

// Summarize derives a Result from raw samples. A nil entry is a missing sample.
func Summarize(host string, samples []*time.Duration) *Result {
	res := &Result{Host: host, Sent: len(samples)}

	rtts := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s == nil {
			continue
		}
		rtts = append(rtts, float64(*s)/float64(time.Millisecond))
	}
	res.Received = len(rtts)

	if res.Sent == 0 || res.Received == 0 {
		res.PacketLossPct = 100
		res.Stability = Poor
		return res
	}

	minV, maxV, sum := rtts[0], rtts[0], 0.0
	for _, v := range rtts {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
		sum += v
	}
	avg := sum / float64(len(rtts))

	var stddev float64
	if minV == maxV {
		// Identical samples: avoid summation noise in mean and stddev.
		avg = minV
	} else if len(rtts) > 1 {
		var sq float64
		for _, v := range rtts {
			sq += (v - avg) * (v - avg)
		}
		stddev = math.Sqrt(sq / float64(len(rtts)-1))
	}

	res.AverageMs = &avg
	res.MinMs = minV
	res.MaxMs = maxV
	res.JitterMs = maxV - minV
	res.StdDevMs = stddev
	res.PacketLossPct = 100 * float64(res.Sent-res.Received) / float64(res.Sent)
	res.Stability = Classify(res.StdDevMs, res.JitterMs, res.PacketLossPct)
	return res
}

// ParseStability is the inverse of Stability.String.
func ParseStability(s string) (Stability, bool) {
	switch s {
	case "Stable":
		return Stable, true
	case "Marginal":
		return Marginal, true
	case "Poor":
		return Poor, true
	}
	return Poor, false
}
