package measure

import (
	"context"
	"time"

	"github.com/google/uuid"

	"netqual/internal/bandwidth"
	"netqual/internal/latency"
	"netqual/internal/report"
)

// Target is one named latency destination.
type Target struct {
	Name string
	Host string
}

// State is the orchestrator's run phase.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAggregating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAggregating:
		return "aggregating"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// FailureKind says why a latency unit produced no result.
type FailureKind string

const (
	FailureCrashed FailureKind = "crashed"
	FailureTimeout FailureKind = "timeout"
)

// UnitFailure describes a latency unit that never delivered a result.
type UnitFailure struct {
	Kind   FailureKind
	Detail string
}

// AggregateResult is the full output of one run. It is built once after every
// unit has settled and must be treated as read-only afterwards.
type AggregateResult struct {
	RunID     uuid.UUID
	Timestamp time.Time
	Elapsed   time.Duration

	Bandwidth bandwidth.Result

	// Targets preserves configuration order.
	Targets []Target

	// Latency has exactly one key per target. A nil value means the target's
	// unit crashed or timed out; Failures says which.
	Latency  map[string]*latency.Result
	Failures map[string]UnitFailure
}

// LatencyFor returns the result for a target name. ok is false when the
// target has no result.
func (r *AggregateResult) LatencyFor(name string) (res *latency.Result, ok bool) {
	if r == nil {
		return nil, false
	}
	res = r.Latency[name]
	return res, res != nil
}

// Reporter is the reporting channel for a run.
type Reporter = report.Reporter[*AggregateResult]

// Recorder persists a finished run.
type Recorder interface {
	Append(ctx context.Context, res *AggregateResult) error
}

// Observer is notified after each run, before the result is recorded.
type Observer interface {
	ObserveRun(res *AggregateResult)
}

// BandwidthProber runs one bounded bandwidth probe. *bandwidth.Prober implements it.
type BandwidthProber interface {
	Probe(ctx context.Context, timeout time.Duration) bandwidth.Result
}
