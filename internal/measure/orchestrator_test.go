package measure

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"netqual/internal/bandwidth"
	"netqual/internal/latency"
	"netqual/internal/report"
)

const (
	tokyoHost     = "ec2.ap-northeast-1.amazonaws.com"
	singaporeHost = "ec2.ap-southeast-1.amazonaws.com"
)

var defaultTargets = []Target{
	{Name: "AWS Tokyo", Host: tokyoHost},
	{Name: "AWS Singapore", Host: singaporeHost},
}

type proberFunc func(ctx context.Context, timeout time.Duration) bandwidth.Result

func (f proberFunc) Probe(ctx context.Context, timeout time.Duration) bandwidth.Result {
	return f(ctx, timeout)
}

func okBandwidth() BandwidthProber {
	return proberFunc(func(ctx context.Context, timeout time.Duration) bandwidth.Result {
		return bandwidth.Result{DownloadMbps: 120.5, UploadMbps: 15.2, PingMs: 10.1, Repeats: 1}
	})
}

// scriptedPinger replays per-host round trips in milliseconds; a zero entry is a lost sample.
type scriptedPinger struct {
	mu     sync.Mutex
	script map[string][]float64
	seq    map[string]int
}

func newScriptedPinger(script map[string][]float64) *scriptedPinger {
	return &scriptedPinger{script: script, seq: map[string]int{}}
}

func (p *scriptedPinger) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	p.mu.Lock()
	i := p.seq[host]
	p.seq[host]++
	vals := p.script[host]
	p.mu.Unlock()

	if i >= len(vals) || vals[i] == 0 {
		return 0, latency.ErrNoReply
	}
	return time.Duration(vals[i] * float64(time.Millisecond)), nil
}

type recorderFunc func(ctx context.Context, res *AggregateResult) error

func (f recorderFunc) Append(ctx context.Context, res *AggregateResult) error { return f(ctx, res) }

func testConfig() Config {
	return Config{
		Targets:          defaultTargets,
		BandwidthTimeout: 30 * time.Second,
		SampleCount:      5,
		SampleTimeout:    time.Second,
		ProgressTick:     5 * time.Millisecond,
	}
}

func requireMonotonicTo100(t *testing.T, values []int) {
	t.Helper()
	require.NotEmpty(t, values)
	require.Equal(t, 0, values[0])
	require.Equal(t, 100, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i], values[i-1], "progress decreased: %v", values)
	}
	count := func(v int) int {
		n := 0
		for _, x := range values {
			if x == v {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, count(50), "50 must be emitted once: %v", values)
	require.Equal(t, 1, count(90), "90 must be emitted once: %v", values)
}

func TestRunScenarioOneTargetAllLost(t *testing.T) {
	t.Parallel()

	pinger := newScriptedPinger(map[string][]float64{
		tokyoHost: {10, 11, 9, 10, 12},
	})
	rec := &report.Recorder[*AggregateResult]{}
	o := New(testConfig(), okBandwidth(), pinger)

	res, err := o.Run(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, StateDone, o.State())

	require.True(t, res.Bandwidth.Available())
	require.InDelta(t, 120.5, res.Bandwidth.DownloadMbps, 1e-9)

	tokyo, ok := res.LatencyFor("AWS Tokyo")
	require.True(t, ok)
	require.NotNil(t, tokyo.AverageMs)
	require.InDelta(t, 10.4, *tokyo.AverageMs, 1e-9)
	require.InDelta(t, 3.0, tokyo.JitterMs, 1e-9)
	require.Zero(t, tokyo.PacketLossPct)
	require.Equal(t, latency.Stable, tokyo.Stability)

	sg, ok := res.LatencyFor("AWS Singapore")
	require.True(t, ok, "an all-lost target still has a result")
	require.Nil(t, sg.AverageMs)
	require.Equal(t, 100.0, sg.PacketLossPct)
	require.Equal(t, latency.Poor, sg.Stability)
	require.Empty(t, res.Failures)

	requireMonotonicTo100(t, rec.ProgressValues())

	var lost int
	for _, l := range rec.Logs() {
		if strings.HasPrefix(l.Text, "AWS Singapore: sample ") {
			lost++
			require.Equal(t, report.SeverityNormal, l.Severity)
		}
	}
	require.Equal(t, 5, lost)

	logs := map[string]report.Severity{}
	for _, l := range rec.Logs() {
		logs[l.Text] = l.Severity
	}
	require.Contains(t, logs, "Download: 120.50 Mbps")
	sev, ok := logs["AWS Tokyo: avg 10.40 ms, jitter 3.00 ms, stddev 1.14 ms, loss 0.0%, Stable"]
	require.True(t, ok)
	require.Equal(t, report.SeverityNormal, sev)
	sev, ok = logs["AWS Singapore: avg N/A, jitter 0.00 ms, stddev 0.00 ms, loss 100.0%, Poor"]
	require.True(t, ok)
	require.Equal(t, report.SeverityWarning, sev)

	ev := rec.Events()
	require.Equal(t, "done", ev[len(ev)-1].Kind)
	require.Same(t, res, ev[len(ev)-1].Result)
}

func TestRunBandwidthTimeoutStillCompletes(t *testing.T) {
	t.Parallel()

	prober := proberFunc(func(ctx context.Context, timeout time.Duration) bandwidth.Result {
		return bandwidth.Result{Unavailable: bandwidth.ReasonTimeout, Detail: "no result within 30s"}
	})
	pinger := newScriptedPinger(map[string][]float64{tokyoHost: {10, 10, 10, 10, 10}, singaporeHost: {70, 71, 70, 72, 70}})
	rec := &report.Recorder[*AggregateResult]{}

	res, err := New(testConfig(), prober, pinger).Run(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, bandwidth.ReasonTimeout, res.Bandwidth.Unavailable)
	requireMonotonicTo100(t, rec.ProgressValues())

	var sawTimeout bool
	for _, l := range rec.Logs() {
		if l.Text == "Bandwidth test timed out" {
			sawTimeout = true
			require.Equal(t, report.SeverityWarning, l.Severity)
		}
	}
	require.True(t, sawTimeout)
}

func TestRunCrashedTargetIsAbsent(t *testing.T) {
	t.Parallel()

	base := newScriptedPinger(map[string][]float64{tokyoHost: {10, 11, 9, 10, 12}})
	pinger := latency.PingerFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		if host == singaporeHost {
			panic("socket exploded")
		}
		return base.Ping(ctx, host, timeout)
	})
	rec := &report.Recorder[*AggregateResult]{}

	res, err := New(testConfig(), okBandwidth(), pinger).Run(context.Background(), rec)
	require.NoError(t, err)

	require.Len(t, res.Latency, 2, "one entry per target")
	require.Contains(t, res.Latency, "AWS Singapore")
	require.Nil(t, res.Latency["AWS Singapore"])
	require.Equal(t, FailureCrashed, res.Failures["AWS Singapore"].Kind)
	require.Contains(t, res.Failures["AWS Singapore"].Detail, "socket exploded")
	_, ok := res.LatencyFor("AWS Tokyo")
	require.True(t, ok)

	var crashLine *report.Event[*AggregateResult]
	for _, l := range rec.Logs() {
		if strings.HasPrefix(l.Text, "AWS Singapore: probe crashed") {
			crashLine = &l
		}
		require.NotContains(t, l.Text, "timed out")
	}
	require.NotNil(t, crashLine)
	require.Equal(t, report.SeverityWarning, crashLine.Severity)
	requireMonotonicTo100(t, rec.ProgressValues())
}

func TestRunHungTargetTimesOut(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	base := newScriptedPinger(map[string][]float64{tokyoHost: {10, 11, 9, 10, 12}})
	pinger := latency.PingerFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		if host == singaporeHost {
			<-release // ignores ctx
			return 0, errors.New("released")
		}
		return base.Ping(ctx, host, timeout)
	})
	rec := &report.Recorder[*AggregateResult]{}
	o := New(testConfig(), okBandwidth(), pinger, WithClock(clock))

	type outcome struct {
		res *AggregateResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Run(context.Background(), rec)
		done <- outcome{res, err}
	}()

	var out outcome
	deadline := time.After(10 * time.Second)
loop:
	for {
		select {
		case out = <-done:
			break loop
		case <-deadline:
			t.Fatal("Run did not return after the latency deadline")
		default:
			clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, out.err)
	require.Nil(t, out.res.Latency["AWS Singapore"])
	require.Equal(t, FailureTimeout, out.res.Failures["AWS Singapore"].Kind)
	_, ok := out.res.LatencyFor("AWS Tokyo")
	require.True(t, ok)

	var timeoutLine bool
	for _, l := range rec.Logs() {
		if l.Text == "AWS Singapore: probe timed out" {
			timeoutLine = true
			require.Equal(t, report.SeverityWarning, l.Severity)
		}
		require.NotContains(t, l.Text, "crashed")
	}
	require.True(t, timeoutLine)
	requireMonotonicTo100(t, rec.ProgressValues())
}

func TestRunIgnoresAbandonedUnitAfterDone(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	base := newScriptedPinger(map[string][]float64{tokyoHost: {10, 11, 9, 10, 12}})
	pinger := latency.PingerFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		if host == singaporeHost {
			<-release
			return 0, errors.New("released")
		}
		return base.Ping(ctx, host, timeout)
	})
	rec := &report.Recorder[*AggregateResult]{}
	o := New(testConfig(), okBandwidth(), pinger, WithClock(clock))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(context.Background(), rec)
	}()

	deadline := time.After(10 * time.Second)
loop:
	for {
		select {
		case <-done:
			break loop
		case <-deadline:
			t.Fatal("Run did not return after the latency deadline")
		default:
			clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}

	settled := len(rec.Events())
	once.Do(func() { close(release) })
	// The abandoned unit now fails its remaining samples immediately.
	time.Sleep(200 * time.Millisecond)

	ev := rec.Events()
	require.Len(t, ev, settled, "reporter events after done: %v", ev[settled:])
	require.Equal(t, "done", ev[len(ev)-1].Kind)
}

func TestRunAttributesLossToTargetsSharingHost(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Targets = []Target{
		{Name: "Game A", Host: "shared.example"},
		{Name: "Game B", Host: "shared.example"},
	}
	pinger := newScriptedPinger(nil)
	rec := &report.Recorder[*AggregateResult]{}

	res, err := New(cfg, okBandwidth(), pinger).Run(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, res.Latency, 2)

	lost := map[string]int{}
	for _, l := range rec.Logs() {
		for _, name := range []string{"Game A", "Game B"} {
			if strings.HasPrefix(l.Text, name+": sample ") {
				lost[name]++
			}
		}
	}
	require.Equal(t, map[string]int{"Game A": 5, "Game B": 5}, lost)
}

func TestRunHungBandwidthIsAbandoned(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	prober := proberFunc(func(ctx context.Context, timeout time.Duration) bandwidth.Result {
		<-release
		return bandwidth.Result{DownloadMbps: 1}
	})
	pinger := newScriptedPinger(map[string][]float64{tokyoHost: {10, 10, 10, 10, 10}})
	cfg := testConfig()
	cfg.Targets = cfg.Targets[:1]
	o := New(cfg, prober, pinger, WithClock(clock))

	done := make(chan *AggregateResult, 1)
	go func() {
		res, _ := o.Run(context.Background(), nil)
		done <- res
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case res := <-done:
			require.Equal(t, bandwidth.ReasonTimeout, res.Bandwidth.Unavailable)
			require.Zero(t, res.Bandwidth.DownloadMbps)
			return
		case <-deadline:
			t.Fatal("Run did not return after the bandwidth deadline")
		default:
			clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRunAppendsBeforeDone(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	recorder := recorderFunc(func(ctx context.Context, res *AggregateResult) error {
		note("append")
		return nil
	})
	rep := report.Funcs[*AggregateResult]{
		OnProgress: func(p int) {
			if p == 100 {
				note("progress-100")
			}
		},
		OnDone: func(*AggregateResult) { note("done") },
	}
	pinger := newScriptedPinger(map[string][]float64{tokyoHost: {10, 10, 10, 10, 10}})

	_, err := New(testConfig(), okBandwidth(), pinger, WithRecorder(recorder)).Run(context.Background(), rep)
	require.NoError(t, err)
	require.True(t, slices.Equal([]string{"progress-100", "append", "done"}, order), "order = %v", order)
}

func TestRunSurfacesStorageErrorAfterDone(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("disk full")
	recorder := recorderFunc(func(ctx context.Context, res *AggregateResult) error { return storeErr })
	rec := &report.Recorder[*AggregateResult]{}
	pinger := newScriptedPinger(nil)

	res, err := New(testConfig(), okBandwidth(), pinger, WithRecorder(recorder)).Run(context.Background(), rec)
	require.ErrorIs(t, err, storeErr)
	require.NotNil(t, res)

	ev := rec.Events()
	require.Equal(t, "done", ev[len(ev)-1].Kind)
	var warned bool
	for _, l := range rec.Logs() {
		if strings.Contains(l.Text, "disk full") {
			warned = l.Severity == report.SeverityWarning
		}
	}
	require.True(t, warned)
}

func TestRunNoTargets(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Targets = nil
	rec := &report.Recorder[*AggregateResult]{}
	res, err := New(cfg, okBandwidth(), nil).Run(context.Background(), rec)
	require.NoError(t, err)
	require.Empty(t, res.Latency)
	requireMonotonicTo100(t, rec.ProgressValues())
}

type countingObserver struct {
	mu   sync.Mutex
	runs int
}

func (c *countingObserver) ObserveRun(*AggregateResult) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
}

func TestRunNotifiesObserver(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	o := New(testConfig(), okBandwidth(), newScriptedPinger(nil), WithObserver(obs))
	for i := 0; i < 2; i++ {
		_, err := o.Run(context.Background(), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 2, obs.runs)
}

func TestConfigDeadlines(t *testing.T) {
	t.Parallel()

	cfg := Config{SampleCount: 5, SampleTimeout: 2 * time.Second, SampleInterval: 200 * time.Millisecond}.withDefaults()
	require.Equal(t, 5*2200*time.Millisecond+DefaultGrace, cfg.LatencyDeadline())
	require.Equal(t, bandwidth.DefaultTimeout+DefaultGrace, cfg.BandwidthDeadline())
}
