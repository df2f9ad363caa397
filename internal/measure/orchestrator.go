package measure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"netqual/internal/bandwidth"
	"netqual/internal/latency"
	"netqual/internal/report"
	"netqual/internal/runtime/supervisor"
	logx "netqual/pkg/logx"
)

const (
	DefaultSampleCount  = 5
	DefaultGrace        = 3 * time.Second
	DefaultProgressTick = 50 * time.Millisecond
	DefaultRampStep     = 20 * time.Millisecond

	bandwidthUnit = "bandwidth"
	latencyPrefix = "latency:"
)

// Config is fixed for the lifetime of an Orchestrator.
type Config struct {
	Targets []Target

	BandwidthTimeout time.Duration

	SampleCount    int
	SampleTimeout  time.Duration
	SampleInterval time.Duration

	// Grace is added to each unit's expected duration before the
	// orchestrator stops waiting for it.
	Grace time.Duration

	ProgressTick time.Duration
	// RampStep is the pause between the cosmetic 91..100 progress steps. Zero disables it.
	RampStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.BandwidthTimeout <= 0 {
		c.BandwidthTimeout = bandwidth.DefaultTimeout
	}
	if c.SampleCount <= 0 {
		c.SampleCount = DefaultSampleCount
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = latency.DefaultSampleTimeout
	}
	if c.SampleInterval < 0 {
		c.SampleInterval = 0
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.ProgressTick <= 0 {
		c.ProgressTick = DefaultProgressTick
	}
	if c.RampStep < 0 {
		c.RampStep = 0
	}
	c.Targets = append([]Target(nil), c.Targets...)
	return c
}

// LatencyDeadline is how long the orchestrator waits for a latency unit.
func (c Config) LatencyDeadline() time.Duration {
	return time.Duration(c.SampleCount)*(c.SampleTimeout+c.SampleInterval) + c.Grace
}

// BandwidthDeadline is how long the orchestrator waits for the bandwidth unit.
// The prober enforces its own timeout; this only covers a prober that hangs.
func (c Config) BandwidthDeadline() time.Duration { return c.BandwidthTimeout + c.Grace }

// Orchestrator runs one bandwidth unit and one latency unit per target
// concurrently and folds their outcomes into an AggregateResult.
// Runs are independent; one Orchestrator may serve several runs.
type Orchestrator struct {
	cfg      Config
	prober   BandwidthProber
	pinger   latency.Pinger
	recorder Recorder
	observer Observer
	clock    clockwork.Clock
	log      logx.Logger

	mu    sync.Mutex
	state State
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }

func New(cfg Config, prober BandwidthProber, pinger latency.Pinger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		prober: prober,
		pinger: pinger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// State returns the phase of the most recent run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// runState is owned by the Run goroutine.
type runState struct {
	bwSettled bool
	bw        bandwidth.Result

	pending  map[string]bool
	latency  map[string]*latency.Result
	failures map[string]UnitFailure
}

// Run performs one measurement and returns its aggregate.
//
// Probe failures never abort the run: they are reported through rep and
// folded into the result. The returned error is non-nil only when the
// recorder failed; the result is still complete in that case and rep.Done
// has been called with it.
func (o *Orchestrator) Run(ctx context.Context, rep Reporter) (*AggregateResult, error) {
	if rep == nil {
		rep = report.Nop[*AggregateResult]()
	}
	rep = report.Serialized(rep)

	cfg := o.cfg
	runID := uuid.New()
	log := o.log.With(logx.String("run_id", runID.String()))
	start := o.clock.Now()

	o.setState(StateRunning)
	prog := newProgress(rep.Progress)
	prog.set(0)
	log.Info("measurement started", logx.Int("targets", len(cfg.Targets)))

	st := &runState{
		pending:  make(map[string]bool, len(cfg.Targets)),
		latency:  make(map[string]*latency.Result, len(cfg.Targets)),
		failures: map[string]UnitFailure{},
	}

	// Every unit reports exactly once through the exit hook, so this never blocks.
	exits := make(chan supervisor.ExitEvent, len(cfg.Targets)+1)
	sup := supervisor.New(ctx,
		supervisor.WithLogger(log),
		supervisor.WithExitHook(func(ev supervisor.ExitEvent) { exits <- ev }),
	)
	// Abandoned units keep the supervisor context until they return on their own.
	defer sup.Cancel()

	var bwOut bandwidth.Result
	sup.Go0(bandwidthUnit, func(ctx context.Context) {
		if o.prober == nil {
			bwOut = bandwidth.Result{Unavailable: bandwidth.ReasonProbeError, Detail: "no bandwidth prober configured"}
			return
		}
		bwOut = o.prober.Probe(ctx, cfg.BandwidthTimeout)
	})

	gate := newUnitGate(len(cfg.Targets))
	latOut := make(map[string]*latency.Result, len(cfg.Targets))
	var latMu sync.Mutex
	for _, t := range cfg.Targets {
		st.pending[t.Name] = true
		st.latency[t.Name] = nil
		sampler := latency.NewSampler(o.pinger,
			latency.WithSampleTimeout(cfg.SampleTimeout),
			latency.WithInterval(cfg.SampleInterval),
			latency.WithLogger(log),
			latency.WithErrorHook(func(_ string, seq int, err error) {
				gate.do(t.Name, func() {
					rep.Log(fmt.Sprintf("%s: sample %d lost: %v", t.Name, seq, err), report.SeverityNormal)
				})
			}),
		)
		sup.Go0(latencyPrefix+t.Name, func(ctx context.Context) {
			res := sampler.Sample(ctx, t.Host, cfg.SampleCount)
			latMu.Lock()
			latOut[t.Name] = res
			latMu.Unlock()
		})
	}

	ticker := o.clock.NewTicker(cfg.ProgressTick)
	defer ticker.Stop()
	bwDeadline := o.clock.NewTimer(cfg.BandwidthDeadline())
	defer bwDeadline.Stop()
	latDeadline := o.clock.NewTimer(cfg.LatencyDeadline())
	defer latDeadline.Stop()

	settleBandwidth := func(res bandwidth.Result) {
		st.bwSettled = true
		st.bw = res
		prog.bandwidthSettled()
	}
	settleTarget := func(name string, res *latency.Result, fail *UnitFailure) {
		gate.close(name)
		delete(st.pending, name)
		st.latency[name] = res
		if fail != nil {
			st.failures[name] = *fail
		}
	}

	for !st.bwSettled || len(st.pending) > 0 {
		select {
		case ev := <-exits:
			if ev.Name == bandwidthUnit {
				if st.bwSettled {
					continue
				}
				res := bwOut
				if ev.Panicked() {
					res = bandwidth.Result{Unavailable: bandwidth.ReasonProbeError, Detail: fmt.Sprintf("panic: %v", ev.Panic)}
				}
				settleBandwidth(res)
				continue
			}
			name := strings.TrimPrefix(ev.Name, latencyPrefix)
			if !st.pending[name] {
				continue
			}
			if ev.Panicked() {
				detail := fmt.Sprint(ev.Panic)
				settleTarget(name, nil, &UnitFailure{Kind: FailureCrashed, Detail: detail})
				rep.Log(fmt.Sprintf("%s: probe crashed: %s", name, detail), report.SeverityWarning)
				log.Warn("latency unit crashed", logx.String("target", name), logx.String("panic", detail))
				continue
			}
			latMu.Lock()
			res := latOut[name]
			latMu.Unlock()
			settleTarget(name, res, nil)

		case <-bwDeadline.Chan():
			if !st.bwSettled {
				log.Warn("bandwidth unit did not settle; abandoning", logx.Duration("deadline", cfg.BandwidthDeadline()))
				settleBandwidth(bandwidth.Result{
					Unavailable: bandwidth.ReasonTimeout,
					Detail:      fmt.Sprintf("no result within %s", cfg.BandwidthDeadline()),
					Elapsed:     cfg.BandwidthDeadline(),
				})
			}

		case <-latDeadline.Chan():
			for _, t := range cfg.Targets {
				if !st.pending[t.Name] {
					continue
				}
				settleTarget(t.Name, nil, &UnitFailure{Kind: FailureTimeout, Detail: fmt.Sprintf("no result within %s", cfg.LatencyDeadline())})
				rep.Log(t.Name+": probe timed out", report.SeverityWarning)
				log.Warn("latency unit timed out", logx.String("target", t.Name))
			}

		case <-ticker.Chan():
		}

		elapsed := o.clock.Since(start)
		if !st.bwSettled {
			prog.bandwidthRunning(float64(elapsed) / float64(cfg.BandwidthDeadline()))
		} else if len(st.pending) > 0 {
			total := len(cfg.Targets)
			prog.latencyRunning(total-len(st.pending), total, float64(elapsed)/float64(cfg.LatencyDeadline()))
		}
	}
	prog.latencySettled()

	o.setState(StateAggregating)
	res := &AggregateResult{
		RunID:     runID,
		Timestamp: start,
		Elapsed:   o.clock.Since(start),
		Bandwidth: st.bw,
		Targets:   cfg.Targets,
		Latency:   st.latency,
		Failures:  st.failures,
	}
	for _, line := range summarize(res) {
		rep.Log(line.Text, line.Severity)
	}

	for v := latencyCeiling + 1; v <= 100; v++ {
		if cfg.RampStep > 0 {
			o.clock.Sleep(cfg.RampStep)
		}
		prog.set(v)
	}

	if o.observer != nil {
		o.observer.ObserveRun(res)
	}

	var storeErr error
	if o.recorder != nil {
		if err := o.recorder.Append(context.WithoutCancel(ctx), res); err != nil {
			storeErr = err
			rep.Log("Failed to save result: "+err.Error(), report.SeverityWarning)
			log.Error("record append failed", logx.Err(err))
		}
	}

	o.setState(StateDone)
	log.Info("measurement finished",
		logx.Duration("elapsed", res.Elapsed),
		logx.Bool("bandwidth_ok", res.Bandwidth.Available()),
		logx.Int("latency_failures", len(res.Failures)),
	)
	rep.Done(res)
	return res, storeErr
}

// unitGate drops reporter calls from latency units that have already been
// settled, so an abandoned unit cannot write into a finished run.
type unitGate struct {
	mu     sync.Mutex
	closed map[string]bool
}

func newUnitGate(n int) *unitGate { return &unitGate{closed: make(map[string]bool, n)} }

func (g *unitGate) do(name string, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed[name] {
		fn()
	}
}

func (g *unitGate) close(name string) {
	g.mu.Lock()
	g.closed[name] = true
	g.mu.Unlock()
}
