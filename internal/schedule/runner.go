// Package schedule triggers repeated work from a cron expression or a fixed interval.
package schedule

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	logx "netqual/pkg/logx"
)

// Job is one scheduled invocation. Runs never overlap: a trigger that fires
// while the previous run is still going is skipped.
type Job func(ctx context.Context)

type Runner struct {
	spec      Spec
	loc       *time.Location
	clock     clockwork.Clock
	log       logx.Logger
	immediate bool

	runs    atomic.Uint64
	skipped atomic.Uint64
}

type Option func(*Runner)

func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock drives interval schedules. Cron schedules always use the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

// WithImmediate runs the job once as soon as Run starts.
func WithImmediate(on bool) Option { return func(r *Runner) { r.immediate = on } }

func NewRunner(spec Spec, opts ...Option) *Runner {
	r := &Runner{spec: spec, loc: time.Local, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Runs is the number of completed job invocations.
func (r *Runner) Runs() uint64 { return r.runs.Load() }

// Skipped is the number of triggers dropped because a run was in progress.
func (r *Runner) Skipped() uint64 { return r.skipped.Load() }

// Run blocks until ctx is done, invoking job on schedule.
// It waits for an in-flight job to return before returning.
func (r *Runner) Run(ctx context.Context, job Job) error {
	r.log.Info("schedule started", logx.String("kind", r.spec.Kind.String()), logx.String("schedule", r.spec.String()))
	defer func() {
		r.log.Info("schedule stopped", logx.Int64("runs", int64(r.Runs())), logx.Int64("skipped", int64(r.Skipped())))
	}()

	if r.immediate {
		r.invoke(ctx, job)
	}
	if ctx.Err() != nil {
		return nil
	}
	if r.spec.Kind == KindInterval {
		return r.runInterval(ctx, job)
	}
	return r.runCron(ctx, job)
}

func (r *Runner) runInterval(ctx context.Context, job Job) error {
	t := r.clock.NewTicker(r.spec.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			r.invoke(ctx, job)
			// drop a tick that queued while the job ran
			select {
			case <-t.Chan():
				r.skipped.Add(1)
			default:
			}
		}
	}
}

func (r *Runner) runCron(ctx context.Context, job Job) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(r.loc),
		cron.WithChain(cron.Recover(cronLogger{r}), cron.SkipIfStillRunning(cronLogger{r})),
	)
	if _, err := c.AddFunc(r.spec.Cron, func() { r.invoke(ctx, job) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Runner) invoke(ctx context.Context, job Job) {
	start := r.clock.Now()
	job(ctx)
	r.runs.Add(1)
	r.log.Debug("scheduled run finished", logx.Duration("took", r.clock.Since(start)))
}

// cronLogger adapts the runner's logger to cron.Logger.
type cronLogger struct{ r *Runner }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		// SkipIfStillRunning reports dropped triggers at info level.
		l.r.skipped.Add(1)
		l.r.log.Warn("scheduled run skipped; previous run still in progress")
		return
	}
	l.r.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.r.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
