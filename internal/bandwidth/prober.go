package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	logx "netqual/pkg/logx"
	"netqual/pkg/speedtest"
)

const DefaultTimeout = 30 * time.Second

// Reason tags why a bandwidth result is unavailable.
type Reason string

const (
	ReasonTimeout    Reason = "timeout"
	ReasonProbeError Reason = "probe_error"
)

// Result is the outcome of one bandwidth probe. Either the throughput fields
// are set, or Unavailable names the failure.
type Result struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64

	DownloadStdDevMbps float64
	UploadStdDevMbps   float64
	Repeats            int

	ISP    string
	Server string

	Unavailable Reason
	Detail      string

	Elapsed time.Duration
}

func (r Result) Available() bool { return r.Unavailable == "" }

// SpeedProbe is the bandwidth measurement backend. *speedtest.Runner implements it.
type SpeedProbe interface {
	Run(ctx context.Context) (*speedtest.Result, error)
}

// SpeedProbeFunc adapts a function to SpeedProbe.
type SpeedProbeFunc func(ctx context.Context) (*speedtest.Result, error)

func (f SpeedProbeFunc) Run(ctx context.Context) (*speedtest.Result, error) { return f(ctx) }

// Prober bounds a SpeedProbe with a wall-clock timeout.
type Prober struct {
	probe SpeedProbe
	clock clockwork.Clock
	log   logx.Logger
}

type Option func(*Prober)

func WithClock(c clockwork.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(p *Prober) { p.log = log } }

func New(probe SpeedProbe, opts ...Option) *Prober {
	p := &Prober{probe: probe, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(p)
	}
	return p
}

type outcome struct {
	res *speedtest.Result
	err error
}

// Probe runs the speed probe in its own goroutine and waits at most timeout.
//
// On timeout the probe's context is cancelled and the goroutine is abandoned:
// a backend that ignores its context keeps running until it returns on its own.
// Probe never returns an error; failures are encoded in Result.Unavailable.
func (p *Prober) Probe(ctx context.Context, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := p.clock.Now()
	if p.probe == nil {
		return unavailable(ReasonProbeError, "no speed probe configured", 0)
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned probe can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := p.probe.Run(pctx)
		done <- outcome{res: res, err: err}
	}()

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		elapsed := p.clock.Since(start)
		switch {
		case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
			p.log.Warn("bandwidth probe timed out", logx.Err(o.err), logx.Duration("elapsed", elapsed))
			return unavailable(ReasonTimeout, shortDetail(o.err.Error()), elapsed)
		case o.err != nil:
			p.log.Warn("bandwidth probe failed", logx.Err(o.err), logx.Duration("elapsed", elapsed))
			return unavailable(ReasonProbeError, shortDetail(o.err.Error()), elapsed)
		case o.res == nil:
			return unavailable(ReasonProbeError, "speed probe returned no result", elapsed)
		}
		res := fromSpeedtest(o.res)
		res.Elapsed = elapsed
		p.log.Info("bandwidth probe completed",
			logx.Float64("download_mbps", res.DownloadMbps),
			logx.Float64("upload_mbps", res.UploadMbps),
			logx.Float64("ping_ms", res.PingMs),
			logx.String("server", res.Server),
			logx.Duration("elapsed", elapsed),
		)
		return res

	case <-timer.Chan():
		p.log.Warn("bandwidth probe timed out; abandoning", logx.Duration("timeout", timeout))
		return unavailable(ReasonTimeout, fmt.Sprintf("no result within %s", timeout), timeout)

	case <-ctx.Done():
		reason := ReasonProbeError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return unavailable(reason, shortDetail(ctx.Err().Error()), p.clock.Since(start))
	}
}

// BytesPerSecToMbps converts a byte rate to megabits per second.
func BytesPerSecToMbps(v float64) float64 { return v * 8 / 1_000_000 }

func fromSpeedtest(r *speedtest.Result) Result {
	server := r.ServerName
	if r.ServerCountry != "" {
		server = strings.TrimSpace(server + " (" + r.ServerCountry + ")")
	}
	return Result{
		DownloadMbps:       BytesPerSecToMbps(r.DownloadBytesPerSec),
		UploadMbps:         BytesPerSecToMbps(r.UploadBytesPerSec),
		PingMs:             r.PingMs,
		DownloadStdDevMbps: BytesPerSecToMbps(r.DownloadStdDevBytesPerSec),
		UploadStdDevMbps:   BytesPerSecToMbps(r.UploadStdDevBytesPerSec),
		Repeats:            r.Repeats,
		ISP:                r.ISP,
		Server:             server,
	}
}

func unavailable(reason Reason, detail string, elapsed time.Duration) Result {
	return Result{Unavailable: reason, Detail: detail, Elapsed: elapsed}
}

func shortDetail(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	const maxN = 200
	if len(s) <= maxN {
		return s
	}
	return s[:maxN-3] + "..."
}
