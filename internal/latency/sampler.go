package latency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	logx "netqual/pkg/logx"
)

const (
	DefaultSampleTimeout = 2 * time.Second
	DefaultInterval      = 200 * time.Millisecond
)

// ErrNoReply is returned by a Pinger when the probe was sent but nothing came back
// before the deadline.
var ErrNoReply = errors.New("no reply")

// Pinger measures one round trip to host. It must give up once ctx is done
// or timeout has elapsed, whichever comes first.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)

func (f PingerFunc) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	return f(ctx, host, timeout)
}

// SampleErrorHook observes individual missing samples. seq is 1-based.
type SampleErrorHook func(host string, seq int, err error)

// Sampler takes sequential round-trip samples against one host and summarizes them.
// A Sampler holds no per-host state and is safe for concurrent use.
type Sampler struct {
	pinger   Pinger
	timeout  time.Duration
	interval time.Duration
	onError  SampleErrorHook
	log      logx.Logger
}

type Option func(*Sampler)

// WithSampleTimeout bounds each individual sample.
func WithSampleTimeout(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithInterval sets the minimum spacing between sample starts. Zero disables pacing.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d >= 0 {
			s.interval = d
		}
	}
}

func WithErrorHook(fn SampleErrorHook) Option { return func(s *Sampler) { s.onError = fn } }

func WithLogger(log logx.Logger) Option { return func(s *Sampler) { s.log = log } }

func NewSampler(p Pinger, opts ...Option) *Sampler {
	s := &Sampler{
		pinger:   p,
		timeout:  DefaultSampleTimeout,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timeout returns the per-sample timeout in effect.
func (s *Sampler) Timeout() time.Duration { return s.timeout }

// Interval returns the pacing interval in effect.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Sample issues count probes to host and summarizes them. Probe errors and
// timeouts count as missing samples and are never returned to the caller.
// If ctx ends early the remaining samples are recorded as missing.
func (s *Sampler) Sample(ctx context.Context, host string, count int) *Result {
	if count <= 0 {
		return Summarize(host, nil)
	}

	limit := rate.Inf
	if s.interval > 0 {
		limit = rate.Every(s.interval)
	}
	lim := rate.NewLimiter(limit, 1)

	samples := make([]*time.Duration, count)
	for i := 0; i < count; i++ {
		if err := lim.Wait(ctx); err != nil {
			s.missing(host, i+1, fmt.Errorf("sampling aborted: %w", err))
			continue
		}
		rtt, err := s.probe(ctx, host)
		if err != nil {
			s.missing(host, i+1, err)
			continue
		}
		samples[i] = &rtt
	}

	res := Summarize(host, samples)
	s.log.Debug("latency sampled",
		logx.String("host", host),
		logx.Int("sent", res.Sent),
		logx.Int("received", res.Received),
		logx.Float64("loss_pct", res.PacketLossPct),
		logx.String("stability", res.Stability.String()),
	)
	return res
}

func (s *Sampler) probe(ctx context.Context, host string) (time.Duration, error) {
	if s.pinger == nil {
		return 0, errors.New("no pinger configured")
	}
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rtt, err := s.pinger.Ping(pctx, host, s.timeout)
	if err != nil {
		return 0, err
	}
	if rtt <= 0 {
		return 0, fmt.Errorf("invalid round trip %v", rtt)
	}
	if rtt > s.timeout {
		return 0, fmt.Errorf("round trip %v exceeded timeout %v: %w", rtt, s.timeout, ErrNoReply)
	}
	return rtt, nil
}

func (s *Sampler) missing(host string, seq int, err error) {
	s.log.Debug("latency sample missing", logx.String("host", host), logx.Int("seq", seq), logx.Err(err))
	if s.onError != nil {
		s.onError(host, seq, err)
	}
}
