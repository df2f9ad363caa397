package speedtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"

	logx "netqual/pkg/logx"
)

var (
	ErrNoServers      = errors.New("no speedtest servers available")
	ErrAllPingsFailed = errors.New("all latency tests failed")
	ErrFullTestFailed = errors.New("download/upload test failed for all servers")
)

// RunConfig controls how a speed probe is executed.
type RunConfig struct {
	// Candidate servers to consider (sorted by distance, then pinged).
	ServerCount int
	// Repeats of the download/upload pair on the chosen server. Results are averaged.
	Repeats int

	// UserConfig passed to speedtest-go.
	SavingMode     bool
	MaxConnections int

	// PostRunFreeOSMemory calls debug.FreeOSMemory after the run (helps RSS drop).
	PostRunFreeOSMemory bool

	// OperationTimeout is used for internal HTTP dial timeout heuristics.
	// It does NOT wrap the provided context.
	OperationTimeout time.Duration

	// PingConcurrency caps how many candidate ping tests run concurrently.
	PingConcurrency int

	DisableHTTP2      bool
	DisableKeepAlives bool
}

// Runner executes speed probes.
type Runner struct {
	cfg RunConfig
	log logx.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

// NewRunner constructs a Runner.
func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	r := &Runner{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (c RunConfig) withDefaults() RunConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.Repeats <= 0 {
		c.Repeats = 1
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	return c
}

// Run executes a single speed probe: pick the lowest-latency server among the
// closest candidates, then measure download and upload on it.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("nil context")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := r.cfg.withDefaults()

	// Always cancel a derived context when we leave, so library goroutines
	// that honor context exit promptly.
	runCtx, cancelRun := context.WithCancel(ctx)
	ctx = runCtx

	start := time.Now()

	hc, tr := newHTTPClient(cfg)

	// Avoid package-level speedtest helpers; speedtest-go keeps package-level state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	applyHTTPClient(stc, hc)
	stc.SetNThread(cfg.MaxConnections)

	defer func() {
		cancelRun()
		stc.Snapshots().Clean()
		stc.Reset()
		if tr != nil {
			tr.CloseIdleConnections()
		}
		if cfg.PostRunFreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidateN := min(cfg.ServerCount, len(servers))
	candidates := servers[:candidateN]

	pinged := r.pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, ErrAllPingsFailed
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	for _, s := range pinged {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.log.Debug("speedtest: full test server",
			logx.String("name", s.Sponsor),
			logx.String("country", s.Country),
			logx.Float64("distance_km", s.Distance),
			logx.Int64("ping_ms", s.Latency.Milliseconds()),
		)

		dl, ul, err := r.repeatOn(ctx, stc, s, cfg.Repeats)
		if err != nil {
			r.log.Warn("speedtest: server failed", logx.String("host", s.Host), logx.Err(err))
			continue
		}

		dlMean, dlStd := meanStdDev(dl)
		ulMean, ulStd := meanStdDev(ul)
		return &Result{
			Timestamp:                 time.Now(),
			DownloadBytesPerSec:       dlMean,
			UploadBytesPerSec:         ulMean,
			DownloadStdDevBytesPerSec: dlStd,
			UploadStdDevBytesPerSec:   ulStd,
			Repeats:                   len(dl),
			PingMs:                    durationMs(s.Latency),
			JitterMs:                  durationMs(s.Jitter),
			ISP:                       user.Isp,
			ServerName:                s.Sponsor,
			ServerCountry:             s.Country,
			ServerHost:                s.Host,
			Duration:                  time.Since(start),
			CandidateCount:            candidateN,
		}, nil
	}
	return nil, ErrFullTestFailed
}

// repeatOn runs the download/upload pair n times on one server and returns the
// per-repeat rates in bytes per second.
func (r *Runner) repeatOn(ctx context.Context, stc *st.Speedtest, s *st.Server, n int) ([]float64, []float64, error) {
	dl := make([]float64, 0, n)
	ul := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if err := s.DownloadTestContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("download test: %w", err)
		}
		dl = append(dl, float64(s.DLSpeed))

		if err := s.UploadTestContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("upload test: %w", err)
		}
		ul = append(ul, float64(s.ULSpeed))

		// Drop per-test snapshots/chunks early.
		stc.Snapshots().Clean()
		stc.Reset()
	}
	return dl, ul, nil
}

func (r *Runner) pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	var (
		mu     sync.Mutex
		pinged = make([]*st.Server, 0, len(servers))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, s := range servers {
		g.Go(func() error {
			// A failed candidate is skipped, not fatal for the group.
			if err := s.PingTestContext(gctx, nil); err != nil {
				r.log.Debug("speedtest: candidate ping failed", logx.String("host", s.Host), logx.Err(err))
				return nil
			}
			if s.Latency <= 0 {
				return nil
			}
			mu.Lock()
			pinged = append(pinged, s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return pinged
}

func meanStdDev(vs []float64) (float64, float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	if len(vs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range vs {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vs)-1))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.OperationTimeout > 0 {
		dialTimeout = min(dialTimeout, cfg.OperationTimeout/2)
		dialTimeout = max(dialTimeout, 2*time.Second)
	}

	perHost := max(cfg.MaxConnections, 2)

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		IdleConnTimeout:       2 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if !cfg.DisableKeepAlives {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = perHost
		tr.IdleConnTimeout = 10 * time.Second
	}

	return &http.Client{Transport: tr}, tr
}

// applyHTTPClient best-effort installs a custom http.Client on the speedtest instance.
func applyHTTPClient(stc any, hc *http.Client) {
	if stc == nil || hc == nil {
		return
	}
	if s, ok := stc.(interface{ SetHTTPClient(*http.Client) }); ok {
		s.SetHTTPClient(hc)
		return
	}

	v := reflect.ValueOf(stc)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return
	}
	e := v.Elem()
	if !e.IsValid() || e.Kind() != reflect.Struct {
		return
	}
	for _, name := range []string{"HTTPClient", "HttpClient", "Client"} {
		f := e.FieldByName(name)
		if !f.IsValid() || !f.CanSet() {
			continue
		}
		if f.Type().AssignableTo(reflect.TypeOf((*http.Client)(nil))) {
			f.Set(reflect.ValueOf(hc))
			return
		}
	}
}
