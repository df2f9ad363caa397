package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"

	"netqual/internal/bandwidth"
	"netqual/internal/config"
	"netqual/internal/latency"
	"netqual/internal/measure"
	"netqual/internal/record"
	logx "netqual/pkg/logx"
	"netqual/pkg/speedtest"
)

// app holds everything a command needs, built once from the config.
type app struct {
	cfg    *config.Config
	logSvc *logx.Service
	log    logx.Logger
	store  record.Store
}

type appOptions struct {
	configPath string
	envFile    string
	verbose    bool
	// quiet raises the console log level to warn so it does not fight the progress bar.
	quiet bool
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newApp(opts appOptions) (*app, error) {
	if err := loadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.ResolvePath(opts.configPath))
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	switch {
	case opts.verbose:
		level = "debug"
	case opts.quiet:
		if lvl, ok := logx.ParseLevel(level); ok && lvl < logx.LevelWarn {
			level = "warn"
		}
	}
	logSvc, log := logx.NewService(logx.Config{
		Level:   level,
		Console: cfg.Logging.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	return &app{cfg: cfg, logSvc: logSvc, log: log}, nil
}

func (a *app) targetNames() []string {
	out := make([]string, len(a.cfg.Targets))
	for i, t := range a.cfg.Targets {
		out[i] = t.Name
	}
	return out
}

func (a *app) openStore() (record.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := record.Open(record.Config{
		Driver:  a.cfg.Log.Driver,
		Path:    a.cfg.Log.Path,
		Targets: a.targetNames(),
	}, a.log.With(logx.String("comp", "record")))
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

func (a *app) pinger() latency.Pinger {
	if a.cfg.Latency.Method == "tcp" {
		return latency.TCPPinger{Port: a.cfg.Latency.TCPPort}
	}
	return latency.ICMPPinger{Privileged: a.cfg.Latency.Privileged}
}

// orchestrator wires the speed probe, pinger and store into a measure.Orchestrator.
func (a *app) orchestrator(extra ...measure.Option) (*measure.Orchestrator, error) {
	d, err := a.cfg.Durations()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	bw := a.cfg.Bandwidth
	runner := speedtest.NewRunner(speedtest.RunConfig{
		ServerCount:      bw.ServerCount,
		Repeats:          bw.Repeats,
		SavingMode:       bw.SavingModeEnabled(),
		MaxConnections:   bw.MaxConnections,
		OperationTimeout: d.BandwidthTimeout,
	}, speedtest.WithLogger(a.log.With(logx.String("comp", "speedtest"))))
	prober := bandwidth.New(runner, bandwidth.WithLogger(a.log.With(logx.String("comp", "bandwidth"))))

	targets := make([]measure.Target, len(a.cfg.Targets))
	for i, t := range a.cfg.Targets {
		targets[i] = measure.Target{Name: t.Name, Host: t.Host}
	}

	opts := append([]measure.Option{
		measure.WithRecorder(st),
		measure.WithLogger(a.log.With(logx.String("comp", "measure"))),
	}, extra...)

	return measure.New(measure.Config{
		Targets:          targets,
		BandwidthTimeout: d.BandwidthTimeout,
		SampleCount:      a.cfg.Latency.Count,
		SampleTimeout:    d.SampleTimeout,
		SampleInterval:   d.SampleInterval,
		Grace:            d.Grace,
		ProgressTick:     d.ProgressTick,
		RampStep:         d.RampStep,
	}, prober, a.pinger(), opts...), nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logSvc != nil {
		errs = append(errs, a.logSvc.Close())
	}
	return errors.Join(errs...)
}
