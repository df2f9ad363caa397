package cli

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"netqual/internal/measure"
	"netqual/internal/metrics"
	"netqual/internal/record"
	"netqual/internal/report"
	"netqual/internal/schedule"
	logx "netqual/pkg/logx"
)

func newWatchCmd(opts *appOptions) *cobra.Command {
	var (
		every       string
		metricsAddr string
		immediate   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Measure repeatedly on a schedule, optionally exposing Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			raw := a.cfg.Watch.Schedule
			if strings.TrimSpace(every) != "" {
				raw = every
			}
			spec, err := schedule.Parse(raw)
			if err != nil {
				return err
			}
			addr := a.cfg.Watch.MetricsAddr
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			}

			loc := time.Local
			if tz := strings.TrimSpace(a.cfg.Watch.Timezone); tz != "" {
				if loc, err = time.LoadLocation(tz); err != nil {
					return err
				}
			}

			orch, err := a.orchestrator(measure.WithObserver(metrics.Observer{}))
			if err != nil {
				return err
			}
			metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log := a.log.With(logx.String("comp", "watch"))
			runner := schedule.NewRunner(spec,
				schedule.WithLocation(loc),
				schedule.WithLogger(log),
				schedule.WithImmediate(immediate),
			)
			rep := logReporter(log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return runner.Run(gctx, func(ctx context.Context) {
					if _, err := orch.Run(ctx, rep); err != nil {
						if record.IsStorageError(err) {
							metrics.RecordErrors.Inc()
						}
						log.Error("measurement run failed", logx.Err(err))
					}
				})
			})
			if addr != "" {
				g.Go(func() error {
					return metrics.Serve(gctx, metrics.ServerConfig{Addr: addr, Pprof: a.cfg.Watch.Pprof}, log)
				})
			}

			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn("sd_notify ready failed", logx.Err(err))
			} else if ok {
				log.Debug("notified systemd ready")
			}

			err = g.Wait()
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return err
		},
	}
	cmd.Flags().StringVar(&every, "every", "", "override watch.schedule (cron expression or interval)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override watch.metrics_addr (e.g. :9109); empty disables")
	cmd.Flags().BoolVar(&immediate, "now", true, "run once immediately instead of waiting for the first trigger")
	return cmd
}

// logReporter routes run events to the diagnostic log. Progress is dropped.
func logReporter(log logx.Logger) measure.Reporter {
	return report.Funcs[*measure.AggregateResult]{
		OnLog: func(text string, sev report.Severity) {
			if sev == report.SeverityWarning {
				log.Warn(text)
				return
			}
			log.Info(text)
		},
		OnDone: func(res *measure.AggregateResult) {
			log.Info("run recorded", logx.String("run_id", res.RunID.String()), logx.Duration("elapsed", res.Elapsed))
		},
	}
}
