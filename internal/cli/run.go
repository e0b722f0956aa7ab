package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/procwatch/internal/config"
	"github.com/yairfalse/procwatch/internal/observers/base"
	"github.com/yairfalse/procwatch/internal/observers/procwatch"
	"github.com/yairfalse/procwatch/internal/sink"
	"github.com/yairfalse/procwatch/internal/telemetry"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var printConfig bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach the probe and stream process events",
	Example: `  # Attach with the default object and append to ./process_events.jsonl
  procwatch run

  # Poll the process table when eBPF is not available
  procwatch run --fallback

  # Publish to NATS as well
  procwatch run --nats-url nats://127.0.0.1:4222`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		if err := bindRunFlags(v, cmd); err != nil {
			return err
		}
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		if printConfig {
			return writeConfig(cmd.OutOrStdout(), cfg)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx, cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.String("bpf-object", "", "path to the compiled eBPF object")
	f.String("output", "", "JSON lines event log (empty keeps the configured file)")
	f.String("filter", "", "allow/deny rule file applied to the sinks")
	f.String("nats-url", "", "publish events to this NATS server")
	f.String("status-addr", "", "status server listen address")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.Bool("fallback", false, "poll the process table when eBPF is unavailable")
	f.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
}

func bindRunFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"probe.bpf_object":   "bpf-object",
		"output.file":        "output",
		"output.filter_file": "filter",
		"nats.url":           "nats-url",
		"status.addr":        "status-addr",
		"log_level":          "log-level",
		"probe.fallback":     "fallback",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func newLogger(level string) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	if level == "debug" {
		logConfig = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig.Level = lvl
	return logConfig.Build()
}

// runAgent runs the observer with its sinks until ctx is done
func runAgent(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	tcfg := telemetry.DefaultConfig("procwatch")
	tcfg.ServiceVersion = getVersion()
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.EnablePrometheus = cfg.Telemetry.Prometheus
	tcfg.Logger = logger

	provider, err := telemetry.NewProvider(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	observer, err := procwatch.NewObserver("procwatch", cfg.ObserverConfig(logger, provider.MeterProvider()))
	if err != nil {
		return fmt.Errorf("failed to create observer: %w", err)
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close sink", zap.Error(err))
			}
		}
	}()

	register := func(c base.LocalConsumer) { observer.RegisterConsumer(c) }
	if cfg.Output.FilterFile != "" {
		filters := base.NewFilterManager("sinks", logger)
		if err := filters.WatchConfigFile(cfg.Output.FilterFile); err != nil {
			return fmt.Errorf("failed to watch filter file: %w", err)
		}
		defer filters.Stop()
		register = func(c base.LocalConsumer) {
			observer.RegisterConsumer(base.NewFilteredConsumer(c, filters))
		}
	}

	if cfg.Output.File != "" {
		w, err := sink.OpenJSONL(cfg.Output.File, logger)
		if err != nil {
			return err
		}
		closers = append(closers, w)
		register(w)
	}

	if cfg.NATS.URL != "" {
		p, err := sink.NewNATSPublisher(sink.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		closers = append(closers, p)
		register(p)
	}

	if cfg.Status.Addr != "" {
		status := telemetry.NewStatusServer(telemetry.StatusConfig{
			Addr:    cfg.Status.Addr,
			Health:  observer.Health,
			Stats:   func() interface{} { return observer.Statistics() },
			Metrics: provider.MetricsHandler(),
			Logger:  logger,
		})
		if err := status.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = status.Shutdown(shutdownCtx)
		}()
	}

	if err := observer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start observer: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range observer.Events() {
			logger.Debug("Process event",
				zap.String("kind", rec.Kind.String()),
				zap.Uint32("pid", rec.PID),
				zap.Uint32("ppid", rec.PPID),
				zap.Uint32("uid", rec.UID),
				zap.String("comm", rec.Command()),
				zap.Uint32("kill_target", rec.KillTarget),
			)
		}
	}()

	logger.Info("procwatch running", zap.String("mode", string(observer.Mode())))
	<-ctx.Done()
	logger.Info("Shutting down")

	// Stop before the sinks close so buffered records still reach them.
	err = observer.Stop()
	<-done

	stats := observer.Statistics()
	logger.Info("procwatch stopped",
		zap.Int64("events", stats.EventsProcessed),
		zap.Int64("dropped", stats.EventsDropped),
		zap.Uint64("kills", stats.Tracker.Joined),
	)
	return err
}
