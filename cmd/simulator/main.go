package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/lorae-collision-simulator/internal/config"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/logging"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/observability"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/sim"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	seed        uint64
	seedSet     bool
	logLevel    string
	storePath   string
	pushgateway string
	job         string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML simulation config (defaults are used when empty)")
	fs.Uint64VarP(&o.seed, "seed", "s", 0, "random seed, overrides the config seed")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error); LOG_LEVEL when empty")
	fs.StringVar(&o.storePath, "store", "", "SQLite file to record the run in")
	fs.StringVar(&o.pushgateway, "pushgateway", "", "Prometheus Pushgateway URL to push run metrics to")
	fs.StringVar(&o.job, "job", "lorae_simulator", "Pushgateway job name")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.seedSet = fs.Changed("seed")
	return o, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	log := logging.NewFromEnv(opts.logLevel)
	ctx, runID := logging.EnsureRunID(ctx)

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	cfg := config.Defaults()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	seed := resolveSeed(opts, cfg)
	log.Info(ctx, "run configured",
		logging.String("config", opts.configPath),
		logging.String("seed", fmt.Sprint(seed)),
		logging.Int("devices", cfg.Devices.Total),
		logging.Int64("duration_ms", cfg.DurationMs),
	)

	reg := prometheus.NewRegistry()
	runMetrics, err := observability.NewRunCollector(reg)
	if err != nil {
		return err
	}
	clockMetrics, err := observability.NewClockCollector(reg)
	if err != nil {
		return err
	}
	runner := sim.NewRunner(
		sim.WithLogger(log),
		sim.WithRunMetrics(runMetrics),
		sim.WithClockMetrics(clockMetrics),
	)
	rep, err := runner.Run(ctx, cfg, seed)
	if err != nil {
		return err
	}

	t := rep.Summary.Tuple()
	fmt.Fprintf(stdout, "%.6f %.6f %.6f %.6f\n", t[0], t[1], t[2], t[3])

	if opts.storePath != "" {
		if err := persist(ctx, opts.storePath, cfg, rep); err != nil {
			return err
		}
		log.Info(ctx, "run stored", logging.String("path", opts.storePath))
	}
	if opts.pushgateway != "" {
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		// a failed push does not invalidate the run
		if err := runMetrics.Push(pushCtx, opts.pushgateway, opts.job, runID); err != nil {
			log.Warn(ctx, "metrics push failed", logging.Err(err))
		}
	}
	return nil
}

func resolveSeed(opts options, cfg config.Simulation) uint64 {
	switch {
	case opts.seedSet:
		return opts.seed
	case cfg.Seed != nil:
		return *cfg.Seed
	default:
		return rand.Uint64()
	}
}

func persist(ctx context.Context, path string, cfg config.Simulation, rep *sim.Report) error {
	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", path, err)
	}
	defer db.Close()

	cfg.Seed = &rep.Seed
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return db.SaveRun(ctx, store.Run{
		ID:        rep.RunID,
		Seed:      rep.Seed,
		StartedAt: rep.StartedAt,
		Config:    string(raw),
		Summary:   rep.Summary,
		Outcomes:  rep.Outcomes,
	})
}
