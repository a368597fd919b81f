// Package sim wires configuration, devices, the occupancy grid and the clock
// loop into one simulation run.
package sim

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/lorae-collision-simulator/core"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/config"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/logging"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/observability"
	"github.com/signalsfoundry/lorae-collision-simulator/kb"
	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

// Report is everything a run produces.
type Report struct {
	RunID     string
	Seed      uint64
	StartedAt time.Time
	Gateway   model.Position
	Result    core.Result
	Outcomes  []core.DeviceOutcome
	Summary   core.Summary

	// Grid and Devices are kept for offline inspection of the run.
	Grid    *core.OccupancyGrid
	Devices []core.Device
}

// Runner executes simulation runs. The zero value is not usable; use
// NewRunner.
type Runner struct {
	log   logging.Logger
	run   *observability.RunCollector
	clock *observability.ClockCollector
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRunMetrics records run outcomes into c.
func WithRunMetrics(c *observability.RunCollector) RunnerOption {
	return func(r *Runner) { r.run = c }
}

// WithClockMetrics feeds c from the clock loop.
func WithClockMetrics(c *observability.ClockCollector) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// NewRunner constructs a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{log: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run builds and executes one run of cfg with seed. The context carries the
// run_id; one is generated when absent.
func (r *Runner) Run(ctx context.Context, cfg config.Simulation, seed uint64) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, runID := logging.EnsureRunID(ctx)
	rep := &Report{RunID: runID, Seed: seed, StartedAt: time.Now().UTC()}

	registry, err := r.build(ctx, cfg, rep)
	if err != nil {
		return nil, err
	}
	if err := r.loop(ctx, cfg, registry, rep); err != nil {
		return nil, err
	}
	if err := r.collect(ctx, cfg, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *Runner) build(ctx context.Context, cfg config.Simulation, rep *Report) (*kb.KnowledgeBase[core.Device], error) {
	start := time.Now()
	ctx, span := observability.StartPhase(ctx, "build", attribute.Int64("seed", int64(rep.Seed)))
	defer span.End()

	hcfg, err := cfg.HoppingConfig()
	if err != nil {
		return nil, fail(span, err)
	}
	gen, err := core.NewHoppingGenerator(hcfg)
	if err != nil {
		return nil, fail(span, err)
	}
	hcfg = gen.Config()
	gw, err := cfg.GatewayModel()
	if err != nil {
		return nil, fail(span, err)
	}
	rep.Gateway = gw.Position(cfg.Epoch())

	pcfg, err := cfg.Population(rep.Seed, gen, rep.Gateway)
	if err != nil {
		return nil, fail(span, err)
	}
	devices, err := core.BuildPopulation(ctx, pcfg)
	if err != nil {
		return nil, fail(span, err)
	}
	registry := kb.NewKnowledgeBase[core.Device]()
	if err := registry.AddAll(devices); err != nil {
		return nil, fail(span, err)
	}
	if rep.Grid, err = core.NewOccupancyGrid(hcfg.Channels, cfg.DurationMs, cfg.ResolutionMs); err != nil {
		return nil, fail(span, err)
	}
	rep.Devices = devices

	span.SetAttributes(
		attribute.Int("devices.lora", pcfg.CSSDevices),
		attribute.Int("devices.lorae", pcfg.FHSSDevices),
		attribute.String("hopping.algorithm", string(hcfg.Algorithm)),
	)
	r.run.ObservePhase("build", time.Since(start))
	r.log.Info(ctx, "population built",
		logging.Int("lora", pcfg.CSSDevices),
		logging.Int("lorae", pcfg.FHSSDevices),
		logging.String("hopping", string(hcfg.Algorithm)),
		logging.Int("channels", hcfg.Channels),
		logging.Int("min_distance", hcfg.MinDistance),
		logging.Any("gateway", rep.Gateway),
	)
	return registry, nil
}

func (r *Runner) loop(ctx context.Context, cfg config.Simulation, registry *kb.KnowledgeBase[core.Device], rep *Report) error {
	start := time.Now()
	ctx, span := observability.StartPhase(ctx, "clock", attribute.Int64("horizon_ms", cfg.DurationMs))
	defer span.End()

	engine, err := core.NewSimulationEngine(rep.Grid, registry, cfg.DurationMs, core.WithEngineLogger(r.log))
	if err != nil {
		return fail(span, err)
	}

	lastBusy := int64(-1)
	unsubscribe := registry.Subscribe(func(ev kb.Event) {
		lastBusy = ev.Time
		d, err := registry.Get(ev.Device)
		if err != nil {
			return
		}
		r.clock.ObserveFrame(d.Modulation().String(), len(ev.Frames))
	})
	defer unsubscribe()
	engine.RegisterTickListener(func(t int64) {
		r.clock.ObserveStep(t, lastBusy == t)
	})

	if rep.Result, err = engine.Run(ctx); err != nil {
		return fail(span, fmt.Errorf("run %s: %w", rep.RunID, err))
	}
	span.SetAttributes(
		attribute.Int("frames", rep.Result.Frames),
		attribute.Int("fragments", rep.Result.Fragments),
	)
	r.run.ObservePhase("clock", time.Since(start))
	return nil
}

func (r *Runner) collect(ctx context.Context, cfg config.Simulation, rep *Report) error {
	start := time.Now()
	ctx, span := observability.StartPhase(ctx, "collect")
	defer span.End()

	outcomes, err := cfg.Collector().Collect(ctx, rep.Devices)
	if err != nil {
		return fail(span, fmt.Errorf("run %s: %w", rep.RunID, err))
	}
	rep.Outcomes = outcomes
	rep.Summary = core.Summarise(outcomes)

	for _, o := range outcomes {
		r.run.ObserveDevice(o.Modulation.String(), o.Sent, o.Received(), o.Collided)
	}
	stats := rep.Grid.Stats()
	r.run.SetGridCells(stats.Empty, stats.Occupied, stats.Collided)
	r.run.ObservePhase("collect", time.Since(start))

	tuple := rep.Summary.Tuple()
	r.log.Info(ctx, "run summarised",
		logging.Float64("lora_received_mean", tuple[0]),
		logging.Float64("lora_generated_mean", tuple[1]),
		logging.Float64("lorae_received_mean", tuple[2]),
		logging.Float64("lorae_generated_mean", tuple[3]),
	)
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
