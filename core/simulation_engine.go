package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/lorae-collision-simulator/internal/logging"
	"github.com/signalsfoundry/lorae-collision-simulator/kb"
	"github.com/signalsfoundry/lorae-collision-simulator/timectrl"
)

var (
	ErrEngineUsed         = errors.New("simulation engine already ran")
	ErrMissedTransmission = errors.New("transmission scheduled before the current time")
	ErrHorizonExceedsGrid = errors.New("simulation horizon exceeds grid")
)

// Result summarises one clock loop.
type Result struct {
	Horizon   int64
	Steps     int
	Frames    int
	Fragments int
	Grid      GridStats
	Elapsed   time.Duration
}

// SimulationEngine owns the clock loop. At every visited millisecond it
// serves the devices due at that instant in ascending ID order: each one
// creates its frame, every fragment is placed on the grid in order, and the
// device then schedules its next transmission. The grid has no other writer.
type SimulationEngine struct {
	Grid    *OccupancyGrid
	Devices *kb.KnowledgeBase[Device]
	Clock   *timectrl.StepClock
	Horizon int64

	log           logging.Logger
	queue         *txQueue
	tickListeners []func(int64)
	result        Result
	ran           bool
}

// EngineOption configures a SimulationEngine.
type EngineOption func(*SimulationEngine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(se *SimulationEngine) {
		if l != nil {
			se.log = l
		}
	}
}

// NewSimulationEngine wires devices, which must already carry their initial
// schedule, to grid for a run over [0, horizon) ms.
func NewSimulationEngine(grid *OccupancyGrid, devices *kb.KnowledgeBase[Device], horizon int64, opts ...EngineOption) (*SimulationEngine, error) {
	if grid == nil || devices == nil {
		return nil, fmt.Errorf("%w: engine needs a grid and a device registry", ErrInvalidGrid)
	}
	if capacity := int64(grid.Slots()) * grid.Resolution(); horizon > capacity {
		return nil, fmt.Errorf("%w: horizon %d ms, grid covers %d ms", ErrHorizonExceedsGrid, horizon, capacity)
	}
	se := &SimulationEngine{
		Grid:    grid,
		Devices: devices,
		Clock:   timectrl.NewStepClock(horizon, 1),
		Horizon: horizon,
		log:     logging.Noop(),
		queue:   newTxQueue(devices.List()),
	}
	for _, opt := range opts {
		opt(se)
	}
	se.Clock.SetNextEvent(func() int64 {
		if next := se.queue.peek(); next != Never {
			return next
		}
		return timectrl.Idle
	})
	se.Clock.AddListener(se.step)
	return se, nil
}

// RegisterTickListener adds fn, called after the devices of every visited
// millisecond have been served.
func (se *SimulationEngine) RegisterTickListener(fn func(int64)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Run executes the whole run. Any structural error aborts it.
func (se *SimulationEngine) Run(ctx context.Context) (Result, error) {
	if se.ran {
		return Result{}, ErrEngineUsed
	}
	se.ran = true

	start := time.Now()
	se.log.Info(ctx, "clock loop starting",
		logging.Int("devices", se.Devices.Len()),
		logging.Int64("horizon_ms", se.Horizon),
		logging.Int("channels", se.Grid.Channels()),
	)
	if err := se.Clock.Run(ctx); err != nil {
		se.log.Error(ctx, "clock loop aborted", logging.Int64("t", se.Clock.Now()), logging.Err(err))
		return Result{}, err
	}

	se.result.Horizon = se.Horizon
	se.result.Grid = se.Grid.Stats()
	se.result.Elapsed = time.Since(start)
	se.log.Info(ctx, "clock loop finished",
		logging.Int("steps", se.result.Steps),
		logging.Int("frames", se.result.Frames),
		logging.Int("fragments", se.result.Fragments),
		logging.Int("collided_cells", se.result.Grid.Collided),
		logging.Any("elapsed", se.result.Elapsed),
	)
	return se.result, nil
}

func (se *SimulationEngine) step(t int64) error {
	if next := se.queue.peek(); next < t {
		return fmt.Errorf("%w: device due at %d, clock at %d", ErrMissedTransmission, next, t)
	}
	due := se.queue.popDue(t)
	if len(due) > 0 {
		se.result.Steps++
	}
	for _, d := range due {
		frags, err := d.CreateFrame(t)
		if err != nil {
			return fmt.Errorf("t=%d: %w", t, err)
		}
		for _, f := range frags {
			if err := se.Grid.Place(f); err != nil {
				return fmt.Errorf("t=%d device %d: %w", t, d.ID(), err)
			}
		}
		se.result.Frames++
		se.result.Fragments += len(frags)
		se.Devices.Publish(kb.Event{Type: kb.EventFramePlaced, Device: d.ID(), Time: t, Frames: frags})

		d.ScheduleNext(t, se.Horizon)
		se.queue.requeue(d)
	}
	for _, fn := range se.tickListeners {
		fn(t)
	}
	return nil
}
