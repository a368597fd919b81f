package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Frame outcome label values.
const (
	OutcomeSent     = "sent"
	OutcomeReceived = "received"
	OutcomeLost     = "lost"
	OutcomeCollided = "collided"
)

// RunCollector bundles the per-run Prometheus metrics: packet outcomes, the
// final grid occupancy and how long each phase of the run took.
type RunCollector struct {
	gatherer prometheus.Gatherer

	Frames         *prometheus.CounterVec
	GridCells      *prometheus.GaugeVec
	PhaseDurations *prometheus.HistogramVec
	Devices        *prometheus.GaugeVec
}

// NewRunCollector registers run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorasim_frames_total",
		Help: "Logical frames per modulation and outcome (sent, received, lost, collided).",
	}, []string{"modulation", "outcome"})
	frames, err := registerCounterVec(reg, frames, "lorasim_frames_total")
	if err != nil {
		return nil, err
	}

	cells := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lorasim_grid_cells",
		Help: "Occupancy grid cells per state at the end of the run.",
	}, []string{"state"})
	cells, err = registerGaugeVec(reg, cells, "lorasim_grid_cells")
	if err != nil {
		return nil, err
	}

	phases := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lorasim_phase_duration_seconds",
		Help:    "Wall time of each run phase (build, clock, collect).",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"phase"})
	phases, err = registerHistogramVec(reg, phases, "lorasim_phase_duration_seconds")
	if err != nil {
		return nil, err
	}

	devices := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lorasim_devices",
		Help: "Simulated devices per modulation.",
	}, []string{"modulation"})
	devices, err = registerGaugeVec(reg, devices, "lorasim_devices")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:       gatherer,
		Frames:         frames,
		GridCells:      cells,
		PhaseDurations: phases,
		Devices:        devices,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RunCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveDevice adds one device's packet accounting.
func (c *RunCollector) ObserveDevice(modulation string, sent, received, collided int) {
	if c == nil || c.Frames == nil {
		return
	}
	c.Frames.WithLabelValues(modulation, OutcomeSent).Add(float64(sent))
	c.Frames.WithLabelValues(modulation, OutcomeReceived).Add(float64(received))
	c.Frames.WithLabelValues(modulation, OutcomeLost).Add(float64(sent - received))
	c.Frames.WithLabelValues(modulation, OutcomeCollided).Add(float64(collided))
	if c.Devices != nil {
		c.Devices.WithLabelValues(modulation).Inc()
	}
}

// SetGridCells records the final cell counts of the occupancy grid.
func (c *RunCollector) SetGridCells(empty, occupied, collided int) {
	if c == nil || c.GridCells == nil {
		return
	}
	c.GridCells.WithLabelValues("empty").Set(float64(empty))
	c.GridCells.WithLabelValues("occupied").Set(float64(occupied))
	c.GridCells.WithLabelValues("collided").Set(float64(collided))
}

// ObservePhase records the wall time of a run phase.
func (c *RunCollector) ObservePhase(phase string, d time.Duration) {
	if c == nil || c.PhaseDurations == nil {
		return
	}
	c.PhaseDurations.WithLabelValues(phase).Observe(d.Seconds())
}

// Push sends everything the collector's gatherer holds to a Prometheus
// Pushgateway under job, grouped by run_id.
func (c *RunCollector) Push(ctx context.Context, url, job, runID string) error {
	if c == nil {
		return nil
	}
	p := push.New(url, job).Gatherer(c.Gatherer())
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
