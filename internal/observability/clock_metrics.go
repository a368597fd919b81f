package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ClockCollector exposes metrics fed live from the clock loop.
type ClockCollector struct {
	gatherer prometheus.Gatherer

	FragmentsPlaced *prometheus.CounterVec
	FramesPlaced    *prometheus.CounterVec
	BusySteps       prometheus.Counter
	SimTime         prometheus.Gauge
}

// NewClockCollector registers clock loop metrics against the provided registerer.
func NewClockCollector(reg prometheus.Registerer) (*ClockCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fragments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorasim_fragments_placed_total",
		Help: "Fragments written to the occupancy grid, per modulation.",
	}, []string{"modulation"})
	fragments, err := registerCounterVec(reg, fragments, "lorasim_fragments_placed_total")
	if err != nil {
		return nil, err
	}

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorasim_frames_placed_total",
		Help: "Logical frames transmitted, per modulation.",
	}, []string{"modulation"})
	frames, err = registerCounterVec(reg, frames, "lorasim_frames_placed_total")
	if err != nil {
		return nil, err
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorasim_busy_steps_total",
		Help: "Clock steps at which at least one device transmitted.",
	}), "lorasim_busy_steps_total")
	if err != nil {
		return nil, err
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lorasim_sim_time_ms",
		Help: "Current simulation time in milliseconds.",
	}), "lorasim_sim_time_ms")
	if err != nil {
		return nil, err
	}

	return &ClockCollector{
		gatherer:        gatherer,
		FragmentsPlaced: fragments,
		FramesPlaced:    frames,
		BusySteps:       steps,
		SimTime:         simTime,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ClockCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFrame counts one transmitted logical frame and its fragments.
func (c *ClockCollector) ObserveFrame(modulation string, fragments int) {
	if c == nil {
		return
	}
	if c.FramesPlaced != nil {
		c.FramesPlaced.WithLabelValues(modulation).Inc()
	}
	if c.FragmentsPlaced != nil {
		c.FragmentsPlaced.WithLabelValues(modulation).Add(float64(fragments))
	}
}

// ObserveStep records a visited clock step; busy marks steps with traffic.
func (c *ClockCollector) ObserveStep(t int64, busy bool) {
	if c == nil {
		return
	}
	if c.SimTime != nil {
		c.SimTime.Set(float64(t))
	}
	if busy && c.BusySteps != nil {
		c.BusySteps.Inc()
	}
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
