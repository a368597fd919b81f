package core

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

var ErrInvalidTraffic = errors.New("invalid traffic model")

// TimeMode selects the inter-arrival distribution.
type TimeMode string

const (
	TimeDeterministic TimeMode = "deterministic"
	TimeNormal        TimeMode = "normal"
	TimeUniform       TimeMode = "uniform"
	TimeExpo          TimeMode = "expo"
	TimeNaive         TimeMode = "naive"
)

// ParseTimeMode maps a config string onto a TimeMode.
func ParseTimeMode(s string) (TimeMode, error) {
	switch m := TimeMode(strings.ToLower(strings.TrimSpace(s))); m {
	case TimeDeterministic, TimeNormal, TimeUniform, TimeExpo, TimeNaive:
		return m, nil
	case "":
		return TimeDeterministic, nil
	default:
		return "", fmt.Errorf("%w: time mode %q", ErrInvalidTraffic, s)
	}
}

// Traffic describes a device's transmit pattern.
type Traffic struct {
	Mode TimeMode
	// Interval is the mean time between transmission starts in ms.
	Interval int64
	// Jitter is the standard deviation (normal) or half width (uniform) in ms.
	Jitter float64
	// MaxRate replaces Interval with the shortest duty-cycle compliant
	// period and forces exponential arrivals.
	MaxRate bool
}

// Validate checks the parameters that do not depend on the device.
func (t Traffic) Validate() error {
	if _, err := ParseTimeMode(string(t.Mode)); err != nil {
		return err
	}
	if !t.MaxRate && t.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidTraffic, t.Interval)
	}
	if t.Jitter < 0 {
		return fmt.Errorf("%w: jitter must be non-negative, got %v", ErrInvalidTraffic, t.Jitter)
	}
	return nil
}

// arrivals draws successive transmission instants for one device.
type arrivals struct {
	mode     TimeMode
	interval float64
	jitter   float64
	rng      *rand.Rand
}

// newArrivals binds t to a device whose scheduling duration figure is
// frameDuration.
func newArrivals(t Traffic, frameDuration int64, rng *rand.Rand) (*arrivals, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	mode := t.Mode
	if mode == "" {
		mode = TimeDeterministic
	}
	interval := float64(t.Interval)
	if t.MaxRate {
		mode = TimeExpo
		interval = float64(frameDuration + OffPeriod(frameDuration))
	}
	return &arrivals{mode: mode, interval: interval, jitter: t.Jitter, rng: rng}, nil
}

// first returns the device's initial transmission time, measured from zero.
func (a *arrivals) first() int64 {
	if a.mode == TimeNaive {
		return int64(math.Floor(distuv.Uniform{Min: 0, Max: a.interval, Src: a.rng}.Rand()))
	}
	return a.next(0, 0)
}

// next returns the transmission time following one started at now. The
// result is never earlier than now+busy.
func (a *arrivals) next(now, busy int64) int64 {
	var gap float64
	switch a.mode {
	case TimeNormal:
		gap = distuv.Normal{Mu: a.interval, Sigma: a.jitter, Src: a.rng}.Rand()
	case TimeUniform:
		gap = distuv.Uniform{Min: a.interval - a.jitter, Max: a.interval + a.jitter, Src: a.rng}.Rand()
	case TimeExpo:
		gap = distuv.Exponential{Rate: 1 / a.interval, Src: a.rng}.Rand()
	default:
		// deterministic, and naive after its first draw
		gap = a.interval
	}
	g := int64(math.Round(gap))
	if g < busy {
		g = busy
	}
	return now + g
}
