package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var ErrInvalidPopulation = errors.New("invalid population")

// Distribution selects how device positions are drawn.
type Distribution string

const (
	DistUniform Distribution = "uniform"
	DistNormal  Distribution = "normal"
	DistAnnulus Distribution = "annulus"
)

// ParseDistribution maps a config string onto a Distribution.
func ParseDistribution(s string) (Distribution, error) {
	switch d := Distribution(strings.ToLower(strings.TrimSpace(s))); d {
	case DistUniform, DistNormal, DistAnnulus:
		return d, nil
	case "":
		return DistUniform, nil
	default:
		return "", fmt.Errorf("%w: position distribution %q", ErrInvalidPopulation, s)
	}
}

// Per-device random streams. Each draw family of each device has its own
// generator so results do not depend on build order.
const (
	streamPosition uint64 = iota + 1
	streamTraffic
	streamHopping
)

// DeviceRNG returns the generator of one stream of one device.
func DeviceRNG(seed uint64, device int, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(device)<<8|stream))
}

// PopulationConfig describes the devices of one run. Devices 0 to
// CSSDevices-1 are LoRa, the next FHSSDevices are LoRa-E.
type PopulationConfig struct {
	Seed        uint64
	CSSDevices  int
	FHSSDevices int

	// Map is the extent of the deployment area in metres, from the origin.
	Map          model.Position
	Distribution Distribution
	InnerRadius  float64
	OuterRadius  float64

	PayloadBytes int
	CSSDataRate  model.DataRate
	FHSSDataRate model.DataRate
	// AutoDataRate derives each device's rate from its distance to Gateway.
	AutoDataRate bool
	Gateway      model.Position
	Link         LinkBudget

	Traffic Traffic
	Hopping *HoppingGenerator
	Horizon int64

	// Workers bounds the build fan-out; 0 means GOMAXPROCS.
	Workers int
}

// Centre is the middle of the map.
func (c PopulationConfig) Centre() model.Position {
	return model.Position{X: c.Map.X / 2, Y: c.Map.Y / 2, Z: c.Map.Z / 2}
}

// Validate checks everything that can fail before devices are built.
func (c PopulationConfig) Validate() error {
	if c.CSSDevices < 0 || c.FHSSDevices < 0 {
		return fmt.Errorf("%w: device counts must be non-negative (css=%d fhss=%d)", ErrInvalidPopulation, c.CSSDevices, c.FHSSDevices)
	}
	if c.Map.X <= 0 || c.Map.Y <= 0 || c.Map.Z < 0 {
		return fmt.Errorf("%w: map %vx%vx%v", ErrInvalidPopulation, c.Map.X, c.Map.Y, c.Map.Z)
	}
	if _, err := ParseDistribution(string(c.Distribution)); err != nil {
		return err
	}
	if c.Distribution == DistAnnulus && (c.InnerRadius < 0 || c.OuterRadius <= c.InnerRadius) {
		return fmt.Errorf("%w: annulus radii inner=%v outer=%v", ErrInvalidPopulation, c.InnerRadius, c.OuterRadius)
	}
	if c.PayloadBytes <= 0 {
		return fmt.Errorf("%w: payload must be positive, got %d", ErrInvalidPopulation, c.PayloadBytes)
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("%w: horizon must be positive, got %d", ErrInvalidPopulation, c.Horizon)
	}
	if c.CSSDevices > 0 && !c.AutoDataRate {
		if m, err := c.CSSDataRate.Modulation(); err != nil {
			return err
		} else if m != model.CSS {
			return fmt.Errorf("%w: DR%d is not a LoRa rate", model.ErrUnsupportedDataRate, int(c.CSSDataRate))
		}
	}
	if c.FHSSDevices > 0 {
		if !c.AutoDataRate {
			if _, err := c.FHSSDataRate.FHSS(); err != nil {
				return err
			}
		}
		if c.Hopping == nil {
			return fmt.Errorf("%w: LoRa-E devices need a hopping generator", ErrInvalidPopulation)
		}
	}
	return c.Traffic.Validate()
}

// BuildPopulation constructs every device and draws its first transmission
// time. Devices are independent, so construction fans out over a bounded
// worker pool; the result is ordered by ID.
func BuildPopulation(ctx context.Context, cfg PopulationConfig) ([]Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total := cfg.CSSDevices + cfg.FHSSDevices
	out := make([]Device, total)

	g, ctx := errgroup.WithContext(ctx)
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for id := 0; id < total; id++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := buildDevice(cfg, id)
			if err != nil {
				return err
			}
			d.ScheduleFirst(cfg.Horizon)
			out[id] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func buildDevice(cfg PopulationConfig, id int) (Device, error) {
	mod := model.CSS
	dr := cfg.CSSDataRate
	if id >= cfg.CSSDevices {
		mod = model.FHSS
		dr = cfg.FHSSDataRate
	}

	pos := drawPosition(cfg, DeviceRNG(cfg.Seed, id, streamPosition))
	if cfg.AutoDataRate {
		dr, _ = cfg.Link.AutoDataRate(mod, pos.DistanceTo(cfg.Gateway))
	}
	spec := DeviceSpec{ID: id, DataRate: dr, Position: pos, PayloadBytes: cfg.PayloadBytes}
	traffic := DeviceRNG(cfg.Seed, id, streamTraffic)

	if mod == model.CSS {
		return NewCSSDevice(spec, cfg.Traffic, traffic)
	}
	// hopping sequences index LoRa-E devices from zero
	seq, err := cfg.Hopping.Sequence(id-cfg.CSSDevices, DeviceRNG(cfg.Seed, id, streamHopping))
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", id, err)
	}
	return NewFHSSDevice(spec, cfg.Traffic, seq, traffic)
}

func drawPosition(cfg PopulationConfig, rng *rand.Rand) model.Position {
	switch cfg.Distribution {
	case DistNormal:
		c := cfg.Centre()
		return model.Position{
			X: clippedNormal(c.X, cfg.Map.X, rng),
			Y: clippedNormal(c.Y, cfg.Map.Y, rng),
			Z: clippedNormal(c.Z, cfg.Map.Z, rng),
		}
	case DistAnnulus:
		c := cfg.Centre()
		// uniform in area: r^2 is uniform between the radii squared
		r2 := distuv.Uniform{Min: cfg.InnerRadius * cfg.InnerRadius, Max: cfg.OuterRadius * cfg.OuterRadius, Src: rng}.Rand()
		theta := distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: rng}.Rand()
		r := math.Sqrt(r2)
		return model.Position{X: c.X + r*math.Cos(theta), Y: c.Y + r*math.Sin(theta)}
	default:
		return model.Position{
			X: uniformOn(cfg.Map.X, rng),
			Y: uniformOn(cfg.Map.Y, rng),
			Z: uniformOn(cfg.Map.Z, rng),
		}
	}
}

func uniformOn(extent float64, rng *rand.Rand) float64 {
	if extent <= 0 {
		return 0
	}
	return distuv.Uniform{Min: 0, Max: extent, Src: rng}.Rand()
}

// clippedNormal draws around mu with a sigma of a sixth of the extent, so
// three sigmas reach the map edge, and clips to [0, extent].
func clippedNormal(mu, extent float64, rng *rand.Rand) float64 {
	if extent <= 0 {
		return 0
	}
	v := distuv.Normal{Mu: mu, Sigma: extent / 6, Src: rng}.Rand()
	return math.Min(math.Max(v, 0), extent)
}
