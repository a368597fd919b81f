// Package config loads the YAML description of a simulation run.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/lorae-collision-simulator/core"
	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Simulation is the full run configuration.
type Simulation struct {
	Map          MapConfig        `yaml:"map"`
	Devices      DevicesConfig    `yaml:"devices"`
	DurationMs   int64            `yaml:"duration_ms"`
	ResolutionMs int64            `yaml:"resolution_ms"`
	PayloadBytes int              `yaml:"payload_bytes"`
	Interval     Interval         `yaml:"interval"`
	Positions    PositionsConfig  `yaml:"positions"`
	Time         TimeConfig       `yaml:"time"`
	DataRates    DataRatesConfig  `yaml:"data_rates"`
	Gateway      GatewayConfig    `yaml:"gateway"`
	Thresholds   ThresholdsConfig `yaml:"thresholds"`
	Hopping      HoppingConfig    `yaml:"hopping"`
	// Seed makes the run reproducible. Unset means a seed is drawn and
	// reported.
	Seed    *uint64 `yaml:"seed"`
	Workers int     `yaml:"workers"`
}

// MapConfig is the deployment area in metres.
type MapConfig struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// DevicesConfig splits the population between LoRa and LoRa-E. LoRaE, when
// set, wins over LoRaERatio.
type DevicesConfig struct {
	Total      int      `yaml:"total"`
	LoRaE      *int     `yaml:"lorae"`
	LoRaERatio *float64 `yaml:"lorae_ratio"`
}

type PositionsConfig struct {
	Distribution string  `yaml:"distribution"` // uniform | normal | annulus
	InnerRadius  float64 `yaml:"inner_radius"`
	OuterRadius  float64 `yaml:"outer_radius"`
}

type TimeConfig struct {
	Mode   string  `yaml:"mode"` // deterministic | normal | uniform | expo | naive
	Jitter float64 `yaml:"jitter_ms"`
}

type DataRatesConfig struct {
	LoRa  int  `yaml:"lora"`
	LoRaE int  `yaml:"lorae"`
	Auto  bool `yaml:"auto"`
}

// GatewayConfig places the gateway. TLE1/TLE2 switch to an orbital gateway
// propagated to Epoch.
type GatewayConfig struct {
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	TLE1  string  `yaml:"tle1"`
	TLE2  string  `yaml:"tle2"`
	Epoch string  `yaml:"epoch"` // RFC 3339

	TxPowerDBm       float64 `yaml:"tx_power_dbm"`
	PathLossExponent float64 `yaml:"path_loss_exponent"`
	MarginDB         float64 `yaml:"margin_db"`
}

type ThresholdsConfig struct {
	LoRa  float64 `yaml:"lora"`
	LoRaE float64 `yaml:"lorae"`
}

type HoppingConfig struct {
	Algorithm   string `yaml:"algorithm"`
	Channels    int    `yaml:"channels"`
	MinDistance int    `yaml:"min_distance"`
	LFSRBits    int    `yaml:"lfsr_bits"`
}

// Interval is the transmit interval: a number of milliseconds, or "max" for
// the shortest duty-cycle compliant period.
type Interval struct {
	Ms  int64
	Max bool
}

// UnmarshalYAML accepts an integer or the string "max".
func (iv *Interval) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: interval must be a scalar (line %d)", ErrInvalidConfig, node.Line)
	}
	return iv.parse(node.Value)
}

// MarshalYAML writes the interval back in its config form.
func (iv Interval) MarshalYAML() (any, error) {
	if iv.Max {
		return "max", nil
	}
	return iv.Ms, nil
}

func (iv *Interval) parse(s string) error {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "max") {
		*iv = Interval{Max: true}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: interval %q is neither milliseconds nor \"max\"", ErrInvalidConfig, s)
	}
	*iv = Interval{Ms: ms}
	return nil
}

// Defaults returns a ten minute run of 100 devices, half of them LoRa-E, on
// the EU868 hopping grid at 10 ms slots.
func Defaults() Simulation {
	ratio := 0.5
	budget := core.DefaultLinkBudget()
	return Simulation{
		Map:          MapConfig{X: 10000, Y: 10000},
		Devices:      DevicesConfig{Total: 100, LoRaERatio: &ratio},
		DurationMs:   int64(10 * time.Minute / time.Millisecond),
		ResolutionMs: 10,
		PayloadBytes: 10,
		Interval:     Interval{Ms: 60000},
		Positions:    PositionsConfig{Distribution: string(core.DistUniform)},
		Time:         TimeConfig{Mode: string(core.TimeDeterministic)},
		DataRates:    DataRatesConfig{LoRa: 5, LoRaE: 8},
		Gateway: GatewayConfig{
			X:                5000,
			Y:                5000,
			TxPowerDBm:       budget.TxPowerDBm,
			PathLossExponent: budget.PathLossExponent,
			MarginDB:         budget.MarginDB,
		},
		Hopping: HoppingConfig{
			Algorithm:   string(core.HopHash),
			Channels:    280,
			MinDistance: 8,
			LFSRBits:    16,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Simulation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Simulation{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Simulation, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Simulation{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Simulation{}, err
	}
	return cfg, nil
}

// Validate checks the configuration without building anything.
func (s Simulation) Validate() error {
	if s.DurationMs <= 0 {
		return fmt.Errorf("%w: duration_ms must be positive", ErrInvalidConfig)
	}
	if s.ResolutionMs <= 0 || s.ResolutionMs > s.DurationMs {
		return fmt.Errorf("%w: resolution_ms must be in [1, duration_ms], got %d", ErrInvalidConfig, s.ResolutionMs)
	}
	if s.Devices.Total < 0 {
		return fmt.Errorf("%w: devices.total must be non-negative", ErrInvalidConfig)
	}
	if _, _, err := s.Split(); err != nil {
		return err
	}
	if s.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative", ErrInvalidConfig)
	}
	if s.Thresholds.LoRa < 0 || s.Thresholds.LoRa > 1 || s.Thresholds.LoRaE < 0 || s.Thresholds.LoRaE > 1 {
		return fmt.Errorf("%w: thresholds must be in [0, 1]", ErrInvalidConfig)
	}
	if s.Gateway.Epoch != "" {
		if _, err := time.Parse(time.RFC3339, s.Gateway.Epoch); err != nil {
			return fmt.Errorf("%w: gateway.epoch: %v", ErrInvalidConfig, err)
		}
	}
	if (s.Gateway.TLE1 == "") != (s.Gateway.TLE2 == "") {
		return fmt.Errorf("%w: gateway needs both tle1 and tle2", ErrInvalidConfig)
	}
	if s.Gateway.TLE1 != "" && s.Gateway.Epoch == "" {
		return fmt.Errorf("%w: an orbital gateway needs gateway.epoch", ErrInvalidConfig)
	}
	if _, err := core.ParseHoppingAlgorithm(s.Hopping.Algorithm); err != nil {
		return err
	}
	if !s.maxRateMode() {
		if _, err := core.ParseTimeMode(s.Time.Mode); err != nil {
			return err
		}
	}
	if _, err := core.ParseDistribution(s.Positions.Distribution); err != nil {
		return err
	}
	return s.Traffic().Validate()
}

// Split returns the number of LoRa and LoRa-E devices.
func (s Simulation) Split() (lora, lorae int, err error) {
	switch {
	case s.Devices.LoRaE != nil:
		lorae = *s.Devices.LoRaE
	case s.Devices.LoRaERatio != nil:
		r := *s.Devices.LoRaERatio
		if r < 0 || r > 1 || math.IsNaN(r) {
			return 0, 0, fmt.Errorf("%w: devices.lorae_ratio must be in [0, 1], got %v", ErrInvalidConfig, r)
		}
		lorae = int(math.Round(float64(s.Devices.Total) * r))
	}
	if lorae < 0 || lorae > s.Devices.Total {
		return 0, 0, fmt.Errorf("%w: %d LoRa-E devices out of %d", ErrInvalidConfig, lorae, s.Devices.Total)
	}
	return s.Devices.Total - lorae, lorae, nil
}

// Traffic is the transmit pattern shared by every device. time.mode "max"
// is accepted as a synonym of interval "max".
func (s Simulation) Traffic() core.Traffic {
	if s.maxRateMode() {
		return core.Traffic{Mode: core.TimeExpo, MaxRate: true}
	}
	return core.Traffic{
		Mode:     core.TimeMode(strings.ToLower(strings.TrimSpace(s.Time.Mode))),
		Interval: s.Interval.Ms,
		Jitter:   s.Time.Jitter,
		MaxRate:  s.Interval.Max,
	}
}

func (s Simulation) maxRateMode() bool {
	return strings.EqualFold(strings.TrimSpace(s.Time.Mode), "max")
}

// HoppingConfig is the LoRa-E channel plan.
func (s Simulation) HoppingConfig() (core.HoppingConfig, error) {
	alg, err := core.ParseHoppingAlgorithm(s.Hopping.Algorithm)
	if err != nil {
		return core.HoppingConfig{}, err
	}
	return core.HoppingConfig{
		Algorithm:   alg,
		Channels:    s.Hopping.Channels,
		MinDistance: s.Hopping.MinDistance,
		LFSRBits:    s.Hopping.LFSRBits,
	}, nil
}

// Collector returns the post-run evaluator.
func (s Simulation) Collector() core.Collector {
	return core.Collector{
		CSSLossThreshold:  s.Thresholds.LoRa,
		FHSSLossThreshold: s.Thresholds.LoRaE,
		Workers:           s.Workers,
	}
}

// LinkBudget returns the uplink model used for automatic data rates.
func (s Simulation) LinkBudget() core.LinkBudget {
	b := core.DefaultLinkBudget()
	b.TxPowerDBm = s.Gateway.TxPowerDBm
	b.PathLossExponent = s.Gateway.PathLossExponent
	b.MarginDB = s.Gateway.MarginDB
	return b
}

// Epoch is the wall-clock instant the run starts at, used to place an
// orbital gateway. It defaults to the Unix epoch, which only a static
// gateway can use.
func (s Simulation) Epoch() time.Time {
	if s.Gateway.Epoch == "" {
		return time.Unix(0, 0).UTC()
	}
	t, _ := time.Parse(time.RFC3339, s.Gateway.Epoch)
	return t
}

// GatewayModel builds the gateway model.
func (s Simulation) GatewayModel() (core.GatewayModel, error) {
	pos := model.Position{X: s.Gateway.X, Y: s.Gateway.Y, Z: s.Gateway.Z}
	centre := model.Position{X: s.Map.X / 2, Y: s.Map.Y / 2}
	return core.NewGatewayModel(pos, centre, s.Gateway.TLE1, s.Gateway.TLE2)
}

// Population assembles the device builder input for seed. hopping may be nil
// when there are no LoRa-E devices.
func (s Simulation) Population(seed uint64, hopping *core.HoppingGenerator, gateway model.Position) (core.PopulationConfig, error) {
	lora, lorae, err := s.Split()
	if err != nil {
		return core.PopulationConfig{}, err
	}
	dist, err := core.ParseDistribution(s.Positions.Distribution)
	if err != nil {
		return core.PopulationConfig{}, err
	}
	return core.PopulationConfig{
		Seed:         seed,
		CSSDevices:   lora,
		FHSSDevices:  lorae,
		Map:          model.Position{X: s.Map.X, Y: s.Map.Y, Z: s.Map.Z},
		Distribution: dist,
		InnerRadius:  s.Positions.InnerRadius,
		OuterRadius:  s.Positions.OuterRadius,
		PayloadBytes: s.PayloadBytes,
		CSSDataRate:  model.DataRate(s.DataRates.LoRa),
		FHSSDataRate: model.DataRate(s.DataRates.LoRaE),
		AutoDataRate: s.DataRates.Auto,
		Gateway:      gateway,
		Link:         s.LinkBudget(),
		Traffic:      s.Traffic(),
		Hopping:      hopping,
		Horizon:      s.DurationMs,
		Workers:      s.Workers,
	}, nil
}
