package core

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

func testPopulation(t *testing.T) PopulationConfig {
	t.Helper()
	hop, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopHash, Channels: 280, MinDistance: 8, LFSRBits: 16})
	if err != nil {
		t.Fatalf("NewHoppingGenerator: %v", err)
	}
	return PopulationConfig{
		Seed:         42,
		CSSDevices:   3,
		FHSSDevices:  4,
		Map:          model.Position{X: 10000, Y: 10000},
		PayloadBytes: 10,
		CSSDataRate:  5,
		FHSSDataRate: 8,
		Gateway:      model.Position{X: 5000, Y: 5000},
		Link:         DefaultLinkBudget(),
		Traffic:      Traffic{Mode: TimeNormal, Interval: 60000, Jitter: 500},
		Hopping:      hop,
		Horizon:      600000,
	}
}

type deviceSnapshot struct {
	ID         int
	Modulation model.Modulation
	DataRate   model.DataRate
	Position   model.Position
	Next       int64
	Hops       []int
}

func snapshot(devices []Device) []deviceSnapshot {
	out := make([]deviceSnapshot, 0, len(devices))
	for _, d := range devices {
		s := deviceSnapshot{ID: d.ID(), Modulation: d.Modulation(), DataRate: d.DataRate(), Position: d.Position(), Next: d.NextTxTime()}
		if f, ok := d.(*FHSSDevice); ok {
			s.Hops = Block(f.seq, 16)
		}
		out = append(out, s)
	}
	return out
}

func TestBuildPopulationLayout(t *testing.T) {
	devices, err := BuildPopulation(context.Background(), testPopulation(t))
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	if len(devices) != 7 {
		t.Fatalf("built %d devices, want 7", len(devices))
	}
	for i, d := range devices {
		want := model.CSS
		if i >= 3 {
			want = model.FHSS
		}
		if d.ID() != i || d.Modulation() != want {
			t.Fatalf("device %d: id %d modulation %s, want %s", i, d.ID(), d.Modulation(), want)
		}
		if d.NextTxTime() == Never || d.NextTxTime() < 0 {
			t.Fatalf("device %d: first transmission %d", i, d.NextTxTime())
		}
		p := d.Position()
		if p.X < 0 || p.X > 10000 || p.Y < 0 || p.Y > 10000 || p.Z != 0 {
			t.Fatalf("device %d outside the map: %+v", i, p)
		}
	}
}

func TestBuildPopulationIsDeterministic(t *testing.T) {
	cfg := testPopulation(t)
	cfg.Workers = 1
	first, err := BuildPopulation(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	cfg.Workers = 8
	second, err := BuildPopulation(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	if diff := cmp.Diff(snapshot(first), snapshot(second)); diff != "" {
		t.Fatalf("same seed built different populations (-first +second):\n%s", diff)
	}

	cfg.Seed = 43
	other, err := BuildPopulation(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	if cmp.Equal(snapshot(first), snapshot(other)) {
		t.Fatalf("different seeds built identical populations")
	}
}

func TestBuildPopulationAnnulus(t *testing.T) {
	cfg := testPopulation(t)
	cfg.CSSDevices, cfg.FHSSDevices = 200, 0
	cfg.Distribution = DistAnnulus
	cfg.InnerRadius, cfg.OuterRadius = 1000, 2000

	devices, err := BuildPopulation(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	centre := cfg.Centre()
	for _, d := range devices {
		r := d.Position().DistanceTo(centre)
		if r < 1000-1e-6 || r > 2000+1e-6 {
			t.Fatalf("device %d at radius %.1f, want [1000, 2000]", d.ID(), r)
		}
	}
}

func TestBuildPopulationNormalStaysOnMap(t *testing.T) {
	cfg := testPopulation(t)
	cfg.CSSDevices, cfg.FHSSDevices = 500, 0
	cfg.Distribution = DistNormal

	devices, err := BuildPopulation(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	for _, d := range devices {
		p := d.Position()
		if p.X < 0 || p.X > cfg.Map.X || p.Y < 0 || p.Y > cfg.Map.Y {
			t.Fatalf("device %d off the map: %+v", d.ID(), p)
		}
	}
}

func TestBuildPopulationAutoDataRate(t *testing.T) {
	cfg := testPopulation(t)
	cfg.AutoDataRate = true
	cfg.CSSDataRate = -1
	cfg.Link.PathLossExponent = 4.5

	devices, err := BuildPopulation(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildPopulation: %v", err)
	}
	for _, d := range devices {
		want, _ := cfg.Link.AutoDataRate(d.Modulation(), d.Position().DistanceTo(cfg.Gateway))
		if d.DataRate() != want {
			t.Fatalf("device %d: DR%d, want DR%d", d.ID(), d.DataRate(), want)
		}
	}
}

func TestPopulationValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PopulationConfig)
		want   error
	}{
		{"negative count", func(c *PopulationConfig) { c.CSSDevices = -1 }, ErrInvalidPopulation},
		{"empty map", func(c *PopulationConfig) { c.Map = model.Position{} }, ErrInvalidPopulation},
		{"unknown distribution", func(c *PopulationConfig) { c.Distribution = "poisson" }, ErrInvalidPopulation},
		{"inverted annulus", func(c *PopulationConfig) {
			c.Distribution = DistAnnulus
			c.InnerRadius, c.OuterRadius = 10, 5
		}, ErrInvalidPopulation},
		{"no payload", func(c *PopulationConfig) { c.PayloadBytes = 0 }, ErrInvalidPopulation},
		{"no horizon", func(c *PopulationConfig) { c.Horizon = 0 }, ErrInvalidPopulation},
		{"LoRa-E rate for LoRa", func(c *PopulationConfig) { c.CSSDataRate = 8 }, model.ErrUnsupportedDataRate},
		{"LoRa rate for LoRa-E", func(c *PopulationConfig) { c.FHSSDataRate = 3 }, model.ErrUnsupportedDataRate},
		{"no hopping generator", func(c *PopulationConfig) { c.Hopping = nil }, ErrInvalidPopulation},
		{"bad traffic", func(c *PopulationConfig) { c.Traffic.Interval = 0 }, ErrInvalidTraffic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testPopulation(t)
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}
