package core

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

// LR-FHSS timing constants in milliseconds.
const (
	FHSSHeaderDuration int64 = 233
	FHSSHopDuration    int64 = 102
)

// dutyCycle is the regulatory transmit fraction used to derive the minimum
// off period in "max" interval mode.
const dutyCycle = 0.01

// Airtime is a time-on-air breakdown in milliseconds. Preamble and Payload are
// rounded independently; Total is the rounded exact sum.
type Airtime struct {
	Preamble int64
	Payload  int64
	Total    int64
}

// FrameDuration is the duration figure used for scheduling: Total repeated
// once per header replica.
func (a Airtime) FrameDuration(headers int) int64 {
	if headers < 1 {
		headers = 1
	}
	return a.Total * int64(headers)
}

// OffPeriod is the silence a device must keep after a frame of the given
// duration to respect the duty cycle.
func OffPeriod(frameDuration int64) int64 {
	return int64(math.Round(float64(frameDuration) * (1/dutyCycle - 1)))
}

// LoRaParams are the CSS modem settings that drive time-on-air.
type LoRaParams struct {
	DataRate     model.DataRate
	BandwidthKHz int
	Preamble     int
	// CodingRate is the denominator offset: 1 means 4/5 ... 4 means 4/8.
	CodingRate     int
	CRC            bool
	ImplicitHeader bool
	PayloadBytes   int
}

// DefaultLoRaParams returns EU868 uplink settings for dr.
func DefaultLoRaParams(dr model.DataRate, payloadBytes int) LoRaParams {
	return LoRaParams{
		DataRate:     dr,
		BandwidthKHz: 125,
		Preamble:     8,
		CodingRate:   1,
		CRC:          true,
		PayloadBytes: payloadBytes,
	}
}

// LoRaAirtime computes the CSS time-on-air of one packet.
func LoRaAirtime(p LoRaParams) (Airtime, error) {
	if m, err := p.DataRate.Modulation(); err != nil {
		return Airtime{}, err
	} else if m != model.CSS {
		return Airtime{}, fmt.Errorf("%w: DR%d is not a LoRa rate", model.ErrUnsupportedDataRate, int(p.DataRate))
	}
	sf := p.DataRate.SpreadingFactor()
	ldro := 0
	if p.BandwidthKHz == 125 && sf >= 11 {
		ldro = 1
	}

	symbolRate := float64(p.BandwidthKHz) * 1000 / math.Pow(2, float64(sf))
	symbolTime := 1000 / symbolRate
	preamble := (float64(p.Preamble) + 4.25) * symbolTime

	num := 8*p.PayloadBytes - 4*sf + 28 + 16*b2i(p.CRC) - 20*b2i(p.ImplicitHeader)
	den := 4 * (sf - 2*ldro)
	symbols := 8 + math.Max(math.Ceil(float64(num)/float64(den))*float64(p.CodingRate+4), 0)
	payload := symbols * symbolTime

	return Airtime{
		Preamble: int64(math.Round(preamble)),
		Payload:  int64(math.Round(payload)),
		Total:    int64(math.Round(preamble + payload)),
	}, nil
}

// LoRaEAirtime computes the LR-FHSS time-on-air from the closed-form
// approximation keyed by bitrate. Preamble is the duration of one header.
func LoRaEAirtime(bitrate, payloadBytes int) (Airtime, error) {
	var perHop int
	switch bitrate {
	case 162:
		perHop = 2
	case 325, 366:
		perHop = 4
	default:
		return Airtime{}, fmt.Errorf("%w: LR-FHSS bitrate %d", model.ErrUnsupportedDataRate, bitrate)
	}
	hops := int64(math.Ceil(float64(payloadBytes+2) / float64(perHop)))
	payload := hops * FHSSHopDuration
	return Airtime{
		Preamble: FHSSHeaderDuration,
		Payload:  payload,
		Total:    FHSSHeaderDuration + payload,
	}, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
