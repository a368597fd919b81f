package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedDataRate is returned for data-rate modes outside 0-5 and 8-11.
var ErrUnsupportedDataRate = errors.New("unsupported data rate")

// Modulation tags the two device variants.
type Modulation int

const (
	// CSS is classic LoRa chirp spread spectrum; one frame per packet.
	CSS Modulation = iota
	// FHSS is LoRa-E (LR-FHSS); a packet hops across channels in fragments.
	FHSS
)

func (m Modulation) String() string {
	switch m {
	case CSS:
		return "lora"
	case FHSS:
		return "lorae"
	default:
		return fmt.Sprintf("modulation(%d)", int(m))
	}
}

// ParseModulation is the inverse of String.
func ParseModulation(s string) (Modulation, error) {
	switch s {
	case "lora":
		return CSS, nil
	case "lorae":
		return FHSS, nil
	default:
		return 0, fmt.Errorf("unknown modulation %q", s)
	}
}

// Position is a device or gateway location in metres.
type Position struct {
	X float64
	Y float64
	Z float64
}

// DistanceTo returns the straight-line distance between two positions.
func (p Position) DistanceTo(o Position) float64 {
	dx := p.X - o.X
	dy := p.Y - o.Y
	dz := p.Z - o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// CodingRate is the FEC rate of an FHSS payload, expressed against a fixed
// reference denominator (3 for the LR-FHSS family: 1/3 and 2/3).
type CodingRate struct {
	Numerator int
	Reference int
}

// DataRate is a regional data-rate index. 0-5 select LoRa spreading factors
// 12 down to 7 at 125 kHz; 8-11 select LR-FHSS.
type DataRate int

// Modulation returns the variant a data rate belongs to.
func (dr DataRate) Modulation() (Modulation, error) {
	switch {
	case dr >= 0 && dr <= 5:
		return CSS, nil
	case dr >= 8 && dr <= 11:
		return FHSS, nil
	default:
		return 0, fmt.Errorf("%w: DR%d", ErrUnsupportedDataRate, int(dr))
	}
}

// SpreadingFactor is 12 - DR for CSS data rates.
func (dr DataRate) SpreadingFactor() int {
	return 12 - int(dr)
}

// FHSSProfile is the per-data-rate LR-FHSS parameter set.
type FHSSProfile struct {
	CodingRate CodingRate
	Headers    int
	Bitrate    int
}

// FHSS returns the LR-FHSS parameters of DR8-DR11.
func (dr DataRate) FHSS() (FHSSProfile, error) {
	switch dr {
	case 8, 10:
		return FHSSProfile{CodingRate: CodingRate{Numerator: 1, Reference: 3}, Headers: 3, Bitrate: 162}, nil
	case 9, 11:
		return FHSSProfile{CodingRate: CodingRate{Numerator: 2, Reference: 3}, Headers: 2, Bitrate: 325}, nil
	default:
		return FHSSProfile{}, fmt.Errorf("%w: DR%d is not an LR-FHSS rate", ErrUnsupportedDataRate, int(dr))
	}
}
