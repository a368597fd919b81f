package core

import (
	"math"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

// LinkBudget is a log-distance path loss model for the uplink from a device
// to the gateway. It only drives data-rate selection; collisions ignore it.
type LinkBudget struct {
	TxPowerDBm       float64
	FrequencyMHz     float64
	PathLossExponent float64
	MarginDB         float64
}

// DefaultLinkBudget is a 14 dBm EU868 uplink in a suburban environment.
func DefaultLinkBudget() LinkBudget {
	return LinkBudget{
		TxPowerDBm:       14,
		FrequencyMHz:     868.1,
		PathLossExponent: 2.7,
		MarginDB:         3,
	}
}

// PathLossDB returns the loss over distanceM metres. Free space loss is used
// up to the 1 m reference distance.
func (b LinkBudget) PathLossDB(distanceM float64) float64 {
	ref := 20*math.Log10(b.FrequencyMHz) - 27.55
	if distanceM <= 1 {
		return ref
	}
	return ref + 10*b.PathLossExponent*math.Log10(distanceM)
}

// RxPowerDBm is the received power at distanceM metres.
func (b LinkBudget) RxPowerDBm(distanceM float64) float64 {
	return b.TxPowerDBm - b.PathLossDB(distanceM)
}

// Sensitivity returns the receiver sensitivity of dr in dBm.
func Sensitivity(dr model.DataRate) (float64, error) {
	switch dr {
	case 0:
		return -137, nil
	case 1:
		return -134.5, nil
	case 2:
		return -132, nil
	case 3:
		return -129, nil
	case 4:
		return -126, nil
	case 5:
		return -123, nil
	case 8, 10:
		return -137, nil
	case 9, 11:
		return -134, nil
	default:
		_, err := dr.Modulation()
		if err == nil {
			err = model.ErrUnsupportedDataRate
		}
		return 0, err
	}
}

// candidate data rates per modulation, fastest first
var (
	cssRates  = []model.DataRate{5, 4, 3, 2, 1, 0}
	fhssRates = []model.DataRate{9, 8}
)

// AutoDataRate picks the fastest data rate of mod whose sensitivity, plus the
// margin, is cleared at distanceM. Devices out of range for every rate get
// the most robust one and covered=false.
func (b LinkBudget) AutoDataRate(mod model.Modulation, distanceM float64) (dr model.DataRate, covered bool) {
	rates := cssRates
	if mod == model.FHSS {
		rates = fhssRates
	}
	rx := b.RxPowerDBm(distanceM)
	for _, r := range rates {
		sens, _ := Sensitivity(r)
		if rx >= sens+b.MarginDB {
			return r, true
		}
	}
	return rates[len(rates)-1], false
}
