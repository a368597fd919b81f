package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var (
	ErrHeaderMissing      = errors.New("logical frame does not start with its header replicas")
	ErrDehopCountMismatch = errors.New("de-hopped frame count does not match frame numbers")
)

// Collector turns per-device fragment histories into packet outcomes once a
// run is over.
type Collector struct {
	// CSSLossThreshold is the overlapped fraction above which a LoRa frame
	// is lost.
	CSSLossThreshold float64
	// FHSSLossThreshold is the overlapped fraction above which an LR-FHSS
	// fragment counts as entirely lost.
	FHSSLossThreshold float64
	// Workers bounds the parallel history walk; 0 means GOMAXPROCS.
	Workers int
}

// DeviceOutcome is the packet accounting of one device.
type DeviceOutcome struct {
	ID         int
	Modulation model.Modulation
	DataRate   model.DataRate
	Sent       int
	Lost       int
	// Collided counts frames with at least one overlapped fragment,
	// decoded or not.
	Collided int
}

// Received is the number of frames decoded.
func (o DeviceOutcome) Received() int { return o.Sent - o.Lost }

// codingRater is implemented by devices whose payload is FEC protected.
type codingRater interface {
	CodingRate() model.CodingRate
}

// Collect evaluates every device. Devices are independent, so the walk fans
// out across workers; outcomes keep the order of devices.
func (c Collector) Collect(ctx context.Context, devices []Device) ([]DeviceOutcome, error) {
	out := make([]DeviceOutcome, len(devices))
	g, ctx := errgroup.WithContext(ctx)
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for i, d := range devices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			o, err := c.Evaluate(d)
			if err != nil {
				return err
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate decides the fate of every logical frame d transmitted.
func (c Collector) Evaluate(d Device) (DeviceOutcome, error) {
	o := DeviceOutcome{ID: d.ID(), Modulation: d.Modulation(), DataRate: d.DataRate()}
	h := d.History()
	numbers := h.Numbers()

	var cr model.CodingRate
	if d.Modulation() == model.FHSS {
		r, ok := d.(codingRater)
		if !ok {
			return o, fmt.Errorf("device %d: FHSS device without coding rate", d.ID())
		}
		cr = r.CodingRate()
	}

	groups := 0
	for _, n := range numbers {
		frags := h.Fragments(n)
		if err := checkGroup(n, frags); err != nil {
			return o, fmt.Errorf("device %d: %w", d.ID(), err)
		}
		groups++

		var ok bool
		switch d.Modulation() {
		case model.CSS:
			ok = frags[0].CollidedRatio() <= c.CSSLossThreshold
		default:
			var err error
			if ok, err = c.Dehop(frags, cr); err != nil {
				return o, fmt.Errorf("device %d: %w", d.ID(), err)
			}
		}
		o.Sent++
		if !ok {
			o.Lost++
		}
		for _, f := range frags {
			if f.Collided() {
				o.Collided++
				break
			}
		}
	}
	if groups != h.Len() || groups != len(uniqueInts(numbers)) {
		return o, fmt.Errorf("device %d: %w: %d groups for %d frame numbers",
			d.ID(), ErrDehopCountMismatch, groups, len(uniqueInts(numbers)))
	}
	return o, nil
}

func checkGroup(number int, frags []*model.Frame) error {
	if len(frags) == 0 {
		return fmt.Errorf("%w: frame %d has no fragments", ErrDehopCountMismatch, number)
	}
	for i, f := range frags {
		if f.Number != number || f.Part != i || f.Parts != len(frags) {
			return fmt.Errorf("%w: frame %d fragment %d is %d/%d of frame %d",
				ErrDehopCountMismatch, number, i, f.Part, f.Parts, f.Number)
		}
	}
	return nil
}

// Dehop decides whether one LR-FHSS logical frame is decodable. frags must be
// the frame's fragments in order, header replicas first. The header survives
// if any replica is untouched; the loss threshold applies to payload
// fragments only. The payload survives if its clean share of air time
// reaches the coding rate.
func (c Collector) Dehop(frags []*model.Frame, cr model.CodingRate) (bool, error) {
	if len(frags) == 0 || !frags[0].IsHeader {
		return false, ErrHeaderMissing
	}
	headers := 0
	headerOK := false
	for headers < len(frags) && frags[headers].IsHeader {
		if !frags[headers].Collided() {
			headerOK = true
		}
		headers++
	}
	if headers != frags[0].NumHeaders {
		return false, fmt.Errorf("%w: %d header replicas, want %d", ErrHeaderMissing, headers, frags[0].NumHeaders)
	}

	var clean, collided int64
	for _, f := range frags[headers:] {
		if f.IsHeader {
			return false, fmt.Errorf("%w: header replica %d after payload", ErrHeaderMissing, f.Part)
		}
		ratio := f.CollidedRatio()
		if ratio > c.FHSSLossThreshold {
			collided += f.Duration
			continue
		}
		overlap := int64(math.Round(ratio * float64(f.Duration)))
		collided += overlap
		clean += f.Duration - overlap
	}
	if !headerOK {
		return false, nil
	}
	total := clean + collided
	if total == 0 {
		return true, nil
	}
	return clean*int64(cr.Reference) >= int64(cr.Numerator)*total, nil
}

func uniqueInts(xs []int) map[int]struct{} {
	m := make(map[int]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}

// Summary is the per-run report. Set 1 is LoRa, set 2 is LoRa-E; means are
// per device.
type Summary struct {
	Set1Received  float64
	Set1Generated float64
	Set2Received  float64
	Set2Generated float64

	Devices  [2]int
	Sent     [2]int
	Received [2]int
	Collided [2]int
}

// Summarise aggregates device outcomes into a Summary.
func Summarise(outcomes []DeviceOutcome) Summary {
	var s Summary
	var received, generated [2][]float64
	for _, o := range outcomes {
		i := 0
		if o.Modulation == model.FHSS {
			i = 1
		}
		s.Devices[i]++
		s.Sent[i] += o.Sent
		s.Received[i] += o.Received()
		s.Collided[i] += o.Collided
		received[i] = append(received[i], float64(o.Received()))
		generated[i] = append(generated[i], float64(o.Sent))
	}
	s.Set1Received = mean(received[0])
	s.Set1Generated = mean(generated[0])
	s.Set2Received = mean(received[1])
	s.Set2Generated = mean(generated[1])
	return s
}

// Tuple returns the four headline figures in report order.
func (s Summary) Tuple() [4]float64 {
	return [4]float64{s.Set1Received, s.Set1Generated, s.Set2Received, s.Set2Generated}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
