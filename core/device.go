package core

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

// Never is the NextTxTime of a device with no transmission left that fits
// before the end of the run.
const Never int64 = math.MaxInt64

// Device is the capability shared by the CSS and FHSS variants. The engine
// drives it through NextTxTime, CreateFrame and ScheduleNext only.
type Device interface {
	ID() int
	Modulation() model.Modulation
	DataRate() model.DataRate
	Position() model.Position
	Airtime() Airtime
	// FrameDuration is the duration figure used for duty cycle and horizon
	// checks.
	FrameDuration() int64
	NextTxTime() int64
	ScheduleFirst(horizon int64)
	ScheduleNext(now, horizon int64)
	CreateFrame(now int64) ([]*model.Frame, error)
	History() *FrameHistory
}

// DeviceSpec is the immutable identity of a device.
type DeviceSpec struct {
	ID           int
	DataRate     model.DataRate
	Position     model.Position
	PayloadBytes int
}

// FrameHistory keeps a device's fragments grouped by frame number, in the
// order they were transmitted.
type FrameHistory struct {
	numbers []int
	frames  map[int][]*model.Frame
}

func newFrameHistory() *FrameHistory {
	return &FrameHistory{frames: make(map[int][]*model.Frame)}
}

func (h *FrameHistory) add(number int, frags []*model.Frame) {
	if _, ok := h.frames[number]; !ok {
		h.numbers = append(h.numbers, number)
	}
	h.frames[number] = append(h.frames[number], frags...)
}

// Len is the number of logical frames transmitted.
func (h *FrameHistory) Len() int { return len(h.numbers) }

// Numbers returns frame numbers in transmission order.
func (h *FrameHistory) Numbers() []int {
	return append([]int(nil), h.numbers...)
}

// Fragments returns the fragments of frame number, in time order.
func (h *FrameHistory) Fragments(number int) []*model.Frame {
	return h.frames[number]
}

// All returns every fragment of every frame in transmission order.
func (h *FrameHistory) All() []*model.Frame {
	var out []*model.Frame
	for _, n := range h.numbers {
		out = append(out, h.frames[n]...)
	}
	return out
}

type deviceBase struct {
	spec          DeviceSpec
	airtime       Airtime
	frameDuration int64
	onAir         int64
	next          int64
	arrivals      *arrivals
	history       *FrameHistory
}

func (d *deviceBase) ID() int                  { return d.spec.ID }
func (d *deviceBase) DataRate() model.DataRate { return d.spec.DataRate }
func (d *deviceBase) Position() model.Position { return d.spec.Position }
func (d *deviceBase) Airtime() Airtime         { return d.airtime }
func (d *deviceBase) FrameDuration() int64     { return d.frameDuration }
func (d *deviceBase) NextTxTime() int64        { return d.next }
func (d *deviceBase) History() *FrameHistory   { return d.history }

// OnAir is the time the device actually occupies the medium per frame.
func (d *deviceBase) OnAir() int64 { return d.onAir }

// ScheduleFirst draws the initial transmission time from zero.
func (d *deviceBase) ScheduleFirst(horizon int64) {
	d.next = boundToHorizon(d.arrivals.first(), d.frameDuration, horizon)
}

// ScheduleNext draws the transmission following the one that started at now.
func (d *deviceBase) ScheduleNext(now, horizon int64) {
	if d.next == Never {
		return
	}
	d.next = boundToHorizon(d.arrivals.next(now, d.onAir), d.frameDuration, horizon)
}

func (d *deviceBase) checkDue(now int64) error {
	if d.next != now {
		return fmt.Errorf("device %d: frame requested at %d but next transmission is %d", d.spec.ID, now, d.next)
	}
	return nil
}

func boundToHorizon(next, duration, horizon int64) int64 {
	if next < 0 || next+duration >= horizon {
		return Never
	}
	return next
}

// CSSDevice is a LoRa device: one frame per packet spanning the whole band.
type CSSDevice struct {
	deviceBase
}

// NewCSSDevice builds a LoRa device. rng drives its traffic draws.
func NewCSSDevice(spec DeviceSpec, traffic Traffic, rng *rand.Rand) (*CSSDevice, error) {
	airtime, err := LoRaAirtime(DefaultLoRaParams(spec.DataRate, spec.PayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", spec.ID, err)
	}
	d := &CSSDevice{deviceBase{
		spec:          spec,
		airtime:       airtime,
		frameDuration: airtime.FrameDuration(1),
		onAir:         airtime.Total,
		history:       newFrameHistory(),
	}}
	if d.arrivals, err = newArrivals(traffic, d.frameDuration, rng); err != nil {
		return nil, fmt.Errorf("device %d: %w", spec.ID, err)
	}
	return d, nil
}

func (d *CSSDevice) Modulation() model.Modulation { return model.CSS }

// CreateFrame emits the device's next packet starting at now.
func (d *CSSDevice) CreateFrame(now int64) ([]*model.Frame, error) {
	if err := d.checkDue(now); err != nil {
		return nil, err
	}
	f := &model.Frame{
		Owner:      d.spec.ID,
		Number:     d.history.Len(),
		Start:      now,
		Duration:   d.airtime.Total,
		Channel:    model.AllChannels,
		NumHeaders: 1,
		Parts:      1,
	}
	frags := []*model.Frame{f}
	d.history.add(f.Number, frags)
	return frags, nil
}

// FHSSDevice is a LoRa-E device whose frames hop across channels.
type FHSSDevice struct {
	deviceBase
	profile model.FHSSProfile
	seq     HoppingSequence
	cursor  int
}

// NewFHSSDevice builds an LR-FHSS device hopping along seq.
func NewFHSSDevice(spec DeviceSpec, traffic Traffic, seq HoppingSequence, rng *rand.Rand) (*FHSSDevice, error) {
	profile, err := spec.DataRate.FHSS()
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", spec.ID, err)
	}
	airtime, err := LoRaEAirtime(profile.Bitrate, spec.PayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", spec.ID, err)
	}
	d := &FHSSDevice{
		deviceBase: deviceBase{
			spec:          spec,
			airtime:       airtime,
			frameDuration: airtime.FrameDuration(profile.Headers),
			onAir:         int64(profile.Headers)*airtime.Preamble + airtime.Payload,
			history:       newFrameHistory(),
		},
		profile: profile,
		seq:     seq,
	}
	if d.arrivals, err = newArrivals(traffic, d.frameDuration, rng); err != nil {
		return nil, fmt.Errorf("device %d: %w", spec.ID, err)
	}
	return d, nil
}

func (d *FHSSDevice) Modulation() model.Modulation { return model.FHSS }

// CodingRate is the payload FEC rate of the device's data rate.
func (d *FHSSDevice) CodingRate() model.CodingRate { return d.profile.CodingRate }

// Headers is the number of header replicas per frame.
func (d *FHSSDevice) Headers() int { return d.profile.Headers }

// Cursor is the index of the next hop the device will use.
func (d *FHSSDevice) Cursor() int { return d.cursor }

// CreateFrame fragments the device's next packet starting at now. The hop
// cursor carries over between frames.
func (d *FHSSDevice) CreateFrame(now int64) ([]*model.Frame, error) {
	if err := d.checkDue(now); err != nil {
		return nil, err
	}
	lf := LogicalFrame{
		Owner:          d.spec.ID,
		Number:         d.history.Len(),
		Start:          now,
		Duration:       d.onAir,
		HeaderDuration: d.airtime.Preamble,
		HopDuration:    FHSSHopDuration,
		Headers:        d.profile.Headers,
	}
	frags, cursor, err := Fragment(lf, d.seq, d.cursor)
	if err != nil {
		return nil, err
	}
	d.cursor = cursor
	d.history.add(lf.Number, frags)
	return frags, nil
}
