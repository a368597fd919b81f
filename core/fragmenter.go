package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var (
	ErrInvalidFragmentation = errors.New("invalid fragmentation parameters")
	ErrDurationMismatch     = errors.New("fragment durations do not sum to frame duration")
)

// LogicalFrame describes one FHSS transmission before it is split into
// header replicas and payload fragments. Duration is the full on-air time,
// headers included.
type LogicalFrame struct {
	Owner          int
	Number         int
	Start          int64
	Duration       int64
	HeaderDuration int64
	HopDuration    int64
	Headers        int
}

// PayloadDuration is the on-air time left after all header replicas.
func (lf LogicalFrame) PayloadDuration() int64 {
	return lf.Duration - int64(lf.Headers)*lf.HeaderDuration
}

// FragmentCount is the number of fragments Fragment will emit for lf.
func (lf LogicalFrame) FragmentCount() int {
	payload := lf.PayloadDuration()
	n := lf.Headers + int(payload/lf.HopDuration)
	if payload%lf.HopDuration != 0 {
		n++
	}
	return n
}

// Fragment splits lf into header replicas followed by payload fragments,
// taking one channel per fragment from seq starting at cursor. It returns the
// fragments in time order and the advanced cursor.
func Fragment(lf LogicalFrame, seq HoppingSequence, cursor int) ([]*model.Frame, int, error) {
	if lf.Headers <= 0 || lf.HeaderDuration <= 0 || lf.HopDuration <= 0 {
		return nil, cursor, fmt.Errorf("%w: headers=%d header_duration=%d hop_duration=%d",
			ErrInvalidFragmentation, lf.Headers, lf.HeaderDuration, lf.HopDuration)
	}
	payload := lf.PayloadDuration()
	if payload < 0 {
		return nil, cursor, fmt.Errorf("%w: duration %d shorter than %d headers of %d",
			ErrInvalidFragmentation, lf.Duration, lf.Headers, lf.HeaderDuration)
	}

	parts := lf.FragmentCount()
	frames := make([]*model.Frame, 0, parts)
	at := lf.Start
	emit := func(d int64, header bool) {
		frames = append(frames, &model.Frame{
			Owner:      lf.Owner,
			Number:     lf.Number,
			Start:      at,
			Duration:   d,
			Channel:    seq.Channel(cursor),
			IsHeader:   header,
			NumHeaders: lf.Headers,
			Part:       len(frames),
			Parts:      parts,
		})
		cursor++
		at += d
	}

	for i := 0; i < lf.Headers; i++ {
		emit(lf.HeaderDuration, true)
	}
	for i := int64(0); i < payload/lf.HopDuration; i++ {
		emit(lf.HopDuration, false)
	}
	if rem := payload % lf.HopDuration; rem != 0 {
		emit(rem, false)
	}

	var sum int64
	for _, f := range frames {
		sum += f.Duration
	}
	if sum != lf.Duration || len(frames) != parts || at != lf.Start+lf.Duration {
		return nil, cursor, fmt.Errorf("%w: owner=%d frame=%d got %d want %d",
			ErrDurationMismatch, lf.Owner, lf.Number, sum, lf.Duration)
	}
	return frames, cursor, nil
}
