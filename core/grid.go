package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var (
	ErrOutOfBounds  = errors.New("frame outside grid bounds")
	ErrInvalidGrid  = errors.New("invalid grid dimensions")
	ErrInvalidFrame = errors.New("invalid frame")
)

// CellState is the tri-state of one (channel, slot) cell. Transitions only
// go Empty -> Occupied -> Collided or Empty -> Collided.
type CellState uint8

const (
	CellEmpty CellState = iota
	CellOccupied
	CellCollided
)

func (s CellState) String() string {
	switch s {
	case CellEmpty:
		return "empty"
	case CellOccupied:
		return "occupied"
	case CellCollided:
		return "collided"
	default:
		return fmt.Sprintf("cell_state(%d)", uint8(s))
	}
}

// Cell is the exported view of a grid cell. Key is meaningful only when
// State is CellOccupied.
type Cell struct {
	State CellState
	Key   model.FrameKey
}

// cell is the packed storage form.
type cell struct {
	owner  int32
	number int32
	part   int16
	state  CellState
}

// GridStats counts cells per state.
type GridStats struct {
	Empty    int
	Occupied int
	Collided int
}

// OccupancyGrid is the shared [channel x slot] medium. It is not safe for
// concurrent use; the engine is its only writer.
type OccupancyGrid struct {
	channels   int
	slots      int
	resolution int64
	cells      []cell
	frames     map[model.FrameKey]*model.Frame
	stats      GridStats
}

// NewOccupancyGrid allocates a grid covering [0, horizon) ms at the given
// slot resolution.
func NewOccupancyGrid(channels int, horizon, resolution int64) (*OccupancyGrid, error) {
	if channels <= 0 || horizon <= 0 || resolution <= 0 {
		return nil, fmt.Errorf("%w: channels=%d horizon=%d resolution=%d", ErrInvalidGrid, channels, horizon, resolution)
	}
	slots := int((horizon + resolution - 1) / resolution)
	n := channels * slots
	return &OccupancyGrid{
		channels:   channels,
		slots:      slots,
		resolution: resolution,
		cells:      make([]cell, n),
		frames:     make(map[model.FrameKey]*model.Frame),
		stats:      GridStats{Empty: n},
	}, nil
}

func (g *OccupancyGrid) Channels() int     { return g.channels }
func (g *OccupancyGrid) Slots() int        { return g.slots }
func (g *OccupancyGrid) Resolution() int64 { return g.resolution }
func (g *OccupancyGrid) Stats() GridStats  { return g.stats }

// Frame returns the frame placed under key k, or nil.
func (g *OccupancyGrid) Frame(k model.FrameKey) *model.Frame { return g.frames[k] }

// Cell returns the cell at (channel, slot).
func (g *OccupancyGrid) Cell(channel, slot int) (Cell, error) {
	if channel < 0 || channel >= g.channels || slot < 0 || slot >= g.slots {
		return Cell{}, fmt.Errorf("%w: channel=%d slot=%d", ErrOutOfBounds, channel, slot)
	}
	c := g.cells[g.index(channel, slot)]
	out := Cell{State: c.state}
	if c.state == CellOccupied {
		out.Key = model.FrameKey{Owner: int(c.owner), Number: int(c.number), Part: int(c.part)}
	}
	return out, nil
}

func (g *OccupancyGrid) index(channel, slot int) int {
	return channel*g.slots + slot
}

// span maps a frame onto its channel range [c0, c1) and slot range [s0, s1).
func (g *OccupancyGrid) span(f *model.Frame) (c0, c1, s0, s1 int, err error) {
	if f.Duration <= 0 || f.Start < 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: owner=%d frame=%d start=%d duration=%d",
			ErrInvalidFrame, f.Owner, f.Number, f.Start, f.Duration)
	}
	s0, s1 = g.slotRange(f)
	if s1 > g.slots {
		return 0, 0, 0, 0, fmt.Errorf("%w: owner=%d frame=%d part=%d ends at slot %d of %d",
			ErrOutOfBounds, f.Owner, f.Number, f.Part, s1, g.slots)
	}
	switch {
	case f.Channel == model.AllChannels:
		c0, c1 = 0, g.channels
	case f.Channel >= 0 && f.Channel < g.channels:
		c0, c1 = f.Channel, f.Channel+1
	default:
		return 0, 0, 0, 0, fmt.Errorf("%w: owner=%d frame=%d channel=%d of %d",
			ErrOutOfBounds, f.Owner, f.Number, f.Channel, g.channels)
	}
	return c0, c1, s0, s1, nil
}

// slotRange maps f's time span onto the half-open slot range [s0, s1). Both
// ends are floored so back-to-back frames never share a slot; a frame shorter
// than one slot still holds the slot it starts in.
func (g *OccupancyGrid) slotRange(f *model.Frame) (s0, s1 int) {
	s0 = int(f.Start / g.resolution)
	s1 = int(f.End() / g.resolution)
	if s1 <= s0 {
		s1 = s0 + 1
	}
	return s0, s1
}

// Place writes f onto the grid. If any cell in its span is already in use by
// another device, f and every frame still owning a challenged cell are
// marked collided and the whole span becomes Collided. Otherwise the span is
// claimed by f. Cells held by f's own device are ignored: a device never
// overlaps itself, so such contact comes from a sub-slot fragment.
func (g *OccupancyGrid) Place(f *model.Frame) error {
	c0, c1, s0, s1, err := g.span(f)
	if err != nil {
		return err
	}
	g.frames[f.Key()] = f
	owner := int32(f.Owner)

	if !g.busy(c0, c1, s0, s1, owner) {
		for ch := c0; ch < c1; ch++ {
			for s := s0; s < s1; s++ {
				c := &g.cells[g.index(ch, s)]
				if c.state == CellEmpty {
					*c = cell{owner: owner, number: int32(f.Number), part: int16(f.Part), state: CellOccupied}
					g.stats.Empty--
					g.stats.Occupied++
				}
			}
		}
		return nil
	}

	slots := s1 - s0
	for s := s0; s < s1; s++ {
		hit := false
		for ch := c0; ch < c1; ch++ {
			c := &g.cells[g.index(ch, s)]
			switch c.state {
			case CellEmpty:
				g.stats.Empty--
			case CellOccupied:
				if c.owner == owner {
					continue
				}
				hit = true
				g.punish(model.FrameKey{Owner: int(c.owner), Number: int(c.number), Part: int(c.part)}, s)
				g.stats.Occupied--
			case CellCollided:
				hit = true
				continue
			}
			*c = cell{state: CellCollided}
			g.stats.Collided++
		}
		if hit {
			f.MarkCollided(s-s0, slots)
		}
	}
	return nil
}

// busy reports whether any cell of the span is used by a device other than owner.
func (g *OccupancyGrid) busy(c0, c1, s0, s1 int, owner int32) bool {
	for ch := c0; ch < c1; ch++ {
		for s := s0; s < s1; s++ {
			c := g.cells[g.index(ch, s)]
			if c.state == CellCollided || (c.state == CellOccupied && c.owner != owner) {
				return true
			}
		}
	}
	return false
}

// punish cross-marks the earlier owner of a challenged cell at slot.
func (g *OccupancyGrid) punish(k model.FrameKey, slot int) {
	prev := g.frames[k]
	if prev == nil {
		return
	}
	ps0, ps1 := g.slotRange(prev)
	prev.MarkCollided(slot-ps0, ps1-ps0)
}
