package model

import "math/bits"

// AllChannels marks a frame that occupies the whole channel axis of the grid
// (non-hopping CSS transmissions).
const AllChannels = -1

// FrameKey identifies one transmission unit on the grid: the owning device,
// its logical frame number and the fragment index within that frame.
type FrameKey struct {
	Owner  int
	Number int
	Part   int
}

// Frame is a single transmission unit. For CSS devices a Frame is the whole
// packet; for FHSS devices it is one header replica or payload fragment of a
// larger logical frame. Everything except the collision state is fixed at
// creation.
type Frame struct {
	Owner  int
	Number int

	// Start and Duration are in simulation time units (milliseconds).
	Start    int64
	Duration int64

	// Channel is a grid channel index, or AllChannels.
	Channel int

	IsHeader   bool
	NumHeaders int

	// Part is the 0-based position among all fragments of the logical frame
	// (headers first); Parts is the total fragment count.
	Part  int
	Parts int

	collided bool
	// overlap has one bit per time slot of the frame that was found
	// overlapping another transmission.
	overlap []uint64
	slots   int
}

// Key returns the grid ownership trace for the frame.
func (f *Frame) Key() FrameKey {
	return FrameKey{Owner: f.Owner, Number: f.Number, Part: f.Part}
}

// End is the first time unit after the frame.
func (f *Frame) End() int64 {
	return f.Start + f.Duration
}

// Collided reports whether any part of the frame overlapped another transmission.
func (f *Frame) Collided() bool {
	return f.collided
}

// MarkCollided flags the frame and records slot (relative to the frame's first
// grid slot) as overlapped. slots is the frame's length in grid slots. The flag
// is never cleared.
func (f *Frame) MarkCollided(slot, slots int) {
	f.collided = true
	if f.overlap == nil {
		f.slots = slots
		f.overlap = make([]uint64, (slots+63)/64)
	}
	if slot < 0 || slot >= f.slots {
		return
	}
	f.overlap[slot/64] |= 1 << (uint(slot) % 64)
}

// CollidedSlots is the number of distinct grid slots in which the frame
// overlapped another transmission.
func (f *Frame) CollidedSlots() int {
	n := 0
	for _, w := range f.overlap {
		n += bits.OnesCount64(w)
	}
	return n
}

// CollidedRatio is the overlapped fraction of the frame's time span.
func (f *Frame) CollidedRatio() float64 {
	if !f.collided {
		return 0
	}
	if f.slots == 0 {
		return 1
	}
	return float64(f.CollidedSlots()) / float64(f.slots)
}
