package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand/v2"
	"strings"
)

var (
	ErrUnknownHoppingAlgorithm  = errors.New("unknown hopping algorithm")
	ErrChannelsBelowMinDistance = errors.New("channel count too small for minimum hop distance")
	ErrInvalidHoppingConfig     = errors.New("invalid hopping configuration")
	ErrHoppingInfeasible        = errors.New("could not build a hopping cycle satisfying the minimum distance")
)

// HoppingAlgorithm selects how per-device channel sequences are produced.
type HoppingAlgorithm string

const (
	HopRandom      HoppingAlgorithm = "random"
	HopLFSR        HoppingAlgorithm = "lfsr"
	HopCircular    HoppingAlgorithm = "circular"
	HopMinDistance HoppingAlgorithm = "min-distance"
	HopHash        HoppingAlgorithm = "hash"
)

// ParseHoppingAlgorithm maps a config string onto a HoppingAlgorithm.
func ParseHoppingAlgorithm(s string) (HoppingAlgorithm, error) {
	switch a := HoppingAlgorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case HopRandom, HopLFSR, HopCircular, HopMinDistance, HopHash:
		return a, nil
	case "":
		return HopHash, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownHoppingAlgorithm, s)
	}
}

// InfiniteCycle is the CycleLength of sequences that never repeat by construction.
const InfiniteCycle = -1

// hash-derived hops are spaced this far apart in the CRC input.
const hashIndexStride = 65536

// maxCycleAttempts bounds regeneration of a min-distance cycle whose
// wrap-around element has no legal value.
const maxCycleAttempts = 64

// HoppingConfig parameterises a HoppingGenerator.
type HoppingConfig struct {
	Algorithm   HoppingAlgorithm
	Channels    int
	MinDistance int
	// LFSRBits sets the cycle length 2^LFSRBits-1 of the lfsr and
	// min-distance algorithms and the seed width of the hash algorithm.
	LFSRBits int
}

// HoppingSequence is one device's channel sequence. Channel extends the
// sequence lazily, so any non-negative index is valid.
type HoppingSequence interface {
	Channel(i int) int
	CycleLength() int
}

// HoppingGenerator hands out per-device sequences for one run.
type HoppingGenerator struct {
	cfg HoppingConfig
}

// NewHoppingGenerator validates cfg and returns a generator.
func NewHoppingGenerator(cfg HoppingConfig) (*HoppingGenerator, error) {
	alg, err := ParseHoppingAlgorithm(string(cfg.Algorithm))
	if err != nil {
		return nil, err
	}
	cfg.Algorithm = alg
	if cfg.Channels <= 0 || cfg.MinDistance < 0 {
		return nil, fmt.Errorf("%w: channels=%d min_distance=%d", ErrInvalidHoppingConfig, cfg.Channels, cfg.MinDistance)
	}
	if cfg.Channels <= cfg.MinDistance {
		return nil, fmt.Errorf("%w: channels=%d min_distance=%d", ErrChannelsBelowMinDistance, cfg.Channels, cfg.MinDistance)
	}
	switch cfg.Algorithm {
	case HopMinDistance, HopHash:
		// every channel needs a legal successor
		if cfg.Channels < 2*cfg.MinDistance || cfg.MinDistance == 0 {
			return nil, fmt.Errorf("%w: %s needs channels >= 2*min_distance > 0 (channels=%d min_distance=%d)",
				ErrChannelsBelowMinDistance, cfg.Algorithm, cfg.Channels, cfg.MinDistance)
		}
	}
	switch cfg.Algorithm {
	case HopLFSR, HopMinDistance, HopHash:
		if cfg.LFSRBits < 2 || cfg.LFSRBits > 24 {
			return nil, fmt.Errorf("%w: lfsr_bits=%d out of range [2,24]", ErrInvalidHoppingConfig, cfg.LFSRBits)
		}
	}
	return &HoppingGenerator{cfg: cfg}, nil
}

// Config returns the generator's validated configuration.
func (g *HoppingGenerator) Config() HoppingConfig {
	return g.cfg
}

// Sequence builds the sequence of the device at index device, drawing any
// randomness from rng.
func (g *HoppingGenerator) Sequence(device int, rng *rand.Rand) (HoppingSequence, error) {
	n := g.cfg.Channels
	switch g.cfg.Algorithm {
	case HopRandom:
		return &randomSequence{rng: rng, channels: n}, nil
	case HopLFSR:
		cycle := make([]int, g.cycleLength())
		for i := range cycle {
			cycle[i] = rng.IntN(n)
		}
		return cyclicSequence(cycle), nil
	case HopCircular:
		cycle := make([]int, n)
		shift := device % n
		for i := range cycle {
			cycle[i] = (i + shift) % n
		}
		return cyclicSequence(cycle), nil
	case HopMinDistance:
		cycle, err := minDistanceCycle(rng, n, g.cfg.MinDistance, g.cycleLength())
		if err != nil {
			return nil, err
		}
		return cyclicSequence(cycle), nil
	case HopHash:
		return newHashSequence(rng, n, g.cfg.MinDistance, g.cfg.LFSRBits), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHoppingAlgorithm, g.cfg.Algorithm)
	}
}

func (g *HoppingGenerator) cycleLength() int {
	return 1<<g.cfg.LFSRBits - 1
}

// Block materialises the first n hops of seq.
func Block(seq HoppingSequence, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = seq.Channel(i)
	}
	return out
}

// ChannelDistance is the circular distance between two channels on an axis
// of n channels.
func ChannelDistance(a, b, n int) int {
	d := AbsDistance(a, b) % n
	if n-d < d {
		return n - d
	}
	return d
}

// AbsDistance is the plain absolute channel difference.
func AbsDistance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

type cyclicSequence []int

func (c cyclicSequence) Channel(i int) int { return c[i%len(c)] }
func (c cyclicSequence) CycleLength() int  { return len(c) }

type randomSequence struct {
	rng      *rand.Rand
	channels int
	hops     []int
}

func (s *randomSequence) Channel(i int) int {
	for len(s.hops) <= i {
		s.hops = append(s.hops, s.rng.IntN(s.channels))
	}
	return s.hops[i]
}

func (s *randomSequence) CycleLength() int { return InfiniteCycle }

// drawApart draws uniformly among channels at least minDist away from prev.
func drawApart(rng *rand.Rand, n, minDist, prev int) int {
	low := prev - minDist + 1 // channels [0, prev-minDist]
	if low < 0 {
		low = 0
	}
	high := n - (prev + minDist) // channels [prev+minDist, n)
	if high < 0 {
		high = 0
	}
	k := rng.IntN(low + high)
	if k < low {
		return k
	}
	return prev + minDist + (k - low)
}

// minDistanceCycle draws a bounded cycle in which every consecutive pair,
// including the wrap from the last element back to the first, is at least
// minDist apart.
func minDistanceCycle(rng *rand.Rand, n, minDist, length int) ([]int, error) {
	cycle := make([]int, length)
	candidates := make([]int, 0, n)
	for attempt := 0; attempt < maxCycleAttempts; attempt++ {
		cycle[0] = rng.IntN(n)
		for i := 1; i < length-1; i++ {
			cycle[i] = drawApart(rng, n, minDist, cycle[i-1])
		}
		prev, first := cycle[length-2], cycle[0]
		candidates = candidates[:0]
		for ch := 0; ch < n; ch++ {
			if AbsDistance(ch, prev) >= minDist && AbsDistance(ch, first) >= minDist {
				candidates = append(candidates, ch)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		cycle[length-1] = candidates[rng.IntN(len(candidates))]
		return cycle, nil
	}
	return nil, fmt.Errorf("%w: channels=%d min_distance=%d length=%d", ErrHoppingInfeasible, n, minDist, length)
}

// hashSequence derives hop i >= 1 from a CRC-32 of the device seed, so the
// only per-device state is the seed and the first channel. Steps are relative
// to the previous hop, which keeps consecutive channels at least minDist
// apart on the circular axis.
type hashSequence struct {
	seed     uint64
	channels int
	minDist  int
	usable   int
	hops     []int
}

func newHashSequence(rng *rand.Rand, n, minDist, bits int) *hashSequence {
	return &hashSequence{
		seed:     rng.Uint64N(1 << uint(bits)),
		channels: n,
		minDist:  minDist,
		usable:   n / minDist,
		hops:     []int{rng.IntN(n)},
	}
}

func (s *hashSequence) Channel(i int) int {
	for len(s.hops) <= i {
		prev := s.hops[len(s.hops)-1]
		s.hops = append(s.hops, (prev+s.step(len(s.hops)))%s.channels)
	}
	return s.hops[i]
}

func (s *hashSequence) step(i int) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.seed+hashIndexStride*uint64(i))
	sum := crc32.ChecksumIEEE(buf[:])
	return int(sum%uint32(s.usable-1))*s.minDist + s.minDist
}

func (s *hashSequence) CycleLength() int { return InfiniteCycle }
