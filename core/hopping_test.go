package core

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0x5eed))
}

func TestNewHoppingGeneratorRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  HoppingConfig
		want error
	}{
		{"unknown algorithm", HoppingConfig{Algorithm: "zigzag", Channels: 280, MinDistance: 8}, ErrUnknownHoppingAlgorithm},
		{"channels equal min distance", HoppingConfig{Algorithm: HopRandom, Channels: 8, MinDistance: 8}, ErrChannelsBelowMinDistance},
		{"channels below min distance", HoppingConfig{Algorithm: HopCircular, Channels: 4, MinDistance: 8}, ErrChannelsBelowMinDistance},
		{"hash without room for a step", HoppingConfig{Algorithm: HopHash, Channels: 15, MinDistance: 8, LFSRBits: 8}, ErrChannelsBelowMinDistance},
		{"lfsr bits out of range", HoppingConfig{Algorithm: HopLFSR, Channels: 280, MinDistance: 8, LFSRBits: 30}, ErrInvalidHoppingConfig},
		{"no channels", HoppingConfig{Algorithm: HopRandom, Channels: 0}, ErrInvalidHoppingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHoppingGenerator(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestParseHoppingAlgorithmDefaultsToHash(t *testing.T) {
	alg, err := ParseHoppingAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, HopHash, alg)

	alg, err = ParseHoppingAlgorithm(" Min-Distance ")
	require.NoError(t, err)
	assert.Equal(t, HopMinDistance, alg)
}

func TestHoppingGeneratorConfigIsResolved(t *testing.T) {
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: " CIRCULAR ", Channels: 35})
	require.NoError(t, err)
	assert.Equal(t, HoppingConfig{Algorithm: HopCircular, Channels: 35}, gen.Config())
}

func TestMinDistanceSequencesKeepDistance(t *testing.T) {
	const (
		channels = 280
		minDist  = 8
	)
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopMinDistance, Channels: channels, MinDistance: minDist, LFSRBits: 6})
	require.NoError(t, err)

	for dev := 0; dev < 1000; dev++ {
		seq, err := gen.Sequence(dev, testRNG(uint64(dev)))
		require.NoError(t, err)
		require.Equal(t, 63, seq.CycleLength())

		// two full cycles, so the wrap from last to first is checked too
		hops := Block(seq, 2*seq.CycleLength())
		for i := 1; i < len(hops); i++ {
			require.GreaterOrEqual(t, AbsDistance(hops[i], hops[i-1]), minDist,
				"device %d hop %d: %d -> %d", dev, i, hops[i-1], hops[i])
			require.True(t, hops[i] >= 0 && hops[i] < channels)
		}
	}
}

func TestHashSequencesKeepCircularDistance(t *testing.T) {
	const (
		channels = 280
		minDist  = 8
	)
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopHash, Channels: channels, MinDistance: minDist, LFSRBits: 16})
	require.NoError(t, err)

	for dev := 0; dev < 1000; dev++ {
		seq, err := gen.Sequence(dev, testRNG(uint64(dev)))
		require.NoError(t, err)
		assert.Equal(t, InfiniteCycle, seq.CycleLength())

		hops := Block(seq, 64)
		for i := 1; i < len(hops); i++ {
			require.GreaterOrEqual(t, ChannelDistance(hops[i], hops[i-1], channels), minDist,
				"device %d hop %d: %d -> %d", dev, i, hops[i-1], hops[i])
			require.True(t, hops[i] >= 0 && hops[i] < channels)
		}
	}
}

func TestHashSequenceIsAFunctionOfItsSeed(t *testing.T) {
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopHash, Channels: 280, MinDistance: 8, LFSRBits: 16})
	require.NoError(t, err)

	a, err := gen.Sequence(0, testRNG(42))
	require.NoError(t, err)
	b, err := gen.Sequence(0, testRNG(42))
	require.NoError(t, err)

	// extend b out of order; lazily built prefixes must agree
	_ = b.Channel(500)
	assert.Equal(t, Block(a, 501), Block(b, 501))
}

func TestCircularSequencesAreOrthogonal(t *testing.T) {
	const channels = 35
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopCircular, Channels: channels, MinDistance: 8})
	require.NoError(t, err)

	base, err := gen.Sequence(0, testRNG(1))
	require.NoError(t, err)
	for k := 1; k < channels; k++ {
		seq, err := gen.Sequence(k, testRNG(1))
		require.NoError(t, err)
		for i := 0; i < channels; i++ {
			require.Equal(t, base.Channel((i+k)%channels), seq.Channel(i), "device %d hop %d", k, i)
		}
	}

	// within one cycle no two devices share a channel at the same hop
	for i := 0; i < channels; i++ {
		seen := make(map[int]int, channels)
		for k := 0; k < channels; k++ {
			seq, _ := gen.Sequence(k, testRNG(1))
			ch := seq.Channel(i)
			if prev, dup := seen[ch]; dup {
				t.Fatalf("hop %d: devices %d and %d both on channel %d", i, prev, k, ch)
			}
			seen[ch] = k
		}
	}
}

func TestLFSRSequenceRepeatsItsCycle(t *testing.T) {
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopLFSR, Channels: 280, MinDistance: 8, LFSRBits: 4})
	require.NoError(t, err)
	seq, err := gen.Sequence(3, testRNG(7))
	require.NoError(t, err)

	n := seq.CycleLength()
	require.Equal(t, 15, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, seq.Channel(i), seq.Channel(i+n))
	}
}

func TestRandomSequenceIsStableOnceDrawn(t *testing.T) {
	gen, err := NewHoppingGenerator(HoppingConfig{Algorithm: HopRandom, Channels: 280, MinDistance: 8})
	require.NoError(t, err)
	seq, err := gen.Sequence(0, testRNG(9))
	require.NoError(t, err)

	first := Block(seq, 100)
	assert.Equal(t, first, Block(seq, 100))
	assert.Equal(t, InfiniteCycle, seq.CycleLength())
}

func TestChannelDistance(t *testing.T) {
	assert.Equal(t, 8, ChannelDistance(4, 276, 280))
	assert.Equal(t, 8, ChannelDistance(276, 4, 280))
	assert.Equal(t, 140, ChannelDistance(0, 140, 280))
	assert.Equal(t, 272, AbsDistance(4, 276))
}
