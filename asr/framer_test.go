package asr

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func pcmBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func TestFramerNormalization(t *testing.T) {
	f := NewFramer(4, 24000)
	frames := f.Slice(pcmBytes([]int16{0, 32767, -32768, 16384}))
	require.Len(t, frames, 1)

	s := frames[0].Samples
	assert.InDelta(t, 0.0, float64(s[0]), 1e-6)
	assert.InDelta(t, 32767.0/32768.0, float64(s[1]), 1e-6)
	assert.InDelta(t, -1.0, float64(s[2]), 1e-6)
	assert.InDelta(t, 0.5, float64(s[3]), 1e-6)
}

func TestFramerShortTrailingFrame(t *testing.T) {
	f := NewFramer(4, 24000)
	frames := f.Slice(pcmBytes(make([]int16, 10)))
	require.Len(t, frames, 3)

	assert.False(t, frames[0].Short(4))
	assert.False(t, frames[1].Short(4))
	assert.True(t, frames[2].Short(4))
	assert.Len(t, frames[2].Samples, 2)
}

func TestFramerOddByteDiscarded(t *testing.T) {
	f := NewFramer(4, 24000)
	buf := append(pcmBytes(make([]int16, 4)), 0x7f)
	frames := f.Slice(buf)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Samples, 4)
}

func TestFramerEmptyInput(t *testing.T) {
	f := NewFramer(4, 24000)
	assert.Nil(t, f.Slice(nil))
	assert.Nil(t, f.Slice([]byte{0x01}))
}

func TestFramerTimestampsAcrossBuffers(t *testing.T) {
	f := NewFramer(1920, 24000)

	first := f.Slice(pcmBytes(make([]int16, 1920)))
	require.Len(t, first, 1)
	assert.Equal(t, 0.0, first[0].Timestamp)

	second := f.Slice(pcmBytes(make([]int16, 1920)))
	require.Len(t, second, 1)
	assert.InDelta(t, 0.08, second[0].Timestamp, 1e-9)

	// Silence advances the same clock.
	silence := f.Silence()
	assert.InDelta(t, 0.16, silence.Timestamp, 1e-9)
	assert.Len(t, silence.Samples, 1920)
	for _, s := range silence.Samples {
		assert.Zero(t, s)
	}

	third := f.Slice(pcmBytes(make([]int16, 1920)))
	require.Len(t, third, 1)
	assert.InDelta(t, 0.24, third[0].Timestamp, 1e-9)
}

func TestFramerFrameDuration(t *testing.T) {
	f := NewFramer(1920, 24000)
	assert.Equal(t, 80*time.Millisecond, f.FrameDuration())
	assert.InDelta(t, 0.08, f.Duration(1920), 1e-9)
}

func TestFramerSliceCoversEverySample(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		frameSize := rapid.IntRange(1, 64).Draw(rt, "frameSize")
		n := rapid.IntRange(0, 1000).Draw(rt, "samples")

		f := NewFramer(frameSize, 24000)
		frames := f.Slice(pcmBytes(make([]int16, n)))

		total := 0
		for i, frame := range frames {
			if i < len(frames)-1 && len(frame.Samples) != frameSize {
				rt.Fatalf("frame %d has %d samples, want %d", i, len(frame.Samples), frameSize)
			}
			total += len(frame.Samples)
		}
		if total != n {
			rt.Fatalf("sliced %d samples, want %d", total, n)
		}
	})
}
