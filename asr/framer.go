package asr

import (
	"encoding/binary"
	"time"
)

// pcmScale normalizes 16-bit signed samples into [-1, 1).
const pcmScale = 1.0 / 32768.0

// Frame is a fixed-size slice of normalized samples sent as one protocol
// unit. Timestamp is the frame's offset in seconds from the start of the
// stream; frames are not retained after transmission.
type Frame struct {
	Samples   []float32
	Timestamp float64
}

// Short reports whether the frame carries fewer samples than the configured
// frame size (the trailing remainder of an input buffer).
func (f Frame) Short(frameSize int) bool {
	return len(f.Samples) < frameSize
}

// Framer decodes raw 16-bit little-endian PCM into normalized float frames of
// a fixed size. It keeps a running sample clock so timestamps stay monotonic
// across input buffers. Not safe for concurrent use; each session owns one.
type Framer struct {
	frameSize  int
	sampleRate int
	consumed   int64 // samples timestamped so far
}

// NewFramer creates a framer producing frameSize-sample frames at sampleRate.
func NewFramer(frameSize, sampleRate int) *Framer {
	return &Framer{
		frameSize:  frameSize,
		sampleRate: sampleRate,
	}
}

// FrameDuration returns the period covered by one full frame.
func (f *Framer) FrameDuration() time.Duration {
	return time.Duration(float64(f.frameSize) / float64(f.sampleRate) * float64(time.Second))
}

// Slice decodes one PCM buffer and cuts it into frames. A trailing frame
// shorter than the frame size is still produced so no sample is ever dropped;
// the caller records the warning. A dangling odd byte cannot form a sample
// and is discarded.
func (f *Framer) Slice(pcm []byte) []Frame {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		raw := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		samples[i] = float32(float64(raw) * pcmScale)
	}

	frames := make([]Frame, 0, (n+f.frameSize-1)/f.frameSize)
	for start := 0; start < n; start += f.frameSize {
		end := start + f.frameSize
		if end > n {
			end = n
		}
		frames = append(frames, Frame{
			Samples:   samples[start:end],
			Timestamp: float64(f.consumed) / float64(f.sampleRate),
		})
		f.consumed += int64(end - start)
	}
	return frames
}

// Silence returns one full frame of zero-valued samples stamped at the
// current position of the sample clock, advancing it. Used by the flush
// protocol to force the remote engine to finalize buffered state.
func (f *Framer) Silence() Frame {
	frame := Frame{
		Samples:   make([]float32, f.frameSize),
		Timestamp: float64(f.consumed) / float64(f.sampleRate),
	}
	f.consumed += int64(f.frameSize)
	return frame
}

// Duration converts a sample count to seconds at the framer's rate.
func (f *Framer) Duration(samples int64) float64 {
	return float64(samples) / float64(f.sampleRate)
}
