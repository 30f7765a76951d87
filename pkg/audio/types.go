package audio

import "time"

// Discord voice and the transcode pipeline share one fixed PCM layout:
// 48 kHz, stereo, signed 16-bit little-endian, 20 ms per frame.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame (960).
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// FrameBytes is the PCM size of one frame: 960 × 2 channels × 2 bytes.
	FrameBytes = FrameSamples * Channels * 2
)

// AudioFrame is one chunk of PCM audio flowing from a pipeline to a sink.
type AudioFrame struct {
	// Data is interleaved s16le PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 2 for stereo.
	Channels int

	// Timestamp is the offset of this frame from the start of the stream.
	Timestamp time.Duration
}
