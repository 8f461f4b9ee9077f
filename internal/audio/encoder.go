// Package audio handles the capture-side audio path: fixed-duration PCM
// framing for network transmission, amplitude metering, and the compressed
// archival copy of the raw stream.
package audio

// The transcription provider expects 16kHz 16-bit signed little-endian mono
// PCM, the same normalization ffmpeg applies with -ar 16000 -ac 1 -c:a pcm_s16le.
const (
	SampleRate      = 16000
	BytesPerSample  = 2
	Channels        = 1
	FrameDurationMs = 250
	FrameBytes      = SampleRate * BytesPerSample * Channels * FrameDurationMs / 1000
)

// Frame is one fixed-duration chunk of PCM with its session-relative offset.
type Frame struct {
	Data        []byte
	TimestampMs int64
}

// Encoder slices an incoming PCM byte stream into fixed-size frames and
// tracks the running session-relative timestamp from the sample count.
type Encoder struct {
	pending []byte
	samples int64
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Write appends raw PCM bytes and returns any complete frames produced.
func (e *Encoder) Write(pcm []byte) []Frame {
	e.pending = append(e.pending, pcm...)

	var frames []Frame
	for len(e.pending) >= FrameBytes {
		data := make([]byte, FrameBytes)
		copy(data, e.pending[:FrameBytes])
		e.pending = e.pending[FrameBytes:]

		frames = append(frames, Frame{Data: data, TimestampMs: e.offsetMs()})
		e.samples += FrameBytes / BytesPerSample
	}
	return frames
}

// Flush returns the trailing partial frame, if any. Called once at stop.
func (e *Encoder) Flush() (Frame, bool) {
	if len(e.pending) == 0 {
		return Frame{}, false
	}
	data := make([]byte, len(e.pending))
	copy(data, e.pending)
	frame := Frame{Data: data, TimestampMs: e.offsetMs()}
	e.samples += int64(len(e.pending)) / BytesPerSample
	e.pending = e.pending[:0]
	return frame, true
}

func (e *Encoder) offsetMs() int64 {
	return e.samples * 1000 / SampleRate
}
