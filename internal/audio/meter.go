package audio

import (
	"encoding/binary"
	"math"
)

// Level computes the RMS amplitude of a 16-bit LE mono PCM buffer,
// normalized to 0..1. Used for UI level metering only.
func Level(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// Meter is a non-blocking level consumer. Readings are dropped when the
// channel is full; the meter must never stall the network leg.
type Meter struct {
	levels chan float64
}

func NewMeter() *Meter {
	return &Meter{levels: make(chan float64, 8)}
}

// Observe records the level of one PCM buffer, dropping it if the reader
// is behind.
func (m *Meter) Observe(pcm []byte) {
	select {
	case m.levels <- Level(pcm):
	default:
	}
}

// Levels returns the channel of amplitude readings.
func (m *Meter) Levels() <-chan float64 {
	return m.levels
}
