package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestEncoderProducesFixedFrames(t *testing.T) {
	e := NewEncoder()

	// 1.1 seconds of PCM arriving in odd-sized reads.
	total := SampleRate * BytesPerSample * 11 / 10
	var frames []Frame
	remaining := total
	for remaining > 0 {
		n := 1234
		if n > remaining {
			n = remaining
		}
		frames = append(frames, e.Write(make([]byte, n))...)
		remaining -= n
	}

	if len(frames) != 4 { // 4 complete 250ms frames out of 1.1s
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != FrameBytes {
			t.Errorf("frame %d size = %d, want %d", i, len(f.Data), FrameBytes)
		}
		if want := int64(i) * FrameDurationMs; f.TimestampMs != want {
			t.Errorf("frame %d timestamp = %d, want %d", i, f.TimestampMs, want)
		}
	}

	tail, ok := e.Flush()
	if !ok {
		t.Fatal("flush returned no trailing frame")
	}
	if want := total - 4*FrameBytes; len(tail.Data) != want {
		t.Errorf("trailing frame size = %d, want %d", len(tail.Data), want)
	}
	if tail.TimestampMs != 1000 {
		t.Errorf("trailing frame timestamp = %d, want 1000", tail.TimestampMs)
	}

	if _, ok := e.Flush(); ok {
		t.Error("second flush produced a frame")
	}
}

func TestLevelOfSilenceAndFullScale(t *testing.T) {
	silence := make([]byte, 1000*BytesPerSample)
	if l := Level(silence); l != 0 {
		t.Errorf("silence level = %f, want 0", l)
	}

	// A full-scale square wave has RMS 1.0.
	loud := make([]byte, 1000*BytesPerSample)
	for i := 0; i < 1000; i++ {
		binary.LittleEndian.PutUint16(loud[i*BytesPerSample:], uint16(int16(-32768)))
	}
	if l := Level(loud); math.Abs(l-1.0) > 0.001 {
		t.Errorf("full-scale level = %f, want 1.0", l)
	}

	if l := Level(nil); l != 0 {
		t.Errorf("empty buffer level = %f, want 0", l)
	}
}

func TestMeterDropsWhenReaderIsBehind(t *testing.T) {
	m := NewMeter()
	pcm := make([]byte, 100)

	// Far more observations than buffer capacity; none may block.
	for i := 0; i < 100; i++ {
		m.Observe(pcm)
	}

	drained := 0
	for {
		select {
		case <-m.Levels():
			drained++
		default:
			if drained == 0 {
				t.Fatal("meter delivered no readings")
			}
			if drained > 8 {
				t.Fatalf("meter buffered %d readings, want at most 8", drained)
			}
			return
		}
	}
}

func TestArchiverRoundTrip(t *testing.T) {
	a, err := NewArchiver(t.TempDir(), "sess-1")
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	chunks := [][]byte{
		bytes.Repeat([]byte{0x01, 0x02}, 4000),
		bytes.Repeat([]byte{0x03, 0x04}, 4000),
	}
	for _, c := range chunks {
		if err := a.Write(c); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(a.Path())
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	want := append(append([]byte{}, chunks[0]...), chunks[1]...)
	if !bytes.Equal(got, want) {
		t.Fatalf("decompressed %d bytes, want %d matching the raw stream", len(got), len(want))
	}

	if err := a.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(a.Path()); !os.IsNotExist(err) {
		t.Error("spool still exists after remove")
	}
	if err := a.Remove(); err != nil {
		t.Errorf("second remove: %v", err)
	}
}
