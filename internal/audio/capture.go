package audio

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
)

// CaptureSource reads normalized PCM from the default input device via
// ffmpeg and fans it out to two independent consumers: the frame channel
// feeding the network leg, and the level meter. A slow meter reader never
// blocks the frame path.
type CaptureSource struct {
	device string
	format string
	meter  *Meter
	frames chan Frame
	errs   chan error
	cmd    *exec.Cmd
}

// NewCaptureSource prepares a capture from the given device. format is the
// ffmpeg input format ("pulse", "alsa", "avfoundation"); device is the
// device name, "default" for the system default.
func NewCaptureSource(format, device string) *CaptureSource {
	return &CaptureSource{
		device: device,
		format: format,
		meter:  NewMeter(),
		frames: make(chan Frame, 16),
		errs:   make(chan error, 1),
	}
}

// Start launches ffmpeg and begins producing frames. The context cancels
// the capture process.
func (c *CaptureSource) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", c.format,
		"-i", c.device,
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-ac", fmt.Sprintf("%d", Channels),
		"-c:a", "pcm_s16le",
		"-f", "s16le",
		"-loglevel", "error",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	c.cmd = cmd

	go c.pump(stdout)
	return nil
}

func (c *CaptureSource) pump(r io.Reader) {
	defer close(c.frames)

	enc := NewEncoder()
	buf := make([]byte, FrameBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.meter.Observe(buf[:n])
			for _, frame := range enc.Write(buf[:n]) {
				c.frames <- frame
			}
		}
		if err != nil {
			if err != io.EOF {
				c.errs <- fmt.Errorf("capture read failed: %w", err)
			}
			if frame, ok := enc.Flush(); ok {
				c.frames <- frame
			}
			if werr := c.cmd.Wait(); werr != nil && err == io.EOF {
				log.Printf("Capture process exited: %v", werr)
			}
			return
		}
	}
}

// Frames returns the channel of fixed-duration PCM frames.
func (c *CaptureSource) Frames() <-chan Frame {
	return c.frames
}

// Levels returns the amplitude meter channel.
func (c *CaptureSource) Levels() <-chan float64 {
	return c.meter.Levels()
}

// Errors reports a fatal capture failure, if any.
func (c *CaptureSource) Errors() <-chan error {
	return c.errs
}
