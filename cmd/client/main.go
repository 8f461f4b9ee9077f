// Command client is a local capture client for the transcription server:
// it records the default input device with ffmpeg, streams PCM frames to
// /ws/session, prints live transcripts, and places marks on demand.
//
// Usage:
//
//	client -server ws://localhost:8080/ws/session -format pulse -device default
//
// While recording, type "m" + Enter to mark the current moment and "q" +
// Enter (or Ctrl-C) to stop.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/meetkit/live-transcription/internal/audio"
	"github.com/meetkit/live-transcription/internal/protocol"
	"github.com/meetkit/live-transcription/internal/types"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws/session", "session WebSocket URL")
	format := flag.String("format", "pulse", "ffmpeg capture format (pulse, alsa, avfoundation)")
	device := flag.String("device", "default", "capture device name")
	language := flag.String("language", "", "language hint for the provider")
	showLevels := flag.Bool("levels", false, "print microphone level readings")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *serverURL, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sendControl := func(msg protocol.ClientMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, _ := json.Marshal(msg)
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	sendAudio := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	if err := sendControl(protocol.ClientMessage{Type: protocol.TypeStart, Language: *language}); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	source := audio.NewCaptureSource(*format, *device)
	if err := source.Start(ctx); err != nil {
		// No audio ever flows on a capture failure; tell the server so the
		// session doesn't sit listening to silence.
		sendControl(protocol.ClientMessage{Type: protocol.TypeStop})
		log.Fatalf("[%s] Capture failed (is ffmpeg installed and the device accessible?): %v",
			types.ReasonPermissionDenied, err)
	}
	startedAt := time.Now()

	stopped := make(chan struct{})
	go readServer(conn, stopped)

	// The level meter leg is independent of the network leg; a stall in
	// either never blocks the other.
	if *showLevels {
		go func() {
			for level := range source.Levels() {
				fmt.Printf("\rlevel: %5.3f", level)
			}
		}()
	}

	// Keyboard controls
	stopRequested := make(chan struct{}, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch scanner.Text() {
			case "m":
				t := time.Since(startedAt).Milliseconds()
				if err := sendControl(protocol.ClientMessage{Type: protocol.TypeMark, TimestampMs: t}); err != nil {
					log.Printf("Mark failed: %v", err)
				} else {
					fmt.Printf("[mark placed at %.1fs]\n", float64(t)/1000)
				}
			case "q":
				stopRequested <- struct{}{}
				return
			}
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Recording. Type m+Enter to mark, q+Enter or Ctrl-C to stop.")

stream:
	for {
		select {
		case frame, ok := <-source.Frames():
			if !ok {
				break stream
			}
			if err := sendAudio(frame.Data); err != nil {
				log.Printf("Audio send failed: %v", err)
				break stream
			}
		case err := <-source.Errors():
			log.Printf("Capture error: %v", err)
			break stream
		case <-sigint:
			break stream
		case <-stopRequested:
			break stream
		}
	}

	fmt.Println("\nStopping session...")
	cancel() // ends the capture process
	if err := sendControl(protocol.ClientMessage{Type: protocol.TypeStop}); err != nil {
		log.Printf("Stop send failed: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for the server to finalize")
	}
}

// readServer prints transcript and mark events until the session stops or
// the connection drops.
func readServer(conn *websocket.Conn, stopped chan<- struct{}) {
	defer close(stopped)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Connection closed: %v", err)
			return
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypeStarted:
			fmt.Printf("[session %s started]\n", msg.SessionID)
		case protocol.TypePartialTranscript:
			for _, seg := range msg.Segments {
				fmt.Printf("\r… speaker %d: %s", seg.SpeakerLabel, seg.Text)
			}
		case protocol.TypeFinalTranscript:
			for _, seg := range msg.Segments {
				fmt.Printf("\rspeaker %d [%.1fs-%.1fs]: %s\n",
					seg.SpeakerLabel, float64(seg.StartMs)/1000, float64(seg.EndMs)/1000, seg.Text)
			}
		case protocol.TypeMarkResolved:
			if msg.Mark != nil {
				text := msg.Mark.ResolvedText
				if text == "" {
					text = "(no speech in window)"
				}
				fmt.Printf("[mark @%.1fs] %s\n", float64(msg.Mark.TimestampMs)/1000, text)
			}
		case protocol.TypeError:
			fmt.Printf("[error %s] %s\n", msg.Code, msg.Message)
		case protocol.TypeStopped:
			fmt.Println("[session stopped]")
			return
		}
	}
}
