package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/meetkit/live-transcription/internal/types"
)

// replayFrames bounds the buffer of recent audio frames replayed after a
// reconnect. 40 frames of 250ms covers the last 10 seconds.
const replayFrames = 40

// Event is one translated provider occurrence delivered to the session.
type Event struct {
	Segment    *types.TranscriptSegment
	Terminated bool
	Code       string
	Err        error
}

// Bridge owns exactly one upstream provider session. It translates outbound
// PCM frames into the provider's binary format and inbound provider events
// into segment deltas. On disconnect it reconnects once, replaying buffered
// frames; a second failure is terminal.
type Bridge struct {
	dial   DialFunc
	events chan Event

	mu         sync.Mutex
	conn       Conn
	gen        int
	reconnects int
	replay     [][]byte
	closed     bool
}

// New validates the provider config and returns an unconnected bridge.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewWithDialer(Dialer(cfg)), nil
}

// NewWithDialer builds a bridge over an injected dial function.
func NewWithDialer(dial DialFunc) *Bridge {
	return &Bridge{
		dial:   dial,
		events: make(chan Event, 64),
	}
}

// Start establishes the upstream connection and begins reading events.
func (b *Bridge) Start(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("provider connect: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	gen := b.gen
	b.mu.Unlock()

	go b.readLoop(ctx, conn, gen)
	return nil
}

// Events returns the channel of translated provider events. Closed when the
// bridge shuts down.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// SendAudio forwards one PCM frame upstream, buffering it for replay. A
// write failure triggers the single reconnect attempt before giving up.
func (b *Bridge) SendAudio(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil {
		return fmt.Errorf("bridge not connected")
	}

	b.replay = append(b.replay, frame)
	if len(b.replay) > replayFrames {
		b.replay = b.replay[len(b.replay)-replayFrames:]
	}

	if err := b.conn.WriteBinary(frame); err != nil {
		if rerr := b.reconnectLocked(ctx); rerr != nil {
			return fmt.Errorf("provider send failed: %w", err)
		}
		// The failed frame is already in the replay buffer the reconnect
		// flushed; retrying it here would send it twice.
		return nil
	}
	return nil
}

// Finalize asks the provider to flush trailing finals. The session keeps
// reading events until Termination arrives or its drain timeout fires.
func (b *Bridge) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil {
		return nil
	}
	return b.conn.WriteJSON(terminateMessage{Type: "Terminate"})
}

// Close tears down the upstream connection and the event channel. Safe to
// call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.conn != nil {
		err = b.conn.Close()
		b.conn = nil
	}
	close(b.events)
	return err
}

// reconnectLocked performs the single allowed reconnect, replaying buffered
// frames on the fresh connection. Caller holds b.mu.
func (b *Bridge) reconnectLocked(ctx context.Context) error {
	if b.reconnects >= 1 {
		return fmt.Errorf("provider reconnect budget exhausted")
	}
	b.reconnects++

	if b.conn != nil {
		b.conn.Close()
	}

	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("provider reconnect failed: %w", err)
	}

	for _, frame := range b.replay {
		if werr := conn.WriteBinary(frame); werr != nil {
			conn.Close()
			return fmt.Errorf("provider replay failed: %w", werr)
		}
	}

	b.conn = conn
	b.gen++
	log.Printf("Provider connection re-established, replayed %d buffered frames", len(b.replay))

	go b.readLoop(ctx, conn, b.gen)
	return nil
}

// readLoop decodes provider events until the connection fails or the
// bridge closes. gen detects a stale loop left over after a reconnect.
func (b *Bridge) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			b.handleDisconnect(ctx, gen, err)
			return
		}

		var ev providerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("Dropping undecodable provider event: %v", err)
			continue
		}

		switch ev.Type {
		case eventBegin:
			// Provider session handshake; nothing to surface.
		case eventTurn:
			b.emit(Event{Segment: translateTurn(ev)})
		case eventTermination:
			b.emit(Event{Terminated: true})
			return
		case eventError:
			b.emit(Event{Code: types.ReasonProviderError, Err: fmt.Errorf("provider rejected session: %s", ev.Error)})
			return
		}
	}
}

// handleDisconnect runs the reconnect policy for a failed read. A loop made
// stale by a send-path reconnect exits silently.
func (b *Bridge) handleDisconnect(ctx context.Context, gen int, cause error) {
	b.mu.Lock()
	if b.closed || gen < b.gen {
		b.mu.Unlock()
		return
	}
	err := b.reconnectLocked(ctx)
	b.mu.Unlock()

	if err != nil {
		b.emit(Event{
			Code: types.ReasonProviderError,
			Err:  fmt.Errorf("provider connection lost: %v (reconnect: %v)", cause, err),
		})
	}
}

// emit delivers one event without blocking the read loop. Holding the lock
// here keeps the send ordered against Close, which closes the channel.
func (b *Bridge) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		log.Printf("Provider event dropped: session event buffer full")
	}
}

// translateTurn maps one provider Turn message onto a segment delta. The
// turn ordinal is both the span identity and the speaker label; a turn is
// final once the provider has closed it and formatted the text.
func translateTurn(ev providerEvent) *types.TranscriptSegment {
	return &types.TranscriptSegment{
		SpanKey:      ev.TurnOrder,
		SpeakerLabel: ev.TurnOrder,
		StartMs:      ev.AudioStartMs,
		EndMs:        ev.AudioEndMs,
		Text:         ev.Transcript,
		IsFinal:      ev.EndOfTurn && ev.TurnIsFormatted,
	}
}
