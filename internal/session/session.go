package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetkit/live-transcription/internal/audio"
	"github.com/meetkit/live-transcription/internal/bridge"
	"github.com/meetkit/live-transcription/internal/protocol"
	"github.com/meetkit/live-transcription/internal/types"
)

// DefaultStopDrain bounds how long stop() waits for trailing final
// transcripts before finalizing anyway.
const DefaultStopDrain = 5 * time.Second

// markTickInterval re-checks pending mark deadlines between watermark
// advances.
const markTickInterval = 500 * time.Millisecond

// Deps wires one session to its collaborators. Every field except Store and
// Archive is required.
type Deps struct {
	Bridge  *bridge.Bridge
	Store   Store
	Archive ArchiveStore

	// Notify pushes a server message to the connected client. Must be safe
	// for concurrent use.
	Notify func(protocol.ServerMessage)

	// OnStopped fires after the session is durably stopped, for
	// post-session work such as summary generation.
	OnStopped func(sessionID string)

	TempDir       string
	FlushInterval time.Duration
	StopDrain     time.Duration
	MarkGrace     time.Duration
}

// Session is one start-to-stop recording attempt: the state machine, the
// assembled transcript, pending marks, and the persistence schedule. All
// state is owned by this value; concurrent sessions never interact.
type Session struct {
	ID string

	deps      Deps
	startedAt time.Time

	mu        sync.Mutex
	state     string
	language  string
	assembler *Assembler
	marks     *MarkExtractor
	archiver  *audio.Archiver
	persist   *Persister
	archRef   string
	dropped   int

	stopOnce sync.Once
	stopC    chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

// startError pairs a start failure with its client-facing reason code: the
// provider being unreachable and the local archive spool being unwritable
// are different problems.
type startError struct {
	code string
	err  error
}

func (e *startError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *startError) Unwrap() error { return e.err }

// StartReason maps a Start error to the reason code reported to the client.
func StartReason(err error) string {
	var se *startError
	if errors.As(err, &se) {
		return se.code
	}
	return types.ReasonProviderUnavailable
}

// New allocates an idle session.
func New(deps Deps) *Session {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	if deps.StopDrain <= 0 {
		deps.StopDrain = DefaultStopDrain
	}
	return &Session{
		ID:    uuid.New().String(),
		deps:  deps,
		state: types.StateIdle,
		stopC: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start transitions idle → listening: connects the provider bridge, opens
// the archive spool, and launches the session run loop. Configuration
// problems fail here, before any audio is accepted.
func (s *Session) Start(ctx context.Context, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateIdle {
		return fmt.Errorf("cannot start session in state %s", s.state)
	}

	if err := s.deps.Bridge.Start(ctx); err != nil {
		s.state = types.StateFailed
		s.closeDone()
		return &startError{code: types.ReasonProviderUnavailable, err: err}
	}

	archiver, err := audio.NewArchiver(s.deps.TempDir, s.ID)
	if err != nil {
		s.deps.Bridge.Close()
		s.state = types.StateFailed
		s.closeDone()
		return &startError{code: types.ReasonUploadFailed, err: err}
	}

	s.startedAt = time.Now()
	s.language = language
	s.assembler = NewAssembler()
	s.marks = NewMarkExtractor(s.assembler, s.startedAt, s.deps.MarkGrace)
	s.archiver = archiver
	s.persist = NewPersister(s.deps.Store, s.deps.Archive)
	s.state = types.StateListening
	s.persist.MarkDirty()

	go s.run(ctx)
	log.Printf("Session %s: listening (language=%q)", s.ID, language)
	return nil
}

// State returns the current state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// SendAudio forwards one audio frame while listening. Frames arriving after
// stop are dropped, not queued: stale audio must not inflate provider cost
// once the user asked to terminate.
func (s *Session) SendAudio(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.state != types.StateListening {
		if s.state == types.StateStopping || s.state == types.StateStopped {
			s.dropped++
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return fmt.Errorf("cannot accept audio in state %s", s.state)
	}
	archiver := s.archiver
	s.mu.Unlock()

	if err := archiver.Write(frame); err != nil {
		log.Printf("Session %s: archive write failed: %v", s.ID, err)
	}
	return s.deps.Bridge.SendAudio(ctx, frame)
}

// Mark registers a bookmark at t (session-relative ms). Valid only while
// listening. Resolution never blocks the audio path; an immediately
// resolvable mark is reported at once, others resolve asynchronously.
func (s *Session) Mark(t int64) (types.Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateListening {
		return types.Mark{}, fmt.Errorf("cannot mark in state %s", s.state)
	}

	mark, resolved := s.marks.Add(t)
	s.persist.MarkDirty()
	if resolved {
		s.notify(protocol.ServerMessage{Type: protocol.TypeMarkResolved, SessionID: s.ID, Mark: &mark})
	}
	return mark, nil
}

// Stop requests termination: listening → stopping, flush the provider, and
// wait (bounded) for trailing finals before finalizing. Idempotent: a
// second stop on a stopping or terminal session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != types.StateListening {
		s.mu.Unlock()
		return
	}
	s.state = types.StateStopping
	s.persist.MarkDirty()
	s.mu.Unlock()

	log.Printf("Session %s: stopping", s.ID)
	if err := s.deps.Bridge.Finalize(); err != nil {
		log.Printf("Session %s: provider finalize signal failed: %v", s.ID, err)
	}
	s.stopOnce.Do(func() { close(s.stopC) })
}

// Fail moves the session to failed from outside the loop, used when the
// client transport drops before a clean stop.
func (s *Session) Fail(code, message string) {
	s.mu.Lock()
	if s.state == types.StateStopped || s.state == types.StateFailed || s.state == types.StateIdle {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopC) })
	s.failFromLoop(code, fmt.Errorf("%s", message))
}

// run is the session's single logical sequence: provider events, flush
// ticks, mark deadlines, and the stop drain all interleave here. No two
// flushes for the same session can overlap.
func (s *Session) run(ctx context.Context) {
	flush := time.NewTicker(s.deps.FlushInterval)
	defer flush.Stop()
	markTick := time.NewTicker(markTickInterval)
	defer markTick.Stop()

	var drain <-chan time.Time
	stopC := s.stopC

	for {
		select {
		case ev, ok := <-s.deps.Bridge.Events():
			if !ok {
				return
			}
			switch {
			case ev.Segment != nil:
				s.applySegment(*ev.Segment)
			case ev.Terminated:
				s.finalize(ctx)
				return
			case ev.Err != nil:
				s.failFromLoop(ev.Code, ev.Err)
				return
			}

		case <-flush.C:
			s.flushTick()

		case <-markTick.C:
			s.advanceMarks()

		case <-stopC:
			stopC = nil // fire once; the drain timer takes over
			drain = time.After(s.deps.StopDrain)

		case <-drain:
			log.Printf("Session %s: drain timeout, finalizing with transcripts received so far", s.ID)
			s.finalize(ctx)
			return

		case <-ctx.Done():
			s.failFromLoop(types.ReasonTransportFailed, ctx.Err())
			return
		}
	}
}

// applySegment folds one provider delta into the assembler and notifies the
// client. Finality is monotonic: a committed span is never regressed.
func (s *Session) applySegment(seg types.TranscriptSegment) {
	s.mu.Lock()
	if s.state != types.StateListening && s.state != types.StateStopping {
		s.mu.Unlock()
		return
	}
	before := s.assembler.FinalWatermark()
	changed := s.assembler.Apply(seg)
	advanced := s.assembler.FinalWatermark() > before
	if changed {
		s.persist.MarkDirty()
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	msgType := protocol.TypePartialTranscript
	if seg.IsFinal {
		msgType = protocol.TypeFinalTranscript
	}
	s.notify(protocol.ServerMessage{
		Type:      msgType,
		SessionID: s.ID,
		Segments:  []types.TranscriptSegment{seg},
	})

	if advanced {
		s.advanceMarks()
	}
}

func (s *Session) advanceMarks() {
	s.mu.Lock()
	if s.marks == nil {
		s.mu.Unlock()
		return
	}
	resolved := s.marks.Advance()
	if len(resolved) > 0 {
		s.persist.MarkDirty()
	}
	s.mu.Unlock()

	for i := range resolved {
		s.notify(protocol.ServerMessage{Type: protocol.TypeMarkResolved, SessionID: s.ID, Mark: &resolved[i]})
	}
}

func (s *Session) flushTick() {
	s.mu.Lock()
	dirty := s.persist.ConsumeDirty()
	var state *types.PersistedTranscriptState
	if dirty {
		state = s.snapshotLocked()
	}
	persist := s.persist
	s.mu.Unlock()
	if dirty {
		persist.FlushSnapshot(state)
	}
}

// finalize completes a stopping session: resolve remaining marks, close and
// upload the audio spool, flush the final state, and only then report
// stopped. An upload failure leaves the session in stopping and surfaces
// upload-failed; it is never silently marked stopped without its archive.
func (s *Session) finalize(ctx context.Context) {
	s.mu.Lock()
	if s.state == types.StateStopped || s.state == types.StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = types.StateStopping
	drained := s.marks.Drain()
	archiver := s.archiver
	s.mu.Unlock()

	for i := range drained {
		s.notify(protocol.ServerMessage{Type: protocol.TypeMarkResolved, SessionID: s.ID, Mark: &drained[i]})
	}

	if err := archiver.Close(); err != nil {
		log.Printf("Session %s: archive close failed: %v", s.ID, err)
	}

	ref, err := s.persist.UploadArchive(ctx, s.ID, archiver.Path())
	if err != nil {
		log.Printf("Session %s: archive upload failed, session remains stopping: %v", s.ID, err)
		s.mu.Lock()
		state := s.snapshotLocked()
		s.mu.Unlock()
		if ferr := s.persist.Flush(state); ferr != nil {
			log.Printf("Session %s: state flush failed: %v", s.ID, ferr)
		}
		s.notify(protocol.ErrorMessage(types.ReasonUploadFailed, "audio archive upload failed, finalize can be retried"))
		s.deps.Bridge.Close()
		s.closeDone()
		return
	}

	s.mu.Lock()
	if s.state == types.StateFailed {
		s.mu.Unlock()
		s.closeDone()
		return
	}
	s.archRef = ref
	s.state = types.StateStopped
	state := s.snapshotLocked()
	spans, dropped := s.assembler.Len(), s.dropped
	s.mu.Unlock()

	if err := s.persist.Flush(state); err != nil {
		log.Printf("Session %s: final state flush failed: %v", s.ID, err)
	}
	archiver.Remove()
	s.deps.Bridge.Close()

	s.notify(protocol.ServerMessage{Type: protocol.TypeStopped, SessionID: s.ID})
	log.Printf("Session %s: stopped (%d spans, %d dropped frames, archive=%s)", s.ID, spans, dropped, ref)

	if s.deps.OnStopped != nil {
		s.deps.OnStopped(s.ID)
	}
	s.closeDone()
}

// failFromLoop moves the session to failed and flushes what was assembled.
// A failed session is terminal; no audio is retried automatically.
func (s *Session) failFromLoop(code string, cause error) {
	s.mu.Lock()
	if s.state == types.StateStopped || s.state == types.StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = types.StateFailed
	if s.marks != nil {
		s.marks.Drain()
	}
	archiver := s.archiver
	var state *types.PersistedTranscriptState
	if s.assembler != nil {
		state = s.snapshotLocked()
	}
	s.mu.Unlock()

	log.Printf("Session %s: failed (%s): %v", s.ID, code, cause)
	if archiver != nil {
		archiver.Close()
	}
	if state != nil && s.persist != nil {
		if err := s.persist.Flush(state); err != nil {
			log.Printf("Session %s: failure state flush failed: %v", s.ID, err)
		}
	}
	s.deps.Bridge.Close()
	s.notify(protocol.ErrorMessage(code, cause.Error()))
	s.closeDone()
}

// snapshotLocked builds the persisted projection. Caller holds s.mu.
func (s *Session) snapshotLocked() *types.PersistedTranscriptState {
	return &types.PersistedTranscriptState{
		SessionID:       s.ID,
		State:           s.state,
		StartedAt:       s.startedAt,
		Language:        s.language,
		Segments:        s.assembler.Snapshot(),
		Marks:           s.marks.Marks(),
		AudioArchiveRef: s.archRef,
		UpdatedAt:       time.Now(),
	}
}

func (s *Session) notify(msg protocol.ServerMessage) {
	if s.deps.Notify != nil {
		s.deps.Notify(msg)
	}
}
