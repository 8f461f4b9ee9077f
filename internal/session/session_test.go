package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/meetkit/live-transcription/internal/bridge"
	"github.com/meetkit/live-transcription/internal/protocol"
	"github.com/meetkit/live-transcription/internal/types"
)

// fakeProvider scripts the upstream side of a session: pushed events come
// back as provider JSON, and a Terminate control message is acknowledged
// with a Termination event, like the real provider.
type fakeProvider struct {
	mu     sync.Mutex
	binary [][]byte
	reads  chan []byte
	once   sync.Once
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{reads: make(chan []byte, 32)}
}

func (f *fakeProvider) WriteBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeProvider) WriteJSON(v interface{}) error {
	f.pushRaw(`{"type":"Termination"}`)
	return nil
}

func (f *fakeProvider) ReadMessage() ([]byte, error) {
	data, ok := <-f.reads
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (f *fakeProvider) Close() error {
	f.once.Do(func() { close(f.reads) })
	return nil
}

func (f *fakeProvider) pushRaw(s string) {
	defer func() { recover() }() // ignore pushes after close
	f.reads <- []byte(s)
}

func (f *fakeProvider) pushTurn(order int, text string, startMs, endMs int64, final bool) {
	msg := map[string]interface{}{
		"type":              "Turn",
		"turn_order":        order,
		"transcript":        text,
		"audio_start_ms":    startMs,
		"audio_end_ms":      endMs,
		"end_of_turn":       final,
		"turn_is_formatted": final,
	}
	data, _ := json.Marshal(msg)
	f.pushRaw(string(data))
}

// memStore records every flush.
type memStore struct {
	mu     sync.Mutex
	states []*types.PersistedTranscriptState
}

func (m *memStore) SaveState(state *types.PersistedTranscriptState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.states = append(m.states, &cp)
	return nil
}

func (m *memStore) last() *types.PersistedTranscriptState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return nil
	}
	return m.states[len(m.states)-1]
}

// memArchive accepts or rejects uploads.
type memArchive struct {
	mu      sync.Mutex
	fail    bool
	uploads int
}

func (m *memArchive) UploadArchive(ctx context.Context, sessionID, spoolPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if m.fail {
		return "", errors.New("blob store unavailable")
	}
	return "mem://" + sessionID, nil
}

// notifier collects server messages pushed to the client.
type notifier struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (n *notifier) notify(msg protocol.ServerMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notifier) count(msgType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.msgs {
		if m.Type == msgType {
			c++
		}
	}
	return c
}

func newTestSession(t *testing.T, prov *fakeProvider, store Store, archive ArchiveStore, n *notifier) *Session {
	t.Helper()
	br := bridge.NewWithDialer(func(ctx context.Context) (bridge.Conn, error) {
		return prov, nil
	})
	return New(Deps{
		Bridge:        br,
		Store:         store,
		Archive:       archive,
		Notify:        n.notify,
		TempDir:       t.TempDir(),
		FlushInterval: 20 * time.Millisecond,
		StopDrain:     2 * time.Second,
	})
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s never reached a terminal state (state=%s)", s.ID, s.State())
	}
}

func TestSessionLifecycleStartToStopped(t *testing.T) {
	prov := newFakeProvider()
	store := &memStore{}
	archive := &memArchive{}
	n := &notifier{}
	s := newTestSession(t, prov, store, archive, n)

	if s.State() != types.StateIdle {
		t.Fatalf("initial state = %s, want idle", s.State())
	}

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != types.StateListening {
		t.Fatalf("state after start = %s, want listening", s.State())
	}

	// 3s of audio in 250ms frames.
	ctx := context.Background()
	frame := make([]byte, 8000)
	for i := 0; i < 12; i++ {
		if err := s.SendAudio(ctx, frame); err != nil {
			t.Fatalf("send frame %d: %v", i, err)
		}
	}

	prov.pushTurn(0, "hello wor", 0, 2100, false)
	prov.pushTurn(0, "hello world", 0, 2800, true)

	// Let the partial and final flow through before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for n.count(protocol.TypeFinalTranscript) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("final transcript never reached the client")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	waitDone(t, s)

	if s.State() != types.StateStopped {
		t.Fatalf("terminal state = %s, want stopped", s.State())
	}

	state := store.last()
	if state == nil {
		t.Fatal("nothing persisted")
	}
	if state.State != types.StateStopped {
		t.Errorf("persisted state = %s, want stopped", state.State)
	}
	if len(state.Segments) != 1 {
		t.Fatalf("persisted %d segments, want exactly 1", len(state.Segments))
	}
	got := state.Segments[0]
	if got.Text != "hello world" || !got.IsFinal || got.StartMs != 0 || got.EndMs != 2800 {
		t.Errorf("persisted segment = %+v, want final [0,2800] %q", got, "hello world")
	}
	if state.AudioArchiveRef == "" {
		t.Error("stopped session has no archive reference")
	}
	if n.count(protocol.TypeStopped) != 1 {
		t.Errorf("client saw %d stopped events, want 1", n.count(protocol.TypeStopped))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	prov := newFakeProvider()
	n := &notifier{}
	s := newTestSession(t, prov, &memStore{}, &memArchive{}, n)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Stop()
	s.Stop()
	waitDone(t, s)
	s.Stop() // terminal no-op

	if s.State() != types.StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if n.count(protocol.TypeStopped) != 1 {
		t.Errorf("client saw %d stopped events, want 1", n.count(protocol.TypeStopped))
	}
}

func TestAudioAfterStopIsDroppedNotQueued(t *testing.T) {
	prov := newFakeProvider()
	s := newTestSession(t, prov, &memStore{}, &memArchive{}, &notifier{})

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx := context.Background()
	if err := s.SendAudio(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("send while listening: %v", err)
	}

	s.Stop()
	if err := s.SendAudio(ctx, []byte{3, 4}); err != nil {
		t.Errorf("frame after stop returned error %v, want silent drop", err)
	}
	waitDone(t, s)

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.binary) != 1 {
		t.Errorf("provider received %d frames, want 1 (post-stop frame dropped)", len(prov.binary))
	}
}

func TestAudioBeforeStartIsRejected(t *testing.T) {
	prov := newFakeProvider()
	s := newTestSession(t, prov, &memStore{}, &memArchive{}, &notifier{})

	if err := s.SendAudio(context.Background(), []byte{1}); err == nil {
		t.Error("audio accepted in idle state")
	}
}

func TestProviderFailureFailsSessionTerminally(t *testing.T) {
	prov := newFakeProvider()
	store := &memStore{}
	n := &notifier{}
	s := newTestSession(t, prov, store, &memArchive{}, n)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	prov.pushRaw(`{"type":"Error","error":"stream rejected"}`)
	waitDone(t, s)

	if s.State() != types.StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if n.count(protocol.TypeStopped) != 0 {
		t.Error("failed session emitted a stopped event")
	}

	n.mu.Lock()
	var errCode string
	for _, m := range n.msgs {
		if m.Type == protocol.TypeError {
			errCode = m.Code
		}
	}
	n.mu.Unlock()
	if errCode != types.ReasonProviderError {
		t.Errorf("error code = %q, want %q", errCode, types.ReasonProviderError)
	}

	if state := store.last(); state == nil || state.State != types.StateFailed {
		t.Error("failure was not flushed to the store")
	}

	// Terminal: a later stop changes nothing.
	s.Stop()
	if s.State() != types.StateFailed {
		t.Error("stop after failure changed the terminal state")
	}
}

func TestUploadFailureKeepsSessionStopping(t *testing.T) {
	orig := uploadBackoff
	uploadBackoff = func(int) time.Duration { return time.Millisecond }
	defer func() { uploadBackoff = orig }()

	prov := newFakeProvider()
	store := &memStore{}
	archive := &memArchive{fail: true}
	n := &notifier{}
	s := newTestSession(t, prov, store, archive, n)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Stop()
	waitDone(t, s)

	if s.State() != types.StateStopping {
		t.Fatalf("state after failed upload = %s, want stopping", s.State())
	}
	if n.count(protocol.TypeStopped) != 0 {
		t.Error("session reported stopped without its archive")
	}

	n.mu.Lock()
	var sawUploadFailed bool
	for _, m := range n.msgs {
		if m.Type == protocol.TypeError && m.Code == types.ReasonUploadFailed {
			sawUploadFailed = true
		}
	}
	n.mu.Unlock()
	if !sawUploadFailed {
		t.Error("client was not told the finalize step failed")
	}
}

func TestMarkWhileListeningResolvesAgainstFinals(t *testing.T) {
	prov := newFakeProvider()
	n := &notifier{}
	s := newTestSession(t, prov, &memStore{}, &memArchive{}, n)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	prov.pushTurn(0, "as I mentioned", 6000, 9500, true)
	prov.pushTurn(1, "earlier this is fine", 9500, 17500, true)

	deadline := time.Now().Add(2 * time.Second)
	for n.count(protocol.TypeFinalTranscript) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("finals never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mark, err := s.Mark(10000)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !mark.Resolved {
		t.Fatal("mark with full coverage did not resolve synchronously")
	}
	if mark.ResolvedText != "as I mentioned earlier this is fine" {
		t.Errorf("resolvedText = %q", mark.ResolvedText)
	}

	s.Stop()
	waitDone(t, s)
}

func TestMarkAfterStopIsRejected(t *testing.T) {
	prov := newFakeProvider()
	s := newTestSession(t, prov, &memStore{}, &memArchive{}, &notifier{})

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()

	if _, err := s.Mark(1000); err == nil {
		t.Error("mark accepted while stopping")
	}
	waitDone(t, s)
}

func TestStoppedStateIsImmutable(t *testing.T) {
	prov := newFakeProvider()
	store := &memStore{}
	s := newTestSession(t, prov, store, &memArchive{}, &notifier{})

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	prov.pushTurn(0, "the whole meeting", 0, 3000, true)
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	waitDone(t, s)

	final := store.last()
	if final == nil || final.State != types.StateStopped {
		t.Fatalf("final flush = %+v", final)
	}

	// No further flushes occur after the terminal one.
	store.mu.Lock()
	flushes := len(store.states)
	store.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	store.mu.Lock()
	flushesAfter := len(store.states)
	last := store.states[len(store.states)-1]
	store.mu.Unlock()

	if flushesAfter != flushes {
		t.Errorf("store flushed %d more times after stopped", flushesAfter-flushes)
	}
	if !reflect.DeepEqual(final.Segments, last.Segments) {
		t.Error("persisted segments changed after stopped")
	}
}

func TestStartFailsClosedWithoutProvider(t *testing.T) {
	br := bridge.NewWithDialer(func(ctx context.Context) (bridge.Conn, error) {
		return nil, errors.New("connection refused")
	})
	s := New(Deps{
		Bridge:  br,
		Notify:  func(protocol.ServerMessage) {},
		TempDir: t.TempDir(),
	})

	err := s.Start(context.Background(), "")
	if err == nil {
		t.Fatal("start succeeded with no reachable provider")
	}
	if got := StartReason(err); got != types.ReasonProviderUnavailable {
		t.Errorf("reason = %q, want %q", got, types.ReasonProviderUnavailable)
	}
	if s.State() != types.StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestStartSpoolFailureIsNotAProviderError(t *testing.T) {
	prov := newFakeProvider()
	br := bridge.NewWithDialer(func(ctx context.Context) (bridge.Conn, error) {
		return prov, nil
	})
	s := New(Deps{
		Bridge:  br,
		Notify:  func(protocol.ServerMessage) {},
		TempDir: filepath.Join(t.TempDir(), "missing"), // spool dir does not exist
	})

	err := s.Start(context.Background(), "")
	if err == nil {
		t.Fatal("start succeeded without a writable spool directory")
	}
	if got := StartReason(err); got != types.ReasonUploadFailed {
		t.Errorf("reason = %q, want %q", got, types.ReasonUploadFailed)
	}
	if s.State() != types.StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}
