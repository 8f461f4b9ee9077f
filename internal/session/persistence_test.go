package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/meetkit/live-transcription/internal/types"
)

// flakyStore fails every save until healed.
type flakyStore struct {
	mu    sync.Mutex
	fail  bool
	saves int
}

func (f *flakyStore) SaveState(state *types.PersistedTranscriptState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.saves++
	return nil
}

func TestDirtyEventDuringFlushIsNotLost(t *testing.T) {
	p := NewPersister(&flakyStore{}, nil)

	p.MarkDirty()
	if !p.ConsumeDirty() {
		t.Fatal("dirty flag not set after MarkDirty")
	}

	// A mark lands after the flush tick took its snapshot but before the
	// store write finishes. The next tick must still see it.
	p.MarkDirty()
	p.FlushSnapshot(&types.PersistedTranscriptState{SessionID: "s1"})

	if !p.ConsumeDirty() {
		t.Error("state change during a flush was dropped from the store")
	}
	if p.ConsumeDirty() {
		t.Error("consume did not clear the dirty flag")
	}
}

func TestFailedFlushRemarksDirty(t *testing.T) {
	store := &flakyStore{fail: true}
	p := NewPersister(store, nil)

	p.MarkDirty()
	if !p.ConsumeDirty() {
		t.Fatal("dirty flag not set after MarkDirty")
	}
	p.FlushSnapshot(&types.PersistedTranscriptState{SessionID: "s1"})

	if !p.ConsumeDirty() {
		t.Error("failed flush did not re-mark the state dirty")
	}
}
