package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meetkit/live-transcription/internal/types"
)

// Store receives coalesced transcript state flushes.
type Store interface {
	SaveState(state *types.PersistedTranscriptState) error
}

// ArchiveStore uploads the finalized audio artifact and returns its
// reference (a URL or local path).
type ArchiveStore interface {
	UploadArchive(ctx context.Context, sessionID, spoolPath string) (string, error)
}

// DefaultFlushInterval bounds the write rate into durable storage. Segment
// and mark updates are coalesced between ticks; rapid partial revisions
// never hit the store individually.
const DefaultFlushInterval = time.Second

// uploadAttempts bounds the finalize upload retries before the failure is
// handed back to the caller.
const uploadAttempts = 3

// uploadBackoff grows quadratically between attempts. Variable so tests can
// shorten it.
var uploadBackoff = func(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * time.Second
}

// Persister batches state writes for one session and performs the one-time
// finalize upload. Flushes come from the session's run loop, but MarkDirty is
// also reached from client-facing calls, so the dirty flag carries its own
// lock.
type Persister struct {
	store   Store
	archive ArchiveStore

	mu    sync.Mutex
	dirty bool
}

func NewPersister(store Store, archive ArchiveStore) *Persister {
	return &Persister{store: store, archive: archive}
}

// MarkDirty records that the in-memory state has diverged from the store.
func (p *Persister) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// ConsumeDirty atomically reads and clears the dirty flag. The caller takes
// its state snapshot under the same session lock that guards MarkDirty, so a
// change landing after the snapshot sets the flag again for the next tick
// instead of being swallowed by this flush.
func (p *Persister) ConsumeDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dirty
	p.dirty = false
	return d
}

// FlushSnapshot writes a snapshot whose dirty flag was claimed via
// ConsumeDirty. A failed write re-marks the state dirty so the next tick
// retries with a fresh snapshot.
func (p *Persister) FlushSnapshot(state *types.PersistedTranscriptState) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveState(state); err != nil {
		log.Printf("Session %s: state flush failed, will retry next tick: %v", state.SessionID, err)
		p.MarkDirty()
	}
}

// Flush writes the state unconditionally.
func (p *Persister) Flush(state *types.PersistedTranscriptState) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.SaveState(state); err != nil {
		return fmt.Errorf("state flush failed: %w", err)
	}
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	return nil
}

// UploadArchive uploads the audio spool exactly once, retrying transient
// failures with backoff before giving up.
func (p *Persister) UploadArchive(ctx context.Context, sessionID, spoolPath string) (string, error) {
	if p.archive == nil {
		return "", nil
	}

	var ref string
	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		ref, err = p.archive.UploadArchive(ctx, sessionID, spoolPath)
		if err == nil {
			return ref, nil
		}
		log.Printf("Session %s: archive upload attempt %d/%d failed: %v", sessionID, attempt, uploadAttempts, err)
		if attempt < uploadAttempts {
			select {
			case <-time.After(uploadBackoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", err
}
