// Package session implements the per-session core: the state machine, the
// segment assembler, mark resolution, and the persistence batcher. Each
// session is an independent unit of concurrency; nothing here is shared
// across sessions.
package session

import (
	"sort"

	"github.com/meetkit/live-transcription/internal/types"
)

// Assembler maintains the canonical ordered segment sequence for one
// session. Segments are keyed by provider span identity: a partial may be
// replaced in place by a later revision with the same key, a final is
// terminal and never overwritten.
type Assembler struct {
	byKey     map[int]int // span key -> index into segments
	segments  []types.TranscriptSegment
	arrival   map[int]int // span key -> arrival ordinal, for stable ordering
	nextSeq   int
	watermark int64
}

func NewAssembler() *Assembler {
	return &Assembler{
		byKey:   make(map[int]int),
		arrival: make(map[int]int),
	}
}

// Apply reconciles one segment delta. Returns true if the delta changed
// the sequence (a final segment's key is never superseded).
func (a *Assembler) Apply(seg types.TranscriptSegment) bool {
	if idx, ok := a.byKey[seg.SpanKey]; ok {
		if a.segments[idx].IsFinal {
			return false
		}
		a.segments[idx] = seg
	} else {
		a.byKey[seg.SpanKey] = len(a.segments)
		a.arrival[seg.SpanKey] = a.nextSeq
		a.nextSeq++
		a.segments = append(a.segments, seg)
	}

	if seg.IsFinal && seg.EndMs > a.watermark {
		a.watermark = seg.EndMs
	}
	return true
}

// Snapshot returns a copy of the sequence sorted by start offset, ties
// broken by arrival order. Consumers read snapshots rather than being
// pushed every intermediate partial.
func (a *Assembler) Snapshot() []types.TranscriptSegment {
	out := make([]types.TranscriptSegment, len(a.segments))
	copy(out, a.segments)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartMs != out[j].StartMs {
			return out[i].StartMs < out[j].StartMs
		}
		return a.arrival[out[i].SpanKey] < a.arrival[out[j].SpanKey]
	})
	return out
}

// FinalWatermark is the largest end offset among final segments. Mark
// resolution re-checks pending windows each time it advances.
func (a *Assembler) FinalWatermark() int64 {
	return a.watermark
}

// Len reports the number of distinct spans seen so far.
func (a *Assembler) Len() int {
	return len(a.segments)
}
