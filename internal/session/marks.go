package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meetkit/live-transcription/internal/types"
)

// DefaultMarkGrace bounds how long a pending mark waits for late segments
// beyond its window end before resolving with whatever is available.
const DefaultMarkGrace = 4 * time.Second

// pendingMark is a mark still waiting for final coverage of its window.
type pendingMark struct {
	mark     types.Mark
	deadline time.Time
}

// MarkExtractor resolves the text context around user-requested marks
// without ever blocking or failing the audio path. Marks resolve
// independently of each other; a mark with partial or empty text is a
// valid, non-error outcome.
type MarkExtractor struct {
	assembler *Assembler
	origin    time.Time // session start; anchors window deadlines
	grace     time.Duration
	resolved  []types.Mark
	pending   []pendingMark
	now       func() time.Time
}

func NewMarkExtractor(assembler *Assembler, origin time.Time, grace time.Duration) *MarkExtractor {
	if grace <= 0 {
		grace = DefaultMarkGrace
	}
	return &MarkExtractor{
		assembler: assembler,
		origin:    origin,
		grace:     grace,
		now:       time.Now,
	}
}

// Add registers a mark at t (session-relative ms). If the window is already
// fully covered by final segments it resolves synchronously; otherwise it
// becomes pending until the watermark advances far enough or the grace
// deadline passes. Returns the mark (resolved or placeholder) and whether
// it resolved immediately.
func (m *MarkExtractor) Add(t int64) (types.Mark, bool) {
	mark := types.NewMark(uuid.New().String(), t)

	if m.assembler.FinalWatermark() >= mark.WindowEndMs && m.windowIsFinal(mark) {
		m.resolve(&mark, false)
		m.resolved = append(m.resolved, mark)
		return mark, true
	}

	// The deadline is anchored to when the window closes in session time,
	// not to the click: a mark placed mid-window still waits for the tail
	// of its window plus the grace period.
	windowCloses := m.origin.Add(time.Duration(mark.WindowEndMs) * time.Millisecond)
	m.pending = append(m.pending, pendingMark{
		mark:     mark,
		deadline: windowCloses.Add(m.grace),
	})
	return mark, false
}

// Advance re-checks pending marks against the current final watermark and
// deadlines, returning any marks that resolved. Called from the session
// loop whenever the watermark moves and on a periodic tick.
func (m *MarkExtractor) Advance() []types.Mark {
	var done []types.Mark
	watermark := m.assembler.FinalWatermark()
	now := m.now()

	remaining := m.pending[:0]
	for _, p := range m.pending {
		switch {
		case watermark >= p.mark.WindowEndMs && m.windowIsFinal(p.mark):
			m.resolve(&p.mark, false)
			done = append(done, p.mark)
		case !now.Before(p.deadline):
			m.resolve(&p.mark, true)
			done = append(done, p.mark)
		default:
			remaining = append(remaining, p)
		}
	}
	m.pending = remaining
	m.resolved = append(m.resolved, done...)
	return done
}

// Drain force-resolves every pending mark with available text. Called when
// the session reaches a terminal state.
func (m *MarkExtractor) Drain() []types.Mark {
	var done []types.Mark
	for _, p := range m.pending {
		m.resolve(&p.mark, true)
		done = append(done, p.mark)
	}
	m.pending = nil
	m.resolved = append(m.resolved, done...)
	return done
}

// Marks returns all marks, resolved first, then pending placeholders, in
// creation order within each group.
func (m *MarkExtractor) Marks() []types.Mark {
	out := make([]types.Mark, 0, len(m.resolved)+len(m.pending))
	out = append(out, m.resolved...)
	for _, p := range m.pending {
		out = append(out, p.mark)
	}
	return out
}

// windowIsFinal reports whether no in-flight partial still overlaps the mark
// window. The watermark alone can pass a window end while an interior turn
// is still being formatted; resolving then would drop its text for good.
func (m *MarkExtractor) windowIsFinal(mark types.Mark) bool {
	for _, seg := range m.assembler.Snapshot() {
		if seg.IsFinal {
			continue
		}
		if seg.EndMs <= mark.WindowStartMs || seg.StartMs >= mark.WindowEndMs {
			continue
		}
		return false
	}
	return true
}

// resolve fills ResolvedText from the final segments overlapping the mark
// window, concatenated in time order. Deterministic for a given snapshot.
func (m *MarkExtractor) resolve(mark *types.Mark, partial bool) {
	var parts []string
	for _, seg := range m.assembler.Snapshot() {
		if !seg.IsFinal {
			continue
		}
		if seg.EndMs <= mark.WindowStartMs || seg.StartMs >= mark.WindowEndMs {
			continue
		}
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	mark.ResolvedText = strings.Join(parts, " ")
	mark.Partial = partial && mark.ResolvedText != ""
	mark.Resolved = true
}
