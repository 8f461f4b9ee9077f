package types

import "time"

// Session state constants
const (
	StateIdle      = "idle"
	StateListening = "listening"
	StateStopping  = "stopping"
	StateStopped   = "stopped"
	StateFailed    = "failed"
)

// Failure reason codes surfaced to the client
const (
	ReasonPermissionDenied    = "permission-denied"
	ReasonTransportFailed     = "transport-failed"
	ReasonProviderUnavailable = "provider-unavailable"
	ReasonProviderError       = "provider-error"
	ReasonUploadFailed        = "upload-failed"
)

// TranscriptSegment is one attributed span of recognized speech. Offsets are
// milliseconds relative to the session's start time. SpanKey is the
// provider-assigned turn ordinal and doubles as the speaker label.
type TranscriptSegment struct {
	SpanKey      int    `json:"spanKey"`
	SpeakerLabel int    `json:"speakerLabel"`
	StartMs      int64  `json:"startMs"`
	EndMs        int64  `json:"endMs"`
	Text         string `json:"text"`
	IsFinal      bool   `json:"isFinal"`
}

// Mark is a user-requested bookmark. ResolvedText stays empty until the
// surrounding segments are available; an empty or partial excerpt is a valid
// outcome, never an error.
type Mark struct {
	ID            string `json:"id"`
	TimestampMs   int64  `json:"timestampMs"`
	WindowStartMs int64  `json:"windowStartMs"`
	WindowEndMs   int64  `json:"windowEndMs"`
	ResolvedText  string `json:"resolvedText"`
	Partial       bool   `json:"partial"`
	Resolved      bool   `json:"resolved"`
}

// Mark window bounds around the requested timestamp. The window is weighted
// after the click: users mark a moment just after hearing it.
const (
	MarkWindowBeforeMs = 3000
	MarkWindowAfterMs  = 7000
)

// NewMark computes the context window for a mark at t (session-relative ms).
func NewMark(id string, t int64) Mark {
	start := t - MarkWindowBeforeMs
	if start < 0 {
		start = 0
	}
	return Mark{
		ID:            id,
		TimestampMs:   t,
		WindowStartMs: start,
		WindowEndMs:   t + MarkWindowAfterMs,
	}
}

// PersistedTranscriptState is the externally visible projection of a session:
// ordered segments, marks, state, archive reference. Mutated only by the
// persistence layer; immutable once the session is stopped or failed.
type PersistedTranscriptState struct {
	SessionID       string              `json:"sessionId"`
	State           string              `json:"state"`
	StartedAt       time.Time           `json:"startedAt"`
	Language        string              `json:"language,omitempty"`
	Segments        []TranscriptSegment `json:"segments"`
	Marks           []Mark              `json:"marks"`
	AudioArchiveRef string              `json:"audioArchiveRef,omitempty"`
	Summary         string              `json:"summary,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Transcript returns the full final transcript text in time order.
func (s *PersistedTranscriptState) Transcript() string {
	var out string
	for _, seg := range s.Segments {
		if !seg.IsFinal || seg.Text == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += seg.Text
	}
	return out
}
