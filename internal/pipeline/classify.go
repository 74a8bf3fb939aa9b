package pipeline

import (
	"strings"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

const (
	ContextMeeting    = "meeting"
	ContextNonMeeting = "non_meeting"
	ContextUnknown    = "unknown"
)

// ClassifyContext is the heuristic fallback for meeting classification:
// multiple speakers trading turns, or a question-heavy exchange, reads as a
// meeting. Contexts with no speech stay unknown.
func ClassifyContext(sc domain.SynchronizedContext) string {
	if len(sc.AudioSegments) == 0 {
		return ContextUnknown
	}

	speakers := map[string]bool{}
	turnChanges := 0
	questions := 0
	prev := ""
	for _, seg := range sc.AudioSegments {
		if seg.SpeakerID != "" {
			speakers[seg.SpeakerID] = true
			if prev != "" && seg.SpeakerID != prev {
				turnChanges++
			}
			prev = seg.SpeakerID
		}
		questions += strings.Count(seg.Text, "?")
	}

	if len(speakers) >= 2 && (turnChanges >= 3 || questions >= 2) {
		return ContextMeeting
	}
	return ContextNonMeeting
}
