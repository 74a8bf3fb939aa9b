package pipeline

import (
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/models"
)

// BuildContexts splits [0, duration] into contiguous windows of windowSeconds
// and joins the audio and visual branches over each. The final window is
// truncated to the duration and is inclusive of the endpoint; a video shorter
// than one window yields exactly one context.
func BuildContexts(duration, windowSeconds float64, segments []domain.AudioSegment, frames []domain.Keyframe, scenes []models.Scene) []domain.SynchronizedContext {
	if duration <= 0 {
		return []domain.SynchronizedContext{{StartSeconds: 0, EndSeconds: 0}}
	}
	if windowSeconds <= 0 {
		windowSeconds = 300
	}

	contexts := []domain.SynchronizedContext{}
	for start := 0.0; start < duration; start += windowSeconds {
		end := start + windowSeconds
		final := end >= duration
		if final {
			end = duration
		}

		sc := domain.SynchronizedContext{StartSeconds: start, EndSeconds: end}
		for _, seg := range segments {
			if seg.StartSeconds < end && seg.EndSeconds > start {
				sc.AudioSegments = append(sc.AudioSegments, seg)
			}
		}
		for _, kf := range frames {
			if frameInWindow(kf, start, end, final, scenes) {
				sc.Keyframes = append(sc.Keyframes, kf)
			}
		}
		contexts = append(contexts, sc)
	}
	return contexts
}

// frameInWindow assigns a keyframe by the overlap of its containing scene
// when scene boundaries are known, else by plain containment.
func frameInWindow(kf domain.Keyframe, start, end float64, finalWindow bool, scenes []models.Scene) bool {
	for _, sc := range scenes {
		if kf.TimestampSeconds >= sc.StartSeconds && kf.TimestampSeconds < sc.EndSeconds {
			return sc.StartSeconds < end && sc.EndSeconds > start
		}
	}
	if finalWindow {
		return kf.TimestampSeconds >= start && kf.TimestampSeconds <= end
	}
	return kf.TimestampSeconds >= start && kf.TimestampSeconds < end
}

// AttributeSpeakers merges diarization turns into the timed transcript: each
// transcript segment takes the speaker whose turn overlaps it most. With no
// usable diarization everything is attributed to a single speaker.
func AttributeSpeakers(transcript, turns []domain.AudioSegment) []domain.AudioSegment {
	out := make([]domain.AudioSegment, len(transcript))
	for i, seg := range transcript {
		seg.SpeakerID = bestSpeaker(seg, turns)
		out[i] = seg
	}
	return out
}

func bestSpeaker(seg domain.AudioSegment, turns []domain.AudioSegment) string {
	best := "speaker_1"
	bestOverlap := 0.0
	for _, t := range turns {
		if t.SpeakerID == "" {
			continue
		}
		lo := seg.StartSeconds
		if t.StartSeconds > lo {
			lo = t.StartSeconds
		}
		hi := seg.EndSeconds
		if t.EndSeconds < hi {
			hi = t.EndSeconds
		}
		if hi-lo > bestOverlap {
			bestOverlap = hi - lo
			best = t.SpeakerID
		}
	}
	return best
}
