package pipeline

import (
	"testing"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

func TestClassifyContextNoAudio(t *testing.T) {
	if got := ClassifyContext(domain.SynchronizedContext{}); got != ContextUnknown {
		t.Fatalf("no audio: want=%q got=%q", ContextUnknown, got)
	}
}

func TestClassifyContextMeetingByTurns(t *testing.T) {
	sc := domain.SynchronizedContext{
		AudioSegments: []domain.AudioSegment{
			{SpeakerID: "speaker_1", Text: "status"},
			{SpeakerID: "speaker_2", Text: "update"},
			{SpeakerID: "speaker_1", Text: "reply"},
			{SpeakerID: "speaker_2", Text: "follow up"},
		},
	}
	if got := ClassifyContext(sc); got != ContextMeeting {
		t.Fatalf("turn-heavy exchange: want=%q got=%q", ContextMeeting, got)
	}
}

func TestClassifyContextMeetingByQuestions(t *testing.T) {
	sc := domain.SynchronizedContext{
		AudioSegments: []domain.AudioSegment{
			{SpeakerID: "speaker_1", Text: "Can we ship this week? What about the tests?"},
			{SpeakerID: "speaker_2", Text: "Yes."},
		},
	}
	if got := ClassifyContext(sc); got != ContextMeeting {
		t.Fatalf("question-heavy exchange: want=%q got=%q", ContextMeeting, got)
	}
}

func TestClassifyContextMonologue(t *testing.T) {
	sc := domain.SynchronizedContext{
		AudioSegments: []domain.AudioSegment{
			{SpeakerID: "speaker_1", Text: "Thinking out loud about the design."},
			{SpeakerID: "speaker_1", Text: "I will try the second approach."},
		},
	}
	if got := ClassifyContext(sc); got != ContextNonMeeting {
		t.Fatalf("monologue: want=%q got=%q", ContextNonMeeting, got)
	}
}

func TestClassifyContextTwoSpeakersFewTurns(t *testing.T) {
	sc := domain.SynchronizedContext{
		AudioSegments: []domain.AudioSegment{
			{SpeakerID: "speaker_1", Text: "Here you go."},
			{SpeakerID: "speaker_2", Text: "Thanks."},
		},
	}
	if got := ClassifyContext(sc); got != ContextNonMeeting {
		t.Fatalf("brief exchange: want=%q got=%q", ContextNonMeeting, got)
	}
}
