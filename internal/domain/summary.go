package domain

import (
	"fmt"
	"strings"
	"time"
)

// AudioSegment is one diarized, transcribed span of speech.
type AudioSegment struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	SpeakerID    string  `json:"speaker_id"`
	Text         string  `json:"text"`
}

// Keyframe is one extracted frame with optional vision labels.
type Keyframe struct {
	TimestampSeconds float64  `json:"timestamp_seconds"`
	FramePath        string   `json:"frame_path,omitempty"`
	SceneChange      bool     `json:"scene_change"`
	Labels           []string `json:"labels,omitempty"`
}

// SynchronizedContext joins the audio and visual branches over one time
// window. It is the unit passed to the summarizer.
type SynchronizedContext struct {
	StartSeconds  float64        `json:"start_seconds"`
	EndSeconds    float64        `json:"end_seconds"`
	AudioSegments []AudioSegment `json:"audio_segments"`
	Keyframes     []Keyframe     `json:"keyframes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Participant struct {
	SpeakerID   string `json:"speaker_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

// TimeBlock is one contiguous period of the daily summary.
type TimeBlock struct {
	StartTime         string         `json:"start_time"` // HH:MM:SS
	EndTime           string         `json:"end_time"`   // HH:MM:SS
	Activity          string         `json:"activity"`
	Location          string         `json:"location,omitempty"`
	Participants      []Participant  `json:"participants"`
	TranscriptSummary string         `json:"transcript_summary,omitempty"`
	VisualSummary     string         `json:"visual_summary,omitempty"`
	ActionItems       []string       `json:"action_items"`
	ContextType       string         `json:"context_type,omitempty"` // meeting | non_meeting | unknown
	SourceReliability string         `json:"source_reliability"`     // High | Medium | Low
	AudioSegments     []AudioSegment `json:"audio_segments,omitempty"`
	Keyframes         []Keyframe     `json:"keyframes,omitempty"`
}

// DailySummary is the structured output of the processing pipeline.
type DailySummary struct {
	Date            string      `json:"date"` // YYYY-MM-DD
	VideoSource     string      `json:"video_source,omitempty"`
	TimeBlocks      []TimeBlock `json:"time_blocks"`
	DurationSeconds float64     `json:"duration_seconds"`
	CreatedAt       time.Time   `json:"created_at"`
}

// FormatTimestamp renders seconds-from-start as HH:MM:SS.
func FormatTimestamp(seconds float64) string {
	total := int(seconds)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// ParseTimestamp is the inverse of FormatTimestamp. It accepts HH:MM:SS,
// HH:MM and bare seconds fields; malformed input parses as 0.
func ParseTimestamp(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	total := 0
	for _, p := range parts {
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int(r-'0')
		}
		total = total*60 + n
	}
	return float64(total)
}

// ToMarkdown renders the summary in the stable per-block format consumers
// parse. Field order and bullet markers must not change.
func (d *DailySummary) ToMarkdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Summary: %s\n", d.Date)
	if d.VideoSource != "" {
		fmt.Fprintf(&b, "Source: %s\n", d.VideoSource)
	}
	b.WriteString("\n")
	for _, block := range d.TimeBlocks {
		fmt.Fprintf(&b, "## %s - %s: %s\n", block.StartTime, block.EndTime, block.Activity)
		if block.Location != "" {
			fmt.Fprintf(&b, "* **Location:** %s\n", block.Location)
		}
		if len(block.Participants) > 0 {
			b.WriteString("* **Participants:**\n")
			for _, p := range block.Participants {
				if p.Role != "" {
					fmt.Fprintf(&b, "  * **%s:** %s (%s)\n", p.SpeakerID, p.DisplayName, p.Role)
				} else {
					fmt.Fprintf(&b, "  * **%s:** %s\n", p.SpeakerID, p.DisplayName)
				}
			}
		}
		if block.TranscriptSummary != "" {
			fmt.Fprintf(&b, "* **Transcript Summary:** %s\n", block.TranscriptSummary)
		}
		if block.VisualSummary != "" {
			fmt.Fprintf(&b, "* **Visual:** %s\n", block.VisualSummary)
		}
		if len(block.ActionItems) > 0 {
			b.WriteString("* **Action Items:**\n")
			for _, item := range block.ActionItems {
				fmt.Fprintf(&b, "  * [ ] %s\n", item)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
