package gcpml

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

// SpeechService backs both the Diarizer and the Transcriber strategies with
// Cloud Speech long-running recognition. Audio is 16kHz mono LINEAR16 WAV
// produced by the extraction stage.
type SpeechService struct {
	log        *logger.Logger
	client     *speech.Client
	langCode   string
	model      string
	minSpk     int
	maxSpk     int
	maxRetries int
}

var (
	_ models.Diarizer    = (*SpeechService)(nil)
	_ models.Transcriber = (*SpeechService)(nil)
)

func NewSpeechService(log *logger.Logger) (*SpeechService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	c, err := speech.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}

	return &SpeechService{
		log:        log.With("service", "gcpml.Speech"),
		client:     c,
		langCode:   envutil.String("SPEECH_LANGUAGE_CODE", "en-US"),
		model:      asrModel(),
		minSpk:     envutil.Int("DIARIZATION_MIN_SPEAKERS", 1),
		maxSpk:     envutil.Int("DIARIZATION_MAX_SPEAKERS", 6),
		maxRetries: 4,
	}, nil
}

// asrModel selects the recognition model. The faster model is the default;
// it trades some accuracy for latency on long recordings and can be disabled
// explicitly.
func asrModel() string {
	if envutil.Bool("USE_FASTER_ASR", true) {
		return "latest_short"
	}
	return "latest_long"
}

func (s *SpeechService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Diarize returns speaker turns with timing and no text. Speaker tags are
// normalized to "speaker_N" so downstream registry lookups are stable.
func (s *SpeechService) Diarize(ctx context.Context, audioURI string) ([]domain.AudioSegment, error) {
	resp, err := s.recognize(ctx, audioURI, true)
	if err != nil {
		return nil, fmt.Errorf("speech diarize: %w", err)
	}
	words := collectWords(resp)
	if len(words) == 0 {
		return []domain.AudioSegment{}, nil
	}

	segs := []domain.AudioSegment{}
	cur := domain.AudioSegment{
		StartSeconds: words[0].start,
		EndSeconds:   words[0].end,
		SpeakerID:    speakerID(words[0].speaker),
	}
	for _, w := range words[1:] {
		id := speakerID(w.speaker)
		if id != cur.SpeakerID {
			segs = append(segs, cur)
			cur = domain.AudioSegment{StartSeconds: w.start, EndSeconds: w.end, SpeakerID: id}
			continue
		}
		cur.EndSeconds = math.Max(cur.EndSeconds, w.end)
	}
	segs = append(segs, cur)
	return segs, nil
}

// Transcribe returns timed transcript segments grouped into ~10s spans, with
// no speaker attribution.
func (s *SpeechService) Transcribe(ctx context.Context, audioURI string) ([]domain.AudioSegment, error) {
	resp, err := s.recognize(ctx, audioURI, false)
	if err != nil {
		return nil, fmt.Errorf("speech transcribe: %w", err)
	}
	words := collectWords(resp)
	if len(words) == 0 {
		return []domain.AudioSegment{}, nil
	}

	const windowSec = 10.0
	segs := []domain.AudioSegment{}
	var buf strings.Builder
	curStart := words[0].start
	curEnd := words[0].end

	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return
		}
		segs = append(segs, domain.AudioSegment{
			StartSeconds: curStart,
			EndSeconds:   curEnd,
			Text:         text,
		})
		buf.Reset()
	}

	for _, w := range words {
		if (w.start-curStart) >= windowSec && buf.Len() > 0 {
			flush()
			curStart = w.start
			curEnd = w.end
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(w.text)
		if w.end > curEnd {
			curEnd = w.end
		}
	}
	flush()
	return segs, nil
}

func (s *SpeechService) recognize(ctx context.Context, audioURI string, diarize bool) (*speechpb.LongRunningRecognizeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if !strings.HasPrefix(audioURI, "gs://") {
		return nil, fmt.Errorf("audioURI must be gs://... got %q", audioURI)
	}

	rc := &speechpb.RecognitionConfig{
		LanguageCode:               s.langCode,
		Model:                      s.model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            16000,
		AudioChannelCount:          1,
	}
	if diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(s.minSpk),
			MaxSpeakerCount:          int32(s.maxSpk),
		}
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: rc,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Uri{Uri: audioURI}},
	}

	return s.retryLR(ctx, func() (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := s.client.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	})
}

func (s *SpeechService) retryLR(ctx context.Context, fn func() (*speechpb.LongRunningRecognizeResponse, error)) (*speechpb.LongRunningRecognizeResponse, error) {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == s.maxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}

type speechWord struct {
	text    string
	start   float64
	end     float64
	speaker int
}

func collectWords(resp *speechpb.LongRunningRecognizeResponse) []speechWord {
	if resp == nil {
		return nil
	}
	words := []speechWord{}
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		for _, w := range r.Alternatives[0].Words {
			if w == nil || strings.TrimSpace(w.Word) == "" {
				continue
			}
			words = append(words, speechWord{
				text:    w.Word,
				start:   durToSec(w.StartTime),
				end:     durToSec(w.EndTime),
				speaker: int(w.SpeakerTag),
			})
		}
	}
	return words
}

func speakerID(tag int) string {
	if tag <= 0 {
		tag = 1
	}
	return fmt.Sprintf("speaker_%d", tag)
}

func durToSec(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return float64(d.Seconds) + float64(d.Nanos)/1e9
}
