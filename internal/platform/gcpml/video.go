package gcpml

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

// VideoService implements the SceneDetector strategy with Video Intelligence
// shot change detection.
type VideoService struct {
	log        *logger.Logger
	client     *videointelligence.Client
	maxRetries int
}

var _ models.SceneDetector = (*VideoService)(nil)

func NewVideoService(log *logger.Logger) (*VideoService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	c, err := videointelligence.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}

	return &VideoService{
		log:        log.With("service", "gcpml.Video"),
		client:     c,
		maxRetries: 4,
	}, nil
}

func (s *VideoService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *VideoService) DetectScenes(ctx context.Context, videoURI string) ([]models.Scene, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if !strings.HasPrefix(videoURI, "gs://") {
		return nil, fmt.Errorf("videoURI must be gs://... got %q", videoURI)
	}

	req := &vipb.AnnotateVideoRequest{
		InputUri: videoURI,
		Features: []vipb.Feature{vipb.Feature_SHOT_CHANGE_DETECTION},
	}

	resp, err := s.retryAnnotate(ctx, func() (*vipb.AnnotateVideoResponse, error) {
		op, err := s.client.AnnotateVideo(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("videointelligence annotate: %w", err)
	}

	scenes := []models.Scene{}
	for _, ar := range resp.GetAnnotationResults() {
		for _, shot := range ar.GetShotAnnotations() {
			scenes = append(scenes, models.Scene{
				StartSeconds: durToSec(shot.GetStartTimeOffset()),
				EndSeconds:   durToSec(shot.GetEndTimeOffset()),
			})
		}
	}
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].StartSeconds < scenes[j].StartSeconds })
	return scenes, nil
}

func (s *VideoService) retryAnnotate(ctx context.Context, fn func() (*vipb.AnnotateVideoResponse, error)) (*vipb.AnnotateVideoResponse, error) {
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
