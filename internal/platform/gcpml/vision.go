package gcpml

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/lifestream/lifestream-backend/internal/models"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

// VisionService implements the KeyframeAnnotator strategy with Vision label
// detection over extracted frames.
type VisionService struct {
	log       *logger.Logger
	client    *vision.ImageAnnotatorClient
	maxLabels int
	minScore  float32
}

var _ models.KeyframeAnnotator = (*VisionService)(nil)

func NewVisionService(log *logger.Logger) (*VisionService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	c, err := vision.NewImageAnnotatorClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &VisionService{
		log:       log.With("service", "gcpml.Vision"),
		client:    c,
		maxLabels: envutil.Int("VISION_MAX_LABELS", 10),
		minScore:  float32(envutil.Float("VISION_MIN_SCORE", 0.6)),
	}, nil
}

func (s *VisionService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *VisionService) AnnotateFrame(ctx context.Context, image []byte) ([]string, error) {
	if len(image) == 0 {
		return []string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{{
				Type:       visionpb.Feature_LABEL_DETECTION,
				MaxResults: int32(s.maxLabels),
			}},
		}},
	}

	resp, err := s.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision annotate: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return []string{}, nil
	}
	r := resp.GetResponses()[0]
	if e := r.GetError(); e != nil {
		return nil, fmt.Errorf("vision annotate: %s", e.GetMessage())
	}

	labels := []string{}
	for _, ann := range r.GetLabelAnnotations() {
		if ann.GetScore() < s.minScore {
			continue
		}
		d := strings.TrimSpace(ann.GetDescription())
		if d != "" {
			labels = append(labels, d)
		}
	}
	return labels, nil
}
