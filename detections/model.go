package detections

import (
	"context"
	"image"

	"github.com/Tutortoise/object-detection-service/models"
)

// InferenceParams carries the per-call thresholds. They are never stored on a
// model, so concurrent calls with different values do not interfere.
type InferenceParams struct {
	ConfThreshold float32
	IoUThreshold  float32
}

func ParamsFromRequest(req models.DetectionRequest) InferenceParams {
	return InferenceParams{
		ConfThreshold: float32(req.Confidence()),
		IoUThreshold:  float32(req.IoU()),
	}
}

// Model is a loaded detector. Infer must be safe for concurrent use and
// returns boxes in source image pixels, highest confidence first.
type Model interface {
	Identity() models.ModelIdentity
	Labels() []string
	Infer(ctx context.Context, img image.Image, params InferenceParams) ([]models.RawDetection, error)
	Close() error
}
