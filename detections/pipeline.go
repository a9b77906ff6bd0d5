package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// Result is what one pipeline run produces. Image is the decoded source,
// kept for drawing annotations.
type Result struct {
	Detections []models.Detection
	Elapsed    time.Duration
	Image      image.Image
}

type Pipeline struct {
	log logrus.FieldLogger
}

func NewPipeline(log logrus.FieldLogger) *Pipeline {
	return &Pipeline{log: log}
}

// Run detects objects in the image named by req using model. Thresholds come
// from the request and only apply to this call.
func (p *Pipeline) Run(ctx context.Context, model Model, req models.DetectionRequest) (*Result, error) {
	timings := &models.ProcessingTimings{RequestID: logger.RequestID(ctx)}
	totalStart := time.Now()

	params := ParamsFromRequest(req)
	if err := validateParams(params); err != nil {
		return nil, err
	}

	decodeStart := time.Now()
	img, err := loadImage(req.ImagePath)
	if err != nil {
		return nil, err
	}
	timings.ImageDecode = time.Since(decodeStart)

	inferStart := time.Now()
	raw, err := model.Infer(WithTimings(ctx, timings), img, params)
	elapsed := time.Since(inferStart)
	if err != nil {
		return nil, classifyInferError(model.Identity().Name, err)
	}

	detections, err := ToDetections(raw, model.Labels())
	if err != nil {
		return nil, apperrors.InferenceFailure("model produced an unknown class", err)
	}

	timings.Total = time.Since(totalStart)
	p.logTimings(timings)

	return &Result{
		Detections: detections,
		Elapsed:    elapsed,
		Image:      img,
	}, nil
}

func validateParams(params InferenceParams) error {
	if params.ConfThreshold < 0 || params.ConfThreshold > 1 {
		return apperrors.InvalidRequest(fmt.Sprintf("confidence_threshold must be within [0, 1], got %v", params.ConfThreshold), nil)
	}
	if params.IoUThreshold < 0 || params.IoUThreshold > 1 {
		return apperrors.InvalidRequest(fmt.Sprintf("iou_threshold must be within [0, 1], got %v", params.IoUThreshold), nil)
	}
	return nil
}

// loadImage separates files that are missing or unreadable from files that
// exist but are not images.
func loadImage(path string) (image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.ImageNotFound(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, apperrors.ImageNotFound(path, fmt.Errorf("not a regular file"))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.ImageNotFound(path, err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("file is not a decodable image: %s", path), err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("image has no pixels: %s", path), nil)
	}
	return img, nil
}

func classifyInferError(model string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.Timeout(fmt.Sprintf("inference on %s did not finish before the deadline", model), err)
	case errors.Is(err, ErrAcquireTimeout):
		return apperrors.Timeout(fmt.Sprintf("no %s session became available", model), err)
	default:
		return apperrors.InferenceFailure(fmt.Sprintf("inference on %s failed", model), err)
	}
}

func (p *Pipeline) logTimings(t *models.ProcessingTimings) {
	p.log.WithFields(logrus.Fields{
		logger.RequestIDKey: t.RequestID,
		"image_decode":      t.ImageDecode,
		"preprocess":        t.Preprocess,
		"inference":         t.Inference,
		"postprocess":       t.Postprocess,
		"total":             t.Total,
	}).Debug("Processing times")
}
