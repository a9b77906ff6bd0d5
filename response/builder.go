package response

import (
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/models"
)

// BuildSuccess wraps detections in a success envelope. Detections keep the
// order they were given in.
func BuildSuccess(dets []models.Detection, elapsed time.Duration, id models.ModelIdentity, annotatedPath string) models.DetectionResponse {
	if dets == nil {
		dets = []models.Detection{}
	}
	return models.DetectionResponse{
		Success:            true,
		Detections:         dets,
		ProcessingTimeMs:   max(0, elapsed.Milliseconds()),
		ModelUsed:          id.Name,
		DeviceUsed:         string(id.Device),
		AnnotatedImagePath: annotatedPath,
	}
}

// BuildError turns any error into a failure envelope carrying its kind.
func BuildError(err error) models.DetectionResponse {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return models.DetectionResponse{
		Success:          false,
		ProcessingTimeMs: 0,
		Error:            msg,
		ErrorKind:        string(apperrors.KindOf(err)),
	}
}
