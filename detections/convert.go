package detections

import (
	"fmt"
	"math"

	"github.com/Tutortoise/object-detection-service/models"
)

// ToDetection converts corner coordinates into an [x, y, width, height] box
// with a class label. Width and height never go negative.
func ToDetection(raw models.RawDetection, labels []string) (models.Detection, error) {
	if raw.ClassIndex < 0 || raw.ClassIndex >= len(labels) {
		return models.Detection{}, fmt.Errorf("class index %d out of range for %d labels", raw.ClassIndex, len(labels))
	}

	return models.Detection{
		ClassLabel: labels[raw.ClassIndex],
		Confidence: float64(raw.Confidence),
		BBox: models.BBox{
			X:      roundInt(raw.X1),
			Y:      roundInt(raw.Y1),
			Width:  max(0, roundInt(raw.X2-raw.X1)),
			Height: max(0, roundInt(raw.Y2-raw.Y1)),
		},
	}, nil
}

// ToDetections converts a batch, keeping its order.
func ToDetections(raw []models.RawDetection, labels []string) ([]models.Detection, error) {
	out := make([]models.Detection, 0, len(raw))
	for _, r := range raw {
		d, err := ToDetection(r, labels)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func roundInt(v float32) int {
	return int(math.Round(float64(v)))
}
