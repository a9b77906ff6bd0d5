package detections

import (
	"sort"

	"github.com/Tutortoise/object-detection-service/models"
)

// nonMaxSuppression keeps the highest scoring box of each overlapping group.
// Boxes only suppress boxes of the same class. The result is sorted by
// descending confidence and capped at maxDetections.
func nonMaxSuppression(candidates []models.RawDetection, iouThreshold float32, maxDetections int) []models.RawDetection {
	if len(candidates) == 0 {
		return []models.RawDetection{}
	}

	sorted := make([]models.RawDetection, len(candidates))
	copy(sorted, candidates)
	sortDetectionsByConfidence(sorted)

	kept := make([]models.RawDetection, 0, min(len(sorted), maxDetections))
	for _, det := range sorted {
		if len(kept) >= maxDetections {
			break
		}

		suppressed := false
		for _, k := range kept {
			if k.ClassIndex == det.ClassIndex && calculateIOU(k, det) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, det)
		}
	}
	return kept
}

func calculateIOU(a, b models.RawDetection) float32 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	area2 := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// sortDetectionsByConfidence is stable so equal scores keep decode order and
// repeated runs give identical output.
func sortDetectionsByConfidence(detections []models.RawDetection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
