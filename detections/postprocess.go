package detections

import (
	"fmt"

	"github.com/Tutortoise/object-detection-service/models"
)

// decodeOutput turns a raw output tensor into candidate boxes in source
// pixels, dropping anything scoring below the confidence threshold.
func decodeOutput(layout Layout, output []float32, numBoxes, numClasses int, confThreshold float32, lb letterbox) ([]models.RawDetection, error) {
	attrs := layout.attrsPerBox(numClasses)
	if expected := numBoxes * attrs; len(output) != expected {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(output), expected)
	}

	if layout == LayoutYOLOv8 {
		return decodeYOLOv8(output, numBoxes, numClasses, confThreshold, lb), nil
	}
	return decodeYOLOv5(output, numBoxes, numClasses, confThreshold, lb), nil
}

// decodeYOLOv5 reads [N, 5+C] rows: cx, cy, w, h, objectness, class scores.
func decodeYOLOv5(output []float32, numBoxes, numClasses int, confThreshold float32, lb letterbox) []models.RawDetection {
	attrs := 5 + numClasses
	detections := make([]models.RawDetection, 0, 64)

	for i := 0; i < numBoxes; i++ {
		row := output[i*attrs : (i+1)*attrs]
		objectness := row[4]
		if objectness < confThreshold {
			continue
		}

		classIdx, classScore := argmax(row[5:])
		score := objectness * classScore
		if score < confThreshold {
			continue
		}

		detections = append(detections, toRaw(row[0], row[1], row[2], row[3], score, classIdx, lb))
	}
	return detections
}

// decodeYOLOv8 reads the channel-major [4+C, N] layout.
func decodeYOLOv8(output []float32, numBoxes, numClasses int, confThreshold float32, lb letterbox) []models.RawDetection {
	detections := make([]models.RawDetection, 0, 64)

	for i := 0; i < numBoxes; i++ {
		classIdx, score := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			if v := output[(4+c)*numBoxes+i]; classIdx < 0 || v > score {
				classIdx, score = c, v
			}
		}
		if classIdx < 0 || score < confThreshold {
			continue
		}

		detections = append(detections, toRaw(
			output[i],
			output[numBoxes+i],
			output[2*numBoxes+i],
			output[3*numBoxes+i],
			score, classIdx, lb,
		))
	}
	return detections
}

func toRaw(cx, cy, w, h, score float32, classIdx int, lb letterbox) models.RawDetection {
	x1, y1 := lb.toSource(cx-w/2, cy-h/2)
	x2, y2 := lb.toSource(cx+w/2, cy+h/2)
	return models.RawDetection{
		X1:         x1,
		Y1:         y1,
		X2:         x2,
		Y2:         y2,
		Confidence: score,
		ClassIndex: classIdx,
	}
}

func argmax(scores []float32) (int, float32) {
	if len(scores) == 0 {
		return -1, 0
	}
	best, bestScore := 0, scores[0]
	for i, s := range scores[1:] {
		if s > bestScore {
			best, bestScore = i+1, s
		}
	}
	return best, bestScore
}
