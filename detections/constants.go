package detections

import "time"

const (
	DefaultInputSize = 640
	MaxDetections    = 300
	// PadValue is the grey used for letterbox borders.
	PadValue = 114

	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// Layout names the shape of a YOLO output tensor.
type Layout string

const (
	// LayoutYOLOv5 is [1, N, 5+classes]: cx, cy, w, h, objectness, class scores.
	LayoutYOLOv5 Layout = "yolov5"
	// LayoutYOLOv8 is [1, 4+classes, N] with no objectness channel.
	LayoutYOLOv8 Layout = "yolov8"
)

func (l Layout) attrsPerBox(numClasses int) int {
	if l == LayoutYOLOv8 {
		return 4 + numClasses
	}
	return 5 + numClasses
}

// anchorsPerCell is how many boxes each grid cell predicts.
func (l Layout) anchorsPerCell() int {
	if l == LayoutYOLOv8 {
		return 1
	}
	return 3
}

// ExpectedBoxes returns the number of predictions a model with the given
// square input emits across the stride 8, 16 and 32 heads.
func (l Layout) ExpectedBoxes(inputSize int) int {
	cells := 0
	for _, stride := range []int{8, 16, 32} {
		side := inputSize / stride
		cells += side * side
	}
	return cells * l.anchorsPerCell()
}
