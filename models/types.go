package models

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultConfidenceThreshold = 0.5
	DefaultIoUThreshold        = 0.45
	DefaultModelName           = "yolov5s"
)

type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// IsAccelerator reports whether the device is anything other than general compute.
func (d Device) IsAccelerator() bool {
	return d != DeviceCPU && d != ""
}

type ModelIdentity struct {
	Name   string `json:"name"`
	Device Device `json:"device"`
}

func (id ModelIdentity) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Device)
}

// DetectionRequest is the parsed request. Optional thresholds are pointers so
// an explicit 0 can be told apart from an absent field.
type DetectionRequest struct {
	ImagePath           string   `json:"image_path" validate:"required"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	IoUThreshold        *float64 `json:"iou_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	ModelName           string   `json:"model_name,omitempty"`
	SaveAnnotated       bool     `json:"save_annotated,omitempty"`
}

// Confidence returns the confidence threshold, defaulted when unspecified.
func (r DetectionRequest) Confidence() float64 {
	if r.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *r.ConfidenceThreshold
}

// IoU returns the IoU threshold, defaulted when unspecified.
func (r DetectionRequest) IoU() float64 {
	if r.IoUThreshold == nil {
		return DefaultIoUThreshold
	}
	return *r.IoUThreshold
}

// RawDetection is one box as the runtime reports it, in source image pixels.
type RawDetection struct {
	X1, Y1, X2, Y2 float32
	Confidence     float32
	ClassIndex     int
}

type BBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// MarshalJSON encodes the box as [x, y, width, height].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.Width, b.Height})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox must be [x,y,width,height]: %w", err)
	}
	b.X, b.Y, b.Width, b.Height = v[0], v[1], v[2], v[3]
	return nil
}

type Detection struct {
	ClassLabel string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

type DetectionResponse struct {
	Success            bool        `json:"success"`
	Detections         []Detection `json:"detections,omitempty"`
	ProcessingTimeMs   int64       `json:"processing_time"`
	ModelUsed          string      `json:"model_used,omitempty"`
	DeviceUsed         string      `json:"device_used,omitempty"`
	AnnotatedImagePath string      `json:"annotated_image_path,omitempty"`
	Error              string      `json:"error,omitempty"`
	ErrorKind          string      `json:"error_kind,omitempty"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}

// MarshalJSON always emits a detections array on success, even an empty one,
// and leaves it out of error envelopes.
func (r DetectionResponse) MarshalJSON() ([]byte, error) {
	type envelope DetectionResponse
	out := struct {
		envelope
		Detections *[]Detection `json:"detections,omitempty"`
	}{envelope: envelope(r)}

	if r.Success {
		detections := r.Detections
		if detections == nil {
			detections = []Detection{}
		}
		out.Detections = &detections
	}
	return json.Marshal(out)
}
