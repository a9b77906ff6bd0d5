package capture

import (
	"fmt"

	"gocv.io/x/gocv"
)

type CameraStatus int

const (
	StatusMissing CameraStatus = iota
	StatusNoFrame
	StatusAvailable
)

func (s CameraStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusNoFrame:
		return "opens but no frame"
	default:
		return "not available"
	}
}

type CameraInfo struct {
	Index  int
	Status CameraStatus
	Width  int
	Height int
}

func (c CameraInfo) String() string {
	if c.Status == StatusAvailable {
		return fmt.Sprintf("Camera %d: %s (%dx%d)", c.Index, c.Status, c.Width, c.Height)
	}
	return fmt.Sprintf("Camera %d: %s", c.Index, c.Status)
}

// Probe tries device indices [0, max) and reports what each one does.
func Probe(max int) []CameraInfo {
	out := make([]CameraInfo, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, probeOne(i))
	}
	return out
}

func probeOne(index int) CameraInfo {
	info := CameraInfo{Index: index}
	cam, err := open(index)
	if err != nil {
		return info
	}
	defer cam.Close()

	img := gocv.NewMat()
	defer img.Close()
	if !cam.Read(&img) || img.Empty() {
		info.Status = StatusNoFrame
		return info
	}
	info.Status = StatusAvailable
	info.Width = img.Cols()
	info.Height = img.Rows()
	return info
}

// FirstAvailable returns the lowest index that produced a frame, or -1.
func FirstAvailable(cams []CameraInfo) int {
	for _, c := range cams {
		if c.Status == StatusAvailable {
			return c.Index
		}
	}
	return -1
}

type Properties struct {
	Width  int
	Height int
	FPS    float64
}

type FrameResult struct {
	OK     bool
	Width  int
	Height int
}

// Exercise reads n frames from deviceID and reports the driver's properties
// alongside the result of every read.
func Exercise(deviceID, n int) (Properties, []FrameResult, error) {
	cam, err := open(deviceID)
	if err != nil {
		return Properties{}, nil, err
	}
	defer cam.Close()

	props := Properties{
		Width:  int(cam.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(cam.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    cam.Get(gocv.VideoCaptureFPS),
	}

	img := gocv.NewMat()
	defer img.Close()

	results := make([]FrameResult, 0, n)
	for i := 0; i < n; i++ {
		if ok := cam.Read(&img); !ok || img.Empty() {
			results = append(results, FrameResult{})
			continue
		}
		results = append(results, FrameResult{OK: true, Width: img.Cols(), Height: img.Rows()})
	}
	return props, results, nil
}
