// Package capture grabs still frames from local cameras so they can be fed to
// the detection service as image files.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var (
	ErrOpen  = errors.New("could not open camera")
	ErrRead  = errors.New("could not read frame")
	ErrWrite = errors.New("could not save frame")
)

// Settings are requested from the driver; cameras may ignore them.
type Settings struct {
	Width  int
	Height int
	FPS    float64
}

var DefaultSettings = Settings{Width: 640, Height: 480, FPS: 30}

// ParseDevice accepts a non-negative camera index.
func ParseDevice(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("device id must be a non-negative integer, got %q", s)
	}
	return id, nil
}

func open(deviceID int) (*gocv.VideoCapture, error) {
	cam, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %v", ErrOpen, deviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return nil, fmt.Errorf("%w %d", ErrOpen, deviceID)
	}
	return cam, nil
}

func (s Settings) apply(cam *gocv.VideoCapture) {
	if s.Width > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
	}
	if s.Height > 0 {
		cam.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
	}
	if s.FPS > 0 {
		cam.Set(gocv.VideoCaptureFPS, s.FPS)
	}
}

// Frame captures one frame from deviceID and writes it to outputPath,
// creating the parent directory if needed. The format follows the extension.
func Frame(deviceID int, outputPath string, settings Settings) error {
	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}

	cam, err := open(deviceID)
	if err != nil {
		return err
	}
	defer cam.Close()
	settings.apply(cam)

	img := gocv.NewMat()
	defer img.Close()

	if ok := cam.Read(&img); !ok || img.Empty() {
		return fmt.Errorf("%w from camera %d", ErrRead, deviceID)
	}
	if ok := gocv.IMWrite(outputPath, img); !ok {
		return fmt.Errorf("%w to %s", ErrWrite, outputPath)
	}
	return nil
}

// Available reports whether deviceID opens and yields a frame.
func Available(deviceID int) bool {
	cam, err := open(deviceID)
	if err != nil {
		return false
	}
	defer cam.Close()

	img := gocv.NewMat()
	defer img.Close()
	return cam.Read(&img) && !img.Empty()
}
