// Command camera-probe lists the cameras OpenCV can see and exercises the
// first one that produces frames.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/Tutortoise/object-detection-service/capture"

	"github.com/fatih/color"
	"gocv.io/x/gocv"
)

func main() {
	max := flag.Int("max", 5, "number of device indices to try")
	frames := flag.Int("frames", 5, "frames to read from the selected camera")
	device := flag.Int("device", -1, "camera to exercise (default: first available)")
	test := flag.Int("test", -1, "only check whether this device yields a frame; exit status reports the result")
	flag.Parse()

	if *test >= 0 {
		if capture.Available(*test) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	header := color.New(color.FgCyan, color.Bold)
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed)
	dim := color.New(color.FgHiBlack)

	header.Println("=== Camera Debug Information ===")
	dim.Printf("OpenCV version: %s\n", gocv.OpenCVVersion())
	dim.Printf("Go version: %s\n", runtime.Version())

	cams := capture.Probe(*max)
	for _, c := range cams {
		switch c.Status {
		case capture.StatusAvailable:
			ok.Println(c.String())
		case capture.StatusNoFrame:
			warn.Println(c.String())
		default:
			dim.Println(c.String())
		}
	}

	target := *device
	if target < 0 {
		target = capture.FirstAvailable(cams)
	}
	if target < 0 {
		bad.Println("\nNo cameras found!")
		os.Exit(1)
	}

	header.Printf("\n=== Testing Camera %d ===\n", target)
	props, results, err := capture.Exercise(target, *frames)
	if err != nil {
		bad.Printf("Failed to open camera %d: %v\n", target, err)
		os.Exit(1)
	}
	fmt.Printf("Camera properties: %dx%d @ %.1f FPS\n", props.Width, props.Height, props.FPS)

	failed := 0
	for i, r := range results {
		if r.OK {
			ok.Printf("Frame %d: OK (%dx%d)\n", i+1, r.Width, r.Height)
			continue
		}
		failed++
		bad.Printf("Frame %d: FAILED\n", i+1)
	}
	if len(results) > 0 && failed == len(results) {
		os.Exit(1)
	}
}
