// Command capture grabs a single webcam frame and writes it to disk.
//
//	capture [-width 640 -height 480 -fps 30] <device_id> <output_path>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Tutortoise/object-detection-service/capture"
	"github.com/Tutortoise/object-detection-service/logger"
)

func main() {
	width := flag.Int("width", capture.DefaultSettings.Width, "requested frame width")
	height := flag.Int("height", capture.DefaultSettings.Height, "requested frame height")
	fps := flag.Float64("fps", capture.DefaultSettings.FPS, "requested frame rate")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: capture [flags] <device_id> <output_path>")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	log := logger.New(logger.Options{Level: level, Development: true})

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	deviceID, err := capture.ParseDevice(flag.Arg(0))
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	outputPath := flag.Arg(1)

	settings := capture.Settings{Width: *width, Height: *height, FPS: *fps}
	if err := capture.Frame(deviceID, outputPath, settings); err != nil {
		log.WithError(err).WithField("device", deviceID).Error("Capture failed")
		os.Exit(1)
	}
	log.WithField("device", deviceID).Infof("Frame saved to: %s", outputPath)
}
