package detections

import (
	"runtime"

	"github.com/Tutortoise/object-detection-service/models"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the vector extensions the host CPU offers. onnxruntime
// picks its kernels from these, so they are logged next to the device.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	return features
}

// PreferredDevices returns the devices to try in order. The accelerator is
// only attempted when enabled; CPU is always the last resort.
func PreferredDevices(useAccelerator bool) []models.Device {
	if useAccelerator && runtime.GOOS != "darwin" {
		return []models.Device{models.DeviceCUDA, models.DeviceCPU}
	}
	return []models.Device{models.DeviceCPU}
}
