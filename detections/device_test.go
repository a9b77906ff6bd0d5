package detections

import (
	"runtime"
	"testing"

	"github.com/Tutortoise/object-detection-service/models"
)

func TestPreferredDevices(t *testing.T) {
	cpuOnly := PreferredDevices(false)
	if len(cpuOnly) != 1 || cpuOnly[0] != models.DeviceCPU {
		t.Errorf("Expected CPU only when accelerator disabled, got %v", cpuOnly)
	}

	devices := PreferredDevices(true)
	if devices[len(devices)-1] != models.DeviceCPU {
		t.Errorf("CPU must be the last resort, got %v", devices)
	}
	if runtime.GOOS != "darwin" && devices[0] != models.DeviceCUDA {
		t.Errorf("Expected accelerator first, got %v", devices)
	}
}

func TestCPUFeatures_NoDuplicates(t *testing.T) {
	seen := make(map[string]bool)
	for _, f := range CPUFeatures() {
		if seen[f] {
			t.Errorf("Feature %s reported twice", f)
		}
		seen[f] = true
	}
}
