package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/labels"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

type OnnxLoaderConfig struct {
	// RuntimeLib is the onnxruntime shared library; empty uses the
	// platform default search path.
	RuntimeLib       string
	ModelsDir        string
	Catalog          *config.Catalog
	BaseURL          string
	UseAccelerator   bool
	SessionsPerModel int
	AcquireTimeout   time.Duration
	FetchTimeout     time.Duration
}

// OnnxLoader turns catalog entries into session-pooled ONNX models.
type OnnxLoader struct {
	cfg     OnnxLoaderConfig
	fetcher *Fetcher
	log     logrus.FieldLogger

	runtimeOnce sync.Once
	runtimeErr  error
}

func NewOnnxLoader(cfg OnnxLoaderConfig, fetcher *Fetcher, log logrus.FieldLogger) *OnnxLoader {
	return &OnnxLoader{cfg: cfg, fetcher: fetcher, log: log}
}

func (l *OnnxLoader) Known(name string) bool {
	_, ok := l.cfg.Catalog.Lookup(name)
	return ok
}

func (l *OnnxLoader) Load(ctx context.Context, name string) (detections.Model, error) {
	spec, ok := l.cfg.Catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unsupported model %q", name)
	}
	if err := l.initRuntime(); err != nil {
		return nil, err
	}

	path, err := l.EnsureArtifact(ctx, spec)
	if err != nil {
		return nil, err
	}

	classes, err := l.labelsFor(spec)
	if err != nil {
		return nil, err
	}

	layout := detections.Layout(spec.Layout)
	io, err := detections.InspectModel(path, spec.InputSize, len(classes), layout)
	if err != nil {
		return nil, err
	}
	numBoxes, numClasses := detections.OutputDims(io, layout)
	inputSize := int(io.InputShape[2])

	log := l.log.WithField("model", name)
	if numClasses != len(classes) {
		log.WithFields(logrus.Fields{
			"model_classes": numClasses,
			"labels":        len(classes),
		}).Warn("Model class count does not match its label table")
	}

	var lastErr error
	for _, device := range detections.PreferredDevices(l.cfg.UseAccelerator) {
		device := device
		pool, err := detections.NewSessionPool(func() (detections.Session, error) {
			return detections.NewModelSession(path, io, device)
		}, l.cfg.SessionsPerModel, l.cfg.AcquireTimeout)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("device", device).Warn("Could not create sessions on device")
			continue
		}

		model, err := detections.NewOnnxModel(detections.OnnxModelConfig{
			Identity:   models.ModelIdentity{Name: name, Device: device},
			Labels:     classes,
			Layout:     layout,
			InputSize:  inputSize,
			NumBoxes:   numBoxes,
			NumClasses: numClasses,
		}, pool)
		if err != nil {
			pool.Destroy()
			return nil, err
		}

		log.WithFields(poolFields(device, l.cfg.SessionsPerModel, inputSize)).Debug("Session pool ready")
		return model, nil
	}
	return nil, lastErr
}

// initRuntime loads the onnxruntime library the first time a model is
// needed. Requests that fail before that never touch the native runtime.
func (l *OnnxLoader) initRuntime() error {
	l.runtimeOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if l.cfg.RuntimeLib != "" {
			ort.SetSharedLibraryPath(l.cfg.RuntimeLib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			l.runtimeErr = fmt.Errorf("failed to initialize onnxruntime: %w", err)
			return
		}
		l.log.WithField("library", l.cfg.RuntimeLib).Info("onnxruntime initialized")
	})
	return l.runtimeErr
}

// Shutdown tears down the onnxruntime environment if this loader started it.
func (l *OnnxLoader) Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// EnsureArtifact returns the local path of a model's weights, fetching them
// first if they are not on disk yet.
func (l *OnnxLoader) EnsureArtifact(ctx context.Context, spec config.ModelSpec) (string, error) {
	path := filepath.Join(l.cfg.ModelsDir, spec.File)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path, nil
	}

	source := spec.Source
	if source == "" && l.cfg.BaseURL != "" {
		source = l.cfg.BaseURL + "/" + spec.File
	}
	if source == "" {
		return "", fmt.Errorf("model weights %s not found and %w", path, ErrNoSource)
	}
	if l.fetcher == nil {
		return "", fmt.Errorf("model weights %s not found and fetching is disabled", path)
	}

	if l.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.FetchTimeout)
		defer cancel()
	}
	if err := l.fetcher.Fetch(ctx, source, path); err != nil {
		return "", fmt.Errorf("fetch %s: %w", spec.Name, err)
	}
	return path, nil
}

func (l *OnnxLoader) labelsFor(spec config.ModelSpec) ([]string, error) {
	if spec.Labels == "" {
		return labels.COCO(), nil
	}
	file := spec.Labels
	if !filepath.IsAbs(file) {
		file = filepath.Join(l.cfg.ModelsDir, file)
	}
	return labels.Load(file)
}

// poolFields describes a ready session pool. CPU pools also report the
// instruction set extensions the runtime can use.
func poolFields(device models.Device, sessions, inputSize int) logrus.Fields {
	fields := logrus.Fields{
		"device":      device,
		"accelerator": device.IsAccelerator(),
		"sessions":    sessions,
		"input_size":  inputSize,
	}
	if !device.IsAccelerator() {
		fields["cpu_features"] = strings.Join(detections.CPUFeatures(), ",")
	}
	return fields
}
