package detections

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/object-detection-service/models"
)

type OnnxModelConfig struct {
	Identity   models.ModelIdentity
	Labels     []string
	Layout     Layout
	InputSize  int
	NumBoxes   int
	NumClasses int
}

// OutputDims splits a 3-d output shape into box and class counts.
func OutputDims(io SessionIO, layout Layout) (numBoxes, numClasses int) {
	s := io.OutputShape
	if layout == LayoutYOLOv8 {
		return int(s[2]), int(s[1]) - 4
	}
	return int(s[1]), int(s[2]) - 5
}

// OnnxModel runs a YOLO network through a pool of onnxruntime sessions.
type OnnxModel struct {
	cfg  OnnxModelConfig
	pool *SessionPool
	prep *preprocessor
}

func NewOnnxModel(cfg OnnxModelConfig, pool *SessionPool) (*OnnxModel, error) {
	if cfg.NumClasses < 1 {
		return nil, fmt.Errorf("model %s reports %d classes", cfg.Identity.Name, cfg.NumClasses)
	}
	if cfg.NumBoxes < 1 {
		return nil, fmt.Errorf("model %s reports %d boxes", cfg.Identity.Name, cfg.NumBoxes)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.Layout == "" {
		cfg.Layout = LayoutYOLOv5
	}
	return &OnnxModel{
		cfg:  cfg,
		pool: pool,
		prep: newPreprocessor(cfg.InputSize),
	}, nil
}

func (m *OnnxModel) Identity() models.ModelIdentity { return m.cfg.Identity }
func (m *OnnxModel) Labels() []string               { return m.cfg.Labels }
func (m *OnnxModel) Stats() PoolStats               { return m.pool.Stats() }

func (m *OnnxModel) Infer(ctx context.Context, img image.Image, params InferenceParams) ([]models.RawDetection, error) {
	timings := timingsFrom(ctx)

	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	prepStart := time.Now()
	lb, err := m.prep.Process(img, session.Input())
	if err != nil {
		m.pool.Release(session)
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// The runtime call cannot be interrupted; hand the session back
		// once it finishes so the next caller gets a clean one.
		go func() {
			if runErr := <-done; runErr != nil {
				m.pool.Discard(session, runErr)
				return
			}
			m.pool.Release(session)
		}()
		return nil, ctx.Err()
	}
	if err != nil {
		m.pool.Discard(session, err)
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	candidates, err := decodeOutput(m.cfg.Layout, session.Output(), m.cfg.NumBoxes, m.cfg.NumClasses, params.ConfThreshold, lb)
	m.pool.Release(session)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}

	detections := nonMaxSuppression(candidates, params.IoUThreshold, MaxDetections)
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}

func (m *OnnxModel) Close() error {
	m.pool.Destroy()
	return nil
}

type timingsKey struct{}

// WithTimings attaches a timings record that Infer fills in per stage.
func WithTimings(ctx context.Context, t *models.ProcessingTimings) context.Context {
	return context.WithValue(ctx, timingsKey{}, t)
}

func timingsFrom(ctx context.Context) *models.ProcessingTimings {
	if t, ok := ctx.Value(timingsKey{}).(*models.ProcessingTimings); ok && t != nil {
		return t
	}
	return &models.ProcessingTimings{}
}
