package detections

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/Tutortoise/object-detection-service/models"
)

type fakeSession struct {
	in        []float32
	out       []float32
	run       func() error
	runs      atomic.Int32
	destroyed atomic.Bool
}

func newFakeSession(inputSize int, out []float32) *fakeSession {
	return &fakeSession{
		in:  make([]float32, 3*inputSize*inputSize),
		out: append([]float32(nil), out...),
	}
}

func (s *fakeSession) Input() []float32  { return s.in }
func (s *fakeSession) Output() []float32 { return s.out }
func (s *fakeSession) Destroy()          { s.destroyed.Store(true) }

func (s *fakeSession) Run() error {
	s.runs.Add(1)
	if s.run != nil {
		return s.run()
	}
	return nil
}

// fakeModel returns canned raw detections and records the params it saw.
type fakeModel struct {
	identity models.ModelIdentity
	labels   []string
	raw      []models.RawDetection
	err      error
	block    chan struct{}

	mu   sync.Mutex
	seen []InferenceParams
}

func (m *fakeModel) Identity() models.ModelIdentity { return m.identity }
func (m *fakeModel) Labels() []string               { return m.labels }
func (m *fakeModel) Close() error                   { return nil }

func (m *fakeModel) Infer(ctx context.Context, _ image.Image, params InferenceParams) ([]models.RawDetection, error) {
	m.mu.Lock()
	m.seen = append(m.seen, params)
	m.mu.Unlock()

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}

	var out []models.RawDetection
	for _, r := range m.raw {
		if r.Confidence >= params.ConfThreshold {
			out = append(out, r)
		}
	}
	return out, nil
}
