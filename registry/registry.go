package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("registry is closed")

// Handle is a loaded model owned by the registry. Callers borrow it for the
// duration of one request and never close it themselves.
type Handle struct {
	detections.Model
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// Loader builds a ready to run model for a catalog name.
type Loader interface {
	Known(name string) bool
	Load(ctx context.Context, name string) (detections.Model, error)
}

type Options struct {
	DefaultModel string
	// Strict rejects unknown model names instead of substituting the default.
	Strict bool
	// OnLoad is called once per successful load.
	OnLoad func(id models.ModelIdentity, took time.Duration)
}

// Registry maps model names to loaded handles. Each name is loaded at most
// once at a time; concurrent callers share the in-flight load. Failed loads
// are not cached. Handles live until Close.
type Registry struct {
	loader Loader
	opts   Options
	log    logrus.FieldLogger

	mu      sync.RWMutex
	handles map[string]*Handle
	closed  bool
	group   singleflight.Group
}

func New(loader Loader, opts Options, log logrus.FieldLogger) *Registry {
	if opts.DefaultModel == "" {
		opts.DefaultModel = models.DefaultModelName
	}
	return &Registry{
		loader:  loader,
		opts:    opts,
		log:     log,
		handles: make(map[string]*Handle),
	}
}

// ResolveName applies the default model rules to a requested name.
func (r *Registry) ResolveName(name string) (string, error) {
	if name == "" {
		return r.opts.DefaultModel, nil
	}
	if r.loader.Known(name) {
		return name, nil
	}
	if r.opts.Strict {
		return "", apperrors.InvalidRequest(fmt.Sprintf("unknown model_name %q", name), nil)
	}

	r.log.WithFields(logrus.Fields{
		"requested": name,
		"using":     r.opts.DefaultModel,
	}).Warn("Unknown model requested, falling back to default")
	return r.opts.DefaultModel, nil
}

// Resolve returns the handle for name, loading it on first use. If ctx ends
// while waiting, the caller gets a Timeout but the load carries on for any
// other waiters and is cached when it succeeds.
func (r *Registry) Resolve(ctx context.Context, name string) (*Handle, error) {
	resolved, err := r.ResolveName(name)
	if err != nil {
		return nil, err
	}

	if h, err := r.lookup(resolved); h != nil || err != nil {
		return h, err
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(resolved, func() (interface{}, error) {
		if h, err := r.lookup(resolved); h != nil || err != nil {
			return h, err
		}
		return r.load(loadCtx, resolved)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, apperrors.Timeout(fmt.Sprintf("gave up waiting for model %s to load", resolved), ctx.Err())
	}
}

func (r *Registry) lookup(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, apperrors.ModelLoadFailure(name, ErrClosed)
	}
	return r.handles[name], nil
}

// load runs inside the singleflight goroutine, where a panic cannot be
// recovered by any caller, so it is turned into a load failure here.
func (r *Registry) load(ctx context.Context, name string) (h *Handle, err error) {
	log := logger.FromContext(ctx, r.log).WithField("model", name)
	log.Info("Loading model")

	defer func() {
		if p := recover(); p != nil {
			log.WithFields(logrus.Fields{
				"panic": p,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic while loading model")
			h, err = nil, apperrors.ModelLoadFailure(name, fmt.Errorf("panic: %v", p))
		}
	}()

	start := time.Now()
	model, err := r.loader.Load(ctx, name)
	took := time.Since(start)
	if err != nil {
		log.WithError(err).Error("Model load failed")
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.ModelLoadFailure(name, err)
	}

	h = &Handle{Model: model, LoadedAt: time.Now(), LoadDuration: took}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		model.Close()
		return nil, apperrors.ModelLoadFailure(name, ErrClosed)
	}
	r.handles[name] = h
	r.mu.Unlock()

	id := model.Identity()
	log.WithFields(logrus.Fields{
		"device":   id.Device,
		"duration": took,
	}).Debug("Model handle cached")
	if r.opts.OnLoad != nil {
		r.opts.OnLoad(id, took)
	}
	return h, nil
}

// Loaded lists the identities of every loaded model, sorted by name.
func (r *Registry) Loaded() []models.ModelIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]models.ModelIdentity, 0, len(r.handles))
	for _, h := range r.handles {
		ids = append(ids, h.Identity())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Name < ids[j].Name })
	return ids
}

// PoolStats reports session pool counters for models that keep a pool.
func (r *Registry) PoolStats() map[string]detections.PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]detections.PoolStats)
	for name, h := range r.handles {
		if s, ok := h.Model.(interface{ Stats() detections.PoolStats }); ok {
			stats[name] = s.Stats()
		}
	}
	return stats
}

// Close releases every handle. Resolve fails afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, h := range r.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.handles = nil
	return errors.Join(errs...)
}
