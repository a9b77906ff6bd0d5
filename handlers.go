package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/response"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Detector runs one raw JSON request and always returns an envelope.
type Detector interface {
	DetectPayload(ctx context.Context, payload []byte) models.DetectionResponse
}

// ModelStatus reports what the registry currently holds.
type ModelStatus interface {
	Loaded() []models.ModelIdentity
	PoolStats() map[string]detections.PoolStats
}

// MetricsSource exposes request counters.
type MetricsSource interface {
	GetMetrics() map[string]interface{}
}

type AppState struct {
	Detector Detector
	Models   ModelStatus
	Metrics  MetricsSource
	Started  time.Time
	Log      logrus.FieldLogger

	closing atomic.Bool
}

// BeginShutdown makes /detect refuse new work while in-flight requests drain.
func (s *AppState) BeginShutdown() {
	s.closing.Store(true)
}

type routerOptions struct {
	MaxBodySize int64
	Limiter     *rateLimiter
	Proxies     proxyTrust
}

func newRouter(state *AppState, opts routerOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, accessLog(state.Log, opts.Proxies))
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, apperrors.InvalidRequest("method "+r.Method+" not allowed", nil), http.StatusMethodNotAllowed)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, apperrors.InvalidRequest("no route for "+r.URL.Path, nil), http.StatusNotFound)
	})

	var detect http.Handler = handleDetect(state)
	if opts.MaxBodySize > 0 {
		detect = limitBody(opts.MaxBodySize)(detect)
	}
	if opts.Limiter != nil {
		detect = opts.Limiter.middleware(detect)
	}
	r.Handle("/detect", detect).Methods(http.MethodPost)

	state.addMonitoringRoutes(r)
	return r
}

func handleDetect(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if state.closing.Load() {
			sendErrorResponse(w, apperrors.InferenceFailure(MsgServiceClosing, nil), http.StatusServiceUnavailable)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				sendErrorResponse(w, apperrors.InvalidRequest(MsgBodyTooLarge, err), http.StatusRequestEntityTooLarge)
				return
			}
			logger.FromContext(ctx, state.Log).WithError(err).Warn("Failed to read request body")
			sendErrorResponse(w, apperrors.InvalidRequest(MsgBodyUnreadable, err), http.StatusBadRequest)
			return
		}

		resp := state.Detector.DetectPayload(ctx, body)

		status := http.StatusOK
		if !resp.Success {
			status = apperrors.StatusCode(apperrors.Kind(resp.ErrorKind))
		}
		writeJSON(w, status, resp)
	}
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	loaded := s.Models.Loaded()
	if loaded == nil {
		loaded = []models.ModelIdentity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"uptime_seconds":      int64(time.Since(s.Started).Seconds()),
		"loaded_models":       loaded,
		"runtime_initialized": ort.IsInitialized(),
	})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":       s.Metrics.GetMetrics(),
		"session_pools":  s.Models.PoolStats(),
		"goroutines":     runtime.NumGoroutine(),
		"uptime_seconds": int64(time.Since(s.Started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendErrorResponse answers with the same envelope the detector produces, so
// clients only ever parse one shape.
func sendErrorResponse(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, response.BuildError(err))
}
