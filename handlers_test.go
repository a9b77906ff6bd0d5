package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/response"
)

type fakeDetector struct {
	mu       sync.Mutex
	payloads []string
	resp     models.DetectionResponse
}

func (d *fakeDetector) DetectPayload(ctx context.Context, payload []byte) models.DetectionResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, string(payload))
	return d.resp
}

type fakeModels struct{}

func (fakeModels) Loaded() []models.ModelIdentity {
	return []models.ModelIdentity{{Name: "yolov5s", Device: models.DeviceCPU}}
}

func (fakeModels) PoolStats() map[string]detections.PoolStats {
	return map[string]detections.PoolStats{"yolov5s": {Size: 2, Available: 2}}
}

type fakeMetrics struct{}

func (fakeMetrics) GetMetrics() map[string]interface{} {
	return map[string]interface{}{"total_requests": 3}
}

func newTestRouter(d *fakeDetector, opts routerOptions) http.Handler {
	state := &AppState{
		Detector: d,
		Models:   fakeModels{},
		Metrics:  fakeMetrics{},
		Started:  time.Now(),
		Log:      logger.Discard(),
	}
	return newRouter(state, opts)
}

func decodeEnvelope(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, body)
	}
	return out
}

func TestHandleDetect_StatusFromKind(t *testing.T) {
	success := response.BuildSuccess([]models.Detection{
		{ClassLabel: "person", Confidence: 0.9, BBox: models.BBox{X: 10, Y: 10, Width: 40, Height: 70}},
	}, 12*time.Millisecond, models.ModelIdentity{Name: "yolov5s", Device: models.DeviceCPU}, "")

	tests := []struct {
		name       string
		resp       models.DetectionResponse
		wantStatus int
		wantKind   string
	}{
		{"success", success, http.StatusOK, ""},
		{"missing image", response.BuildError(apperrors.ImageNotFound("/nope.jpg", nil)), http.StatusNotFound, "image_not_found"},
		{"bad request", response.BuildError(apperrors.InvalidRequest("bad", nil)), http.StatusBadRequest, "invalid_request"},
		{"model load", response.BuildError(apperrors.ModelLoadFailure("yolov5s", nil)), http.StatusServiceUnavailable, "model_load_failure"},
		{"timeout", response.BuildError(apperrors.Timeout("too slow", nil)), http.StatusGatewayTimeout, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDetector{resp: tt.resp}
			router := newTestRouter(d, routerOptions{MaxBodySize: 1024})

			payload := `{"image_path":"/tmp/a.jpg"}`
			req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(payload))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected JSON content type, got %q", ct)
			}
			if len(d.payloads) != 1 || d.payloads[0] != payload {
				t.Errorf("Expected payload passed through unchanged, got %v", d.payloads)
			}

			out := decodeEnvelope(t, rec.Body.Bytes())
			if tt.wantKind == "" {
				if out["success"] != true {
					t.Errorf("Expected success, got %v", out)
				}
				dets, ok := out["detections"].([]interface{})
				if !ok || len(dets) != 1 {
					t.Errorf("Expected one detection, got %v", out["detections"])
				}
				return
			}
			if out["success"] != false || out["error_kind"] != tt.wantKind {
				t.Errorf("Expected %s failure, got %v", tt.wantKind, out)
			}
		})
	}
}

func TestHandleDetect_BodyTooLarge(t *testing.T) {
	d := &fakeDetector{}
	router := newTestRouter(d, routerOptions{MaxBodySize: 16})

	req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(bytes.Repeat([]byte("a"), 64)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
	if len(d.payloads) != 0 {
		t.Error("Oversized body must not reach the detector")
	}
	out := decodeEnvelope(t, rec.Body.Bytes())
	if out["success"] != false || out["error_kind"] != "invalid_request" {
		t.Errorf("Expected invalid_request envelope, got %v", out)
	}
}

func TestHandleDetect_RateLimited(t *testing.T) {
	d := &fakeDetector{resp: response.BuildSuccess(nil, 0, models.ModelIdentity{}, "")}
	limiter := newRateLimiter(0.001, 2, nil, logger.Discard())
	router := newTestRouter(d, routerOptions{Limiter: limiter})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(`{}`))
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected burst of 2 then 429, got %v", codes)
	}

	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(`{}`))
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Other clients must have their own bucket, got %d", rec.Code)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := newRateLimiter(1, 1, nil, logger.Discard())
	rl.limiterFor("10.0.0.1")
	rl.limiterFor("10.0.0.2")

	if n := rl.sweep(time.Now()); n != 0 {
		t.Errorf("Expected fresh buckets kept, removed %d", n)
	}
	if n := rl.sweep(time.Now().Add(rl.idleTTL + time.Second)); n != 2 {
		t.Errorf("Expected 2 idle buckets removed, got %d", n)
	}
}

func TestRequestIDHeader(t *testing.T) {
	d := &fakeDetector{resp: response.BuildSuccess(nil, 0, models.ModelIdentity{}, "")}
	router := newTestRouter(d, routerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("Expected a generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("Expected client request id echoed, got %q", got)
	}
}

func TestMonitoringRoutes(t *testing.T) {
	router := newTestRouter(&fakeDetector{}, routerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /health, got %d", rec.Code)
	}
	health := decodeEnvelope(t, rec.Body.Bytes())
	if health["status"] != "ok" {
		t.Errorf("Unexpected health body %v", health)
	}
	loaded, ok := health["loaded_models"].([]interface{})
	if !ok || len(loaded) != 1 {
		t.Errorf("Expected one loaded model, got %v", health["loaded_models"])
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /metrics, got %d", rec.Code)
	}
	metrics := decodeEnvelope(t, rec.Body.Bytes())
	pools, ok := metrics["session_pools"].(map[string]interface{})
	if !ok || pools["yolov5s"] == nil {
		t.Errorf("Expected pool stats for yolov5s, got %v", metrics["session_pools"])
	}
	if _, ok := metrics["requests"].(map[string]interface{}); !ok {
		t.Errorf("Expected request counters, got %v", metrics["requests"])
	}
}

func TestUnknownRoute(t *testing.T) {
	router := newTestRouter(&fakeDetector{}, routerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	out := decodeEnvelope(t, rec.Body.Bytes())
	if out["success"] != false {
		t.Errorf("Expected failure envelope, got %v", out)
	}
}

func TestHandleDetect_ForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	d := &fakeDetector{resp: response.BuildSuccess(nil, 0, models.ModelIdentity{}, "")}
	limiter := newRateLimiter(0.001, 2, nil, logger.Discard())
	router := newTestRouter(d, routerOptions{Limiter: limiter})

	admitted := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(`{}`))
		req.RemoteAddr = "203.0.113.7:41000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("Expected only the burst of 2 admitted for one peer, got %d", admitted)
	}
	if len(limiter.buckets) != 1 {
		t.Errorf("Expected a single bucket keyed on the peer, got %d", len(limiter.buckets))
	}
}

func TestProxyTrust_ClientIP(t *testing.T) {
	proxies, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("parseTrustedProxies failed: %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"no header", "203.0.113.7:41000", "", "203.0.113.7"},
		{"untrusted peer", "203.0.113.7:41000", "198.51.100.1", "203.0.113.7"},
		{"trusted cidr peer", "10.1.2.3:8080", "198.51.100.1", "198.51.100.1"},
		{"trusted single peer", "192.168.1.10:8080", "198.51.100.1", "198.51.100.1"},
		{"spoofed left hop", "10.1.2.3:8080", "1.1.1.1, 198.51.100.1", "198.51.100.1"},
		{"chain of proxies", "10.1.2.3:8080", "198.51.100.1, 10.9.9.9", "198.51.100.1"},
		{"garbage hop", "10.1.2.3:8080", "not-an-ip", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := proxies.clientIP(req); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := parseTrustedProxies([]string{"proxy.local"}); err == nil {
		t.Error("Expected error for a hostname entry")
	}
}

func TestHandleDetect_RefusedWhileClosing(t *testing.T) {
	d := &fakeDetector{resp: response.BuildSuccess(nil, 0, models.ModelIdentity{}, "")}
	state := &AppState{
		Detector: d,
		Models:   fakeModels{},
		Metrics:  fakeMetrics{},
		Started:  time.Now(),
		Log:      logger.Discard(),
	}
	router := newRouter(state, routerOptions{})
	state.BeginShutdown()

	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(`{"image_path":"/tmp/a.jpg"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	if len(d.payloads) != 0 {
		t.Error("Detector must not run after shutdown began")
	}
	out := decodeEnvelope(t, rec.Body.Bytes())
	if out["error"] != MsgServiceClosing || out["error_kind"] != "inference_failure" {
		t.Errorf("Unexpected envelope %v", out)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected /health to keep serving, got %d", rec.Code)
	}
}
