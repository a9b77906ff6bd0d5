package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MODELS_DIR", t.TempDir())
	t.Setenv("MODEL_BASE_URL", "")
	t.Setenv("MODEL_CATALOG", "")
	t.Setenv("DEFAULT_MODEL", "yolov5s")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("LOG_FILE", "")
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no arguments", nil, MsgMissingRequest},
		{"split payload", []string{`{"image_path":`, `"/a.jpg"}`}, MsgTooManyArgs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != 1 {
				t.Errorf("Expected exit 1, got %d", code)
			}
			out := decodeEnvelope(t, stdout.Bytes())
			if out["success"] != false || out["error_kind"] != "invalid_request" {
				t.Errorf("Expected invalid_request envelope, got %v", out)
			}
			if !strings.Contains(out["error"].(string), tt.want) {
				t.Errorf("Expected error %q, got %v", tt.want, out["error"])
			}
			if !strings.Contains(stderr.String(), "usage:") {
				t.Error("Expected usage text on stderr")
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--help"}, &stdout, &stderr); code != 0 {
		t.Errorf("Expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "detection-server serve") {
		t.Errorf("Expected usage text, got %q", stdout.String())
	}
}

func TestRunOnce_Failures(t *testing.T) {
	isolateEnv(t)
	missing := filepath.Join(t.TempDir(), "missing.jpg")

	tests := []struct {
		name     string
		payload  string
		wantKind string
		contains string
	}{
		{"missing image", `{"image_path":"` + missing + `"}`, "image_not_found", missing},
		{"malformed json", `{"image_path":`, "invalid_request", "malformed"},
		{"threshold out of range", `{"image_path":"` + missing + `","confidence_threshold":1.5}`, "invalid_request", "confidence_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run([]string{tt.payload}, &stdout, &stderr); code != 1 {
				t.Errorf("Expected exit 1, got %d", code)
			}
			out := decodeEnvelope(t, stdout.Bytes())
			if out["success"] != false || out["error_kind"] != tt.wantKind {
				t.Errorf("Expected %s, got %v", tt.wantKind, out)
			}
			if !strings.Contains(out["error"].(string), tt.contains) {
				t.Errorf("Expected error to mention %q, got %v", tt.contains, out["error"])
			}
			if _, ok := out["detections"]; ok {
				t.Error("Failure envelope must not carry detections")
			}
		})
	}
}

func TestRunFetchModel_Errors(t *testing.T) {
	isolateEnv(t)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"fetch-model"}, &stdout, &stderr); code != 2 {
		t.Errorf("Expected exit 2 without a model name, got %d", code)
	}

	stdout.Reset()
	if code := run([]string{"fetch-model", "yolov5s"}, &stdout, &stderr); code != 1 {
		t.Errorf("Expected exit 1 with no weights and no source, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("Expected nothing on stdout, got %q", stdout.String())
	}
}
