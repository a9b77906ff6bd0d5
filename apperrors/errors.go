package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories a detection request can end in.
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindImageNotFound          Kind = "image_not_found"
	KindModelLoadFailure       Kind = "model_load_failure"
	KindInferenceFailure       Kind = "inference_failure"
	KindAnnotationWriteFailure Kind = "annotation_write_failure"
	KindTimeout                Kind = "timeout"
)

// Error is a categorised failure. Message is what callers see in the response
// envelope; Cause keeps the underlying error for logs and errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func InvalidRequest(message string, cause error) *Error {
	return newError(KindInvalidRequest, message, cause)
}

func ImageNotFound(path string, cause error) *Error {
	return newError(KindImageNotFound, fmt.Sprintf("image file not found: %s", path), cause)
}

func ModelLoadFailure(model string, cause error) *Error {
	return newError(KindModelLoadFailure, fmt.Sprintf("failed to load model %s", model), cause)
}

func InferenceFailure(message string, cause error) *Error {
	return newError(KindInferenceFailure, message, cause)
}

func AnnotationWriteFailure(path string, cause error) *Error {
	return newError(KindAnnotationWriteFailure, fmt.Sprintf("failed to write annotated image %s", path), cause)
}

func Timeout(message string, cause error) *Error {
	return newError(KindTimeout, message, cause)
}

// KindOf reports the kind of err. Errors outside the taxonomy are treated as
// inference failures since they can only come from the runtime.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInferenceFailure
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// StatusCode maps a kind to the HTTP status the gateway answers with.
func StatusCode(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindImageNotFound:
		return http.StatusNotFound
	case KindModelLoadFailure:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAnnotationWriteFailure, KindInferenceFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
