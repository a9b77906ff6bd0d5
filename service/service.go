package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/registry"
	"github.com/Tutortoise/object-detection-service/response"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resolver hands out loaded models by name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*registry.Handle, error)
}

type Options struct {
	// RequestTimeout bounds inference and annotation once the model is
	// ready. Zero means no limit beyond the caller's context.
	RequestTimeout time.Duration
	// LoadTimeout bounds the wait for a model that is not loaded yet. It is
	// separate so a slow first fetch does not count against RequestTimeout.
	LoadTimeout time.Duration
}

// Service is the response boundary: whatever happens below it, callers get a
// well formed DetectionResponse.
type Service struct {
	models    Resolver
	pipeline  *detections.Pipeline
	annotator *response.Annotator
	events    *EventPublisher
	validate  *validator.Validate
	opts      Options
	log       logrus.FieldLogger
}

func New(resolver Resolver, pipeline *detections.Pipeline, annotator *response.Annotator, events *EventPublisher, opts Options, log logrus.FieldLogger) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if events == nil {
		events = NewEventPublisher(log)
	}
	return &Service{
		models:    resolver,
		pipeline:  pipeline,
		annotator: annotator,
		events:    events,
		validate:  v,
		opts:      opts,
		log:       log,
	}
}

// ParseRequest decodes and validates a JSON payload without touching any model.
func (s *Service) ParseRequest(payload []byte) (models.DetectionRequest, error) {
	var req models.DetectionRequest
	if len(strings.TrimSpace(string(payload))) == 0 {
		return req, apperrors.InvalidRequest("empty request payload", nil)
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, apperrors.InvalidRequest("malformed request payload", err)
	}
	if err := s.Validate(req); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Service) Validate(req models.DetectionRequest) error {
	if strings.TrimSpace(req.ImagePath) == "" {
		return apperrors.InvalidRequest("image_path is required", nil)
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return apperrors.InvalidRequest(strings.Join(msgs, "; "), nil)
		}
		return apperrors.InvalidRequest("invalid request", err)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte", "lte":
		return fmt.Sprintf("%s must be within [0, 1], got %v", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// DetectPayload parses a raw JSON request and runs it.
func (s *Service) DetectPayload(ctx context.Context, payload []byte) models.DetectionResponse {
	req, err := s.ParseRequest(payload)
	if err != nil {
		s.events.Notify(ctx, Event{Type: DetectionStarted})
		return s.fail(ctx, req, err)
	}
	return s.Detect(ctx, req)
}

// Detect runs one request and always returns an envelope. Panics anywhere
// below are reported as inference failures.
func (s *Service) Detect(ctx context.Context, req models.DetectionRequest) (resp models.DetectionResponse) {
	s.events.Notify(ctx, Event{Type: DetectionStarted, ImagePath: req.ImagePath, Model: req.ModelName})

	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx, s.log).WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic during detection")
			resp = s.fail(ctx, req, apperrors.InferenceFailure("internal error during detection", fmt.Errorf("%v", r)))
		}
	}()

	if err := s.Validate(req); err != nil {
		return s.fail(ctx, req, err)
	}

	// Missing images fail before any model is loaded.
	if info, err := os.Stat(req.ImagePath); err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = fmt.Errorf("not a regular file")
		}
		return s.fail(ctx, req, apperrors.ImageNotFound(req.ImagePath, err))
	}

	handle, err := s.resolve(ctx, req.ModelName)
	if err != nil {
		return s.fail(ctx, req, err)
	}
	id := handle.Identity()

	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	result, err := s.pipeline.Run(ctx, handle.Model, req)
	if err != nil {
		return s.fail(ctx, req, err)
	}

	var annotated string
	if req.SaveAnnotated && s.annotator != nil {
		path, err := s.annotator.Annotate(result.Image, req.ImagePath, result.Detections, handle.Labels())
		if err != nil {
			s.events.Notify(ctx, Event{
				Type:         AnnotationFailed,
				ImagePath:    req.ImagePath,
				Model:        id.Name,
				Device:       string(id.Device),
				ErrorKind:    string(apperrors.KindOf(err)),
				ErrorMessage: err.Error(),
			})
		} else {
			annotated = path
		}
	}

	meta := map[string]interface{}{
		"conf_threshold": req.Confidence(),
		"iou_threshold":  req.IoU(),
	}
	if annotated != "" {
		meta["annotated_image_path"] = annotated
	}

	resp = response.BuildSuccess(result.Detections, result.Elapsed, id, annotated)
	s.events.Notify(ctx, Event{
		Type:           DetectionCompleted,
		ImagePath:      req.ImagePath,
		Model:          id.Name,
		Device:         string(id.Device),
		ProcessingTime: result.Elapsed,
		Detections:     len(result.Detections),
		Metadata:       meta,
	})
	return resp
}

func (s *Service) resolve(ctx context.Context, name string) (*registry.Handle, error) {
	if s.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LoadTimeout)
		defer cancel()
	}
	return s.models.Resolve(ctx, name)
}

func (s *Service) fail(ctx context.Context, req models.DetectionRequest, err error) models.DetectionResponse {
	resp := response.BuildError(err)
	s.events.Notify(ctx, Event{
		Type:         DetectionFailed,
		ImagePath:    req.ImagePath,
		Model:        req.ModelName,
		ErrorKind:    resp.ErrorKind,
		ErrorMessage: resp.Error,
	})
	return resp
}
