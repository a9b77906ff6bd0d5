package service

import (
	"context"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/logger"

	"github.com/sirupsen/logrus"
)

type EventType string

const (
	DetectionStarted   EventType = "detection_started"
	DetectionCompleted EventType = "detection_completed"
	DetectionFailed    EventType = "detection_failed"
	ModelLoaded        EventType = "model_loaded"
	AnnotationFailed   EventType = "annotation_failed"
)

type Event struct {
	Type           EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	ImagePath      string                 `json:"image_path,omitempty"`
	Model          string                 `json:"model,omitempty"`
	Device         string                 `json:"device,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`
	Detections     int                    `json:"detections"`
	ErrorKind      string                 `json:"error_kind,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type Observer interface {
	OnEvent(ctx context.Context, event Event)
	Name() string
}

// EventPublisher fans events out to observers. Observers run synchronously
// and must not block; a panicking observer is logged and skipped.
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
	log       logrus.FieldLogger
}

func NewEventPublisher(log logrus.FieldLogger) *EventPublisher {
	return &EventPublisher{log: log}
}

func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

func (p *EventPublisher) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		p.notifyOne(ctx, obs, event)
	}
}

func (p *EventPublisher) notifyOne(ctx context.Context, obs Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"observer": obs.Name(),
				"panic":    r,
			}).Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}

// LoggingObserver writes every event to the structured log.
type LoggingObserver struct {
	log logrus.FieldLogger
}

func NewLoggingObserver(log logrus.FieldLogger) *LoggingObserver {
	return &LoggingObserver{log: log}
}

func (o *LoggingObserver) Name() string { return "logging_observer" }

func (o *LoggingObserver) OnEvent(ctx context.Context, event Event) {
	fields := logrus.Fields{
		"event_type": event.Type,
	}
	if event.ImagePath != "" {
		fields["image_path"] = event.ImagePath
	}
	if event.Model != "" {
		fields["model"] = event.Model
		fields["device"] = event.Device
	}
	if event.ProcessingTime > 0 {
		fields["processing_time"] = event.ProcessingTime
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
		fields["error_kind"] = event.ErrorKind
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := logger.FromContext(ctx, o.log).WithFields(fields)
	switch event.Type {
	case DetectionStarted:
		entry.Debug("Detection started")
	case DetectionCompleted:
		entry.WithField("detections", event.Detections).Info("Detection completed")
	case DetectionFailed:
		entry.Error("Detection failed")
	case ModelLoaded:
		entry.Info("Model loaded")
	case AnnotationFailed:
		entry.Warn("Annotated image could not be written")
	default:
		entry.Info("Detection event occurred")
	}
}

// MetricsObserver keeps request counters for the /metrics endpoint.
type MetricsObserver struct {
	mu                  sync.RWMutex
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	failuresByKind      map[string]int64
	modelsLoaded        int64
	annotationFailures  int64
	totalDetections     int64
	totalProcessingTime time.Duration
}

func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{failuresByKind: make(map[string]int64)}
}

func (o *MetricsObserver) Name() string { return "metrics_observer" }

func (o *MetricsObserver) OnEvent(_ context.Context, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.Type {
	case DetectionStarted:
		o.totalRequests++
	case DetectionCompleted:
		o.successfulRequests++
		o.totalDetections += int64(event.Detections)
		o.totalProcessingTime += event.ProcessingTime
	case DetectionFailed:
		o.failedRequests++
		o.failuresByKind[event.ErrorKind]++
	case ModelLoaded:
		o.modelsLoaded++
	case AnnotationFailed:
		o.annotationFailures++
	}
}

func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgProcessingTime := time.Duration(0)
	if o.successfulRequests > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(o.successfulRequests)
	}

	byKind := make(map[string]int64, len(o.failuresByKind))
	for k, v := range o.failuresByKind {
		byKind[k] = v
	}

	return map[string]interface{}{
		"total_requests":         o.totalRequests,
		"successful_requests":    o.successfulRequests,
		"failed_requests":        o.failedRequests,
		"failures_by_kind":       byKind,
		"models_loaded":          o.modelsLoaded,
		"annotation_failures":    o.annotationFailures,
		"total_detections":       o.totalDetections,
		"avg_processing_time_ms": avgProcessingTime.Milliseconds(),
	}
}
