package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/registry"
	"github.com/Tutortoise/object-detection-service/response"
	"github.com/Tutortoise/object-detection-service/service"

	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches on the first argument. Anything that is not a known
// sub-command is treated as a one-shot JSON request.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return usageFailure(stdout, stderr, MsgMissingRequest)
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "fetch-model":
		return runFetchModel(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
		return 0
	}

	if len(args) > 1 {
		return usageFailure(stdout, stderr, MsgTooManyArgs)
	}
	return runOnce(args[0], stdout, stderr)
}

// usageFailure still prints a well formed failure envelope on stdout so
// callers parsing the output never see anything else.
func usageFailure(stdout, stderr io.Writer, msg string) int {
	fmt.Fprint(stderr, usageText)
	writeEnvelope(stdout, response.BuildError(apperrors.InvalidRequest(msg, nil)))
	return 1
}

func writeEnvelope(w io.Writer, resp models.DetectionResponse) {
	out, err := json.Marshal(resp)
	if err != nil {
		out = []byte(`{"success":false,"processing_time":0,"error":"failed to encode response","error_kind":"inference_failure"}`)
	}
	fmt.Fprintln(w, string(out))
}

func runOnce(payload string, stdout, stderr io.Writer) int {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		writeEnvelope(stdout, response.BuildError(fmt.Errorf("configuration error: %w", err)))
		return 1
	}

	a, err := newApp(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialize detection service")
		writeEnvelope(stdout, response.BuildError(err))
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp := a.service.DetectPayload(ctx, []byte(payload))
	writeEnvelope(stdout, resp)
	if !resp.Success {
		return 1
	}
	return 0
}

func runServe(args []string, stderr io.Writer) int {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.ServerAddress(), "listen address")
	warm := fs.Bool("warm", true, "load the default model before accepting traffic")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialize detection service")
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *warm {
		go func() {
			if _, err := a.registry.Resolve(ctx, cfg.DefaultModel); err != nil {
				log.WithError(err).WithField("model", cfg.DefaultModel).Warn("Default model warm-up failed, it will be retried on first request")
			}
		}()
	}

	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.WithError(err).Error("Invalid trusted proxy list")
		return 1
	}
	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, proxies, log)
	go limiter.run(ctx.Done())

	state := &AppState{
		Detector: a.service,
		Models:   a.registry,
		Metrics:  a.metrics,
		Started:  time.Now(),
		Log:      log,
	}

	// A cold request may wait for the model load before inference starts.
	writeTimeout := cfg.ModelLoadTimeout + cfg.RequestTimeout + 10*time.Second
	if writeTimeout < 60*time.Second {
		writeTimeout = 60 * time.Second
	}
	srv := &http.Server{
		Handler:      newRouter(state, routerOptions{MaxBodySize: cfg.MaxRequestBodySize, Limiter: limiter, Proxies: proxies}),
		Addr:         *addr,
		WriteTimeout: writeTimeout,
		ReadTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":          srv.Addr,
			"default_model": cfg.DefaultModel,
			"models":        cfg.Catalog.Names(),
		}).Info("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server stopped")
			return 1
		}
	case <-ctx.Done():
		log.Info("Shutting down server")
		state.BeginShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Graceful shutdown failed")
			return 1
		}
	}
	return 0
}

func runFetchModel(args []string, stdout, stderr io.Writer) int {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("fetch-model", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", cfg.ModelsDir, "directory to store model weights in")
	all := fs.Bool("all", false, "fetch every model in the catalog")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	names := fs.Args()
	if *all {
		names = cfg.Catalog.Names()
	}
	if len(names) == 0 {
		fmt.Fprintln(stderr, "fetch-model: missing model name")
		fmt.Fprint(stderr, usageText)
		return 2
	}

	cfg.ModelsDir = *dir
	loader, err := newLoader(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to configure model fetcher")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := 0
	for _, name := range names {
		spec, ok := cfg.Catalog.Lookup(name)
		if !ok {
			log.WithField("model", name).Errorf("unknown model, known models: %v", cfg.Catalog.Names())
			status = 1
			continue
		}
		path, err := loader.EnsureArtifact(ctx, spec)
		if err != nil {
			log.WithError(err).WithField("model", name).Error("Failed to fetch model")
			status = 1
			continue
		}
		fmt.Fprintln(stdout, path)
	}
	return status
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		Development: cfg.DevMode,
	})
	return cfg, log, nil
}

type app struct {
	log      logrus.FieldLogger
	loader   *registry.OnnxLoader
	registry *registry.Registry
	metrics  *service.MetricsObserver
	service  *service.Service
}

func newLoader(cfg *config.Config, log logrus.FieldLogger) (*registry.OnnxLoader, error) {
	fetcher, err := registry.NewFetcher(cfg.AzureStorageAccount, cfg.AzureStorageKey, log)
	if err != nil {
		return nil, err
	}
	return registry.NewOnnxLoader(registry.OnnxLoaderConfig{
		RuntimeLib:       cfg.OnnxRuntimeLib,
		ModelsDir:        cfg.ModelsDir,
		Catalog:          cfg.Catalog,
		BaseURL:          cfg.ModelBaseURL,
		UseAccelerator:   cfg.UseAccelerator,
		SessionsPerModel: cfg.SessionsPerModel,
		AcquireTimeout:   cfg.SessionAcquireTimeout,
		FetchTimeout:     cfg.ModelFetchTimeout,
	}, fetcher, log), nil
}

func newApp(cfg *config.Config, log logrus.FieldLogger) (*app, error) {
	loader, err := newLoader(cfg, log)
	if err != nil {
		return nil, err
	}

	events := service.NewEventPublisher(log)
	events.Subscribe(service.NewLoggingObserver(log))
	metrics := service.NewMetricsObserver()
	events.Subscribe(metrics)

	reg := registry.New(loader, registry.Options{
		DefaultModel: cfg.DefaultModel,
		Strict:       cfg.StrictModelNames,
		OnLoad: func(id models.ModelIdentity, took time.Duration) {
			events.Notify(context.Background(), service.Event{
				Type:           service.ModelLoaded,
				Model:          id.Name,
				Device:         string(id.Device),
				ProcessingTime: took,
			})
		},
	}, log)

	svc := service.New(
		reg,
		detections.NewPipeline(log),
		response.NewAnnotator(0),
		events,
		service.Options{RequestTimeout: cfg.RequestTimeout, LoadTimeout: cfg.ModelLoadTimeout},
		log,
	)

	return &app{
		log:      log,
		loader:   loader,
		registry: reg,
		metrics:  metrics,
		service:  svc,
	}, nil
}

func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to release models")
	}
	if err := a.loader.Shutdown(); err != nil {
		a.log.WithError(err).Warn("Failed to shut down onnxruntime")
	}
}
