package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/okian/trustrep/internal/adapters/http/api"
	"github.com/okian/trustrep/internal/adapters/http/site"
	"github.com/okian/trustrep/internal/adapters/http/swagger"
	"github.com/okian/trustrep/internal/adapters/media"
	"github.com/okian/trustrep/internal/adapters/mq/publisher"
	"github.com/okian/trustrep/internal/adapters/objectstore"
	"github.com/okian/trustrep/internal/adapters/pose"
	"github.com/okian/trustrep/internal/adapters/registry"
	"github.com/okian/trustrep/internal/adapters/repository"
	"github.com/okian/trustrep/internal/adapters/verifier"
	app "github.com/okian/trustrep/internal/app"
	"github.com/okian/trustrep/internal/config"
	"github.com/okian/trustrep/internal/domain/analysis"
	"github.com/okian/trustrep/internal/domain/repetition"
	"github.com/okian/trustrep/internal/domain/scoring"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTP server timeout constants. Uploads stream through the read side, so
// reads are allowed far longer than the usual API call.
const (
	readTimeout               = 15 * time.Minute
	writeTimeout              = 2 * time.Minute
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	probeTimeout              = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := logger.Init(); err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "trustrep exited", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load configuration (defaults -> .env -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return err
	}
	log := logger.Get()
	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if err := a.svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, a.svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = a.svc.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := a.svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "service shutdown failed", logger.Error(err))
	}

	log.Info(ctx, "server stopped")
	return nil
}

// application holds the wired process.
type application struct {
	store   repository.Store
	svc     *app.Service
	handler http.Handler
	closers []func() error
}

func (a *application) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Get().Warn(ctx, "close failed", logger.Error(err))
		}
	}
}

// build wires every adapter from cfg. Nothing is started.
func build(ctx context.Context, cfg *config.Config) (_ *application, err error) {
	a := &application{}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	backend, err := repository.ParseBackend(cfg.DBBackend)
	if err != nil {
		return nil, err
	}
	store, err := repository.Open(ctx, backend, cfg.DBDSN, repository.WithAutoMigrate(true))
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	objects, err := objectstore.New(ctx, objectstore.Config{
		Backend:         objectstore.Backend(cfg.StorageBackend),
		Root:            cfg.StorageRoot,
		PublicURL:       cfg.StoragePublicURL,
		Bucket:          cfg.GCSBucket,
		CredentialsFile: cfg.GCSCredentialsFile,
		AccessToken:     cfg.GCSAccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	estimator, err := pose.NewEstimator(cfg.PoseWorkerCmd, pose.WithArgs(cfg.PoseWorkerArgs...))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, estimator.Close)

	videoOpts := []analysis.Option{
		analysis.WithMachineOptions(repetition.WithMinVisibility(cfg.PoseMinVisibility)),
	}
	if cfg.GeminiAPIKey != "" {
		v, err := verifier.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		videoOpts = append(videoOpts, analysis.WithHumanVerifier(v))
	}
	frames := media.NewFrameDecoder(
		media.WithAnalysisFPS(cfg.AnalysisFPS),
		media.WithAnalysisMaxHeight(cfg.AnalysisMaxHeight),
		media.WithDecoderStallTimeout(cfg.MediaStallTimeout),
	)
	analyzer := analysis.NewDispatcher(
		analysis.NewVideoAnalyzer(frames, estimator, videoOpts...),
		analysis.NewAudioAnalyzer(media.NewProber(probeTimeout)),
	)

	reg, err := registry.New(cfg.RegistryURL, registry.WithTimeout(cfg.RegistryTimeout))
	if err != nil {
		return nil, err
	}

	ranks := repository.NewRankIndex()
	agg := scoring.NewAggregator(store, store,
		scoring.WithCountPendingInStreak(cfg.StreakCountsPending),
		scoring.WithRankIndex(ranks),
	)

	orchOpts := []submission.Option{
		submission.WithReputation(agg),
		submission.WithWorkDir(filepath.Join(cfg.WorkDir, "transcoded")),
	}
	if cfg.MQTTBroker != "" {
		pub, err := publisher.Connect(ctx, publisher.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pub.Close(); return nil })
		orchOpts = append(orchOpts, submission.WithPublisher(pub))
	}

	orch, err := submission.New(submission.Deps{
		Transcoder: media.NewTranscoder(
			media.WithEncoders(cfg.TranscodeEncoders...),
			media.WithBitrate(cfg.TranscodeBitrate),
			media.WithMaxHeight(cfg.TranscodeMaxHeight),
			media.WithFPS(cfg.TranscodeFPS),
			media.WithStallTimeout(cfg.MediaStallTimeout),
		),
		Objects:     objects,
		Assets:      store,
		Profiles:    store,
		Checkpoints: store,
		Analyzer:    analyzer,
		Registrar:   reg,
	}, orchOpts...)
	if err != nil {
		return nil, err
	}

	svc, err := app.New(app.Deps{
		Orchestrator: orch,
		Store:        store,
		Reputation:   agg,
		Ranking:      ranks,
	},
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithInflightSize(cfg.InflightSize),
		app.WithUploadDir(filepath.Join(cfg.WorkDir, "uploads")),
		app.WithSweepSchedule(cfg.ReputationSweepSchedule),
	)
	if err != nil {
		return nil, err
	}
	a.svc = svc

	apiOpts := []api.Option{
		api.WithMaxLeaderboardLimit(cfg.MaxLeaderboardLimit),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
	}
	if fsStore, ok := objects.(*objectstore.Filesystem); ok && strings.HasPrefix(cfg.StoragePublicURL, "/") {
		prefix := strings.TrimRight(cfg.StoragePublicURL, "/")
		apiOpts = append(apiOpts, api.WithMedia(prefix, fsStore.Handler(prefix)))
	}

	mux := http.NewServeMux()
	swagger.Register(mux)
	site.Register(mux)
	api.NewServer(svc, apiOpts...).Register(mux)
	a.handler = mux
	return a, nil
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater starts a background goroutine that updates service metrics.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics copies service gauges into the metrics registry.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()

	if ranked, ok := stats["rankedAthletes"].(int); ok {
		metrics.UpdateRankedAthletes(ranked)
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
	queueLen, okLen := stats["queueLength"].(int)
	queueCap, okCap := stats["queueSize"].(int)
	if okLen && okCap {
		metrics.UpdateQueueSize(queueLen, queueCap)
	}
}
