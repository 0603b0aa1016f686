// Package metrics provides Prometheus metrics for the trustrep service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Submission pipeline
	submissionsStarted   *prometheus.CounterVec
	submissionsCompleted *prometheus.CounterVec
	submissionsFailed    *prometheus.CounterVec
	submissionsResumed   prometheus.Counter
	submissionsInFlight  prometheus.Gauge
	stageDuration        *prometheus.HistogramVec

	// Transcoding
	transcodeDuration prometheus.Histogram
	transcodeEncoder  *prometheus.CounterVec
	transcodeFailures *prometheus.CounterVec

	// Motion analysis
	framesProcessed  prometheus.Counter
	framesNoPose     prometheus.Counter
	repsCounted      prometheus.Counter
	analysisDuration *prometheus.HistogramVec
	poseLatency      prometheus.Histogram
	poseWorkerStarts prometheus.Counter

	// Scoring
	qualityScores       prometheus.Histogram
	reputationComputed  prometheus.Counter
	reputationScores    prometheus.Histogram
	reputationErrors    prometheus.Counter
	rankedAthletes      prometheus.Gauge
	eventsPublished     prometheus.Counter
	eventsPublishErrors prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueUtilization        prometheus.Gauge
	queueEnqueued           prometheus.Counter
	queueDequeued           prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	workerCount             prometheus.Gauge
	workerBusy              prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Repository
	repositoryLatency *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec
	errorsByType      *prometheus.CounterVec
	errorsByEndpoint  *prometheus.CounterVec
	errorLatency      *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "trustrep",
		subsystem:        "",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: buckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	unitBuckets := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}
	scoreBuckets := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	m.submissionsStarted = m.counterVec("submissions_started_total", "Submissions accepted by the orchestrator", "kind")
	m.submissionsCompleted = m.counterVec("submissions_completed_total", "Submissions that reached Complete", "kind")
	m.submissionsFailed = m.counterVec("submissions_failed_total", "Submissions that failed, by failing stage", "stage")
	m.submissionsResumed = m.counter("submissions_resumed_total", "Manual resumes of failed submissions")
	m.submissionsInFlight = m.gauge("submissions_in_flight", "Submissions currently running")
	m.stageDuration = m.histogramVec("stage_duration_milliseconds", "Duration of each submission stage", m.histogramBuckets, "stage")

	m.transcodeDuration = m.histogram("transcode_duration_milliseconds", "Wall time of a transcode", m.histogramBuckets)
	m.transcodeEncoder = m.counterVec("transcode_encoder_total", "Encoder selected for a transcode", "encoder")
	m.transcodeFailures = m.counterVec("transcode_failures_total", "Transcode failures by reason", "reason")

	m.framesProcessed = m.counter("frames_processed_total", "Joint frames fed to the repetition machine")
	m.framesNoPose = m.counter("frames_no_pose_total", "Frames without a usable pose")
	m.repsCounted = m.counter("reps_counted_total", "Repetitions counted across all analyses")
	m.analysisDuration = m.histogramVec("analysis_duration_milliseconds", "Wall time of an analysis pass", m.histogramBuckets, "kind")
	m.poseLatency = m.histogram("pose_latency_milliseconds", "Pose worker round trip per frame", []float64{1, 2, 5, 10, 20, 50, 100, 250, 500})
	m.poseWorkerStarts = m.counter("pose_worker_starts_total", "Pose worker process launches")

	m.qualityScores = m.histogram("quality_score", "Quality scores of analysed video assets", unitBuckets)
	m.reputationComputed = m.counter("reputation_recalculations_total", "Reputation recalculations")
	m.reputationScores = m.histogram("reputation_score", "Reputation scores produced by recalculation", scoreBuckets)
	m.reputationErrors = m.counter("reputation_errors_total", "Failed reputation recalculations")
	m.rankedAthletes = m.gauge("ranked_athletes", "Athletes in the reputation ranking")
	m.eventsPublished = m.counter("stage_events_published_total", "Stage events published to the broker")
	m.eventsPublishErrors = m.counter("stage_events_publish_errors_total", "Stage events the broker rejected")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", m.histogramBuckets, "endpoint", "method", "status_code")

	m.queueSize = m.gauge("queue_size", "Submission jobs waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum submission jobs the queue accepts")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Jobs enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Jobs rejected by the queue")
	m.workerCount = m.gauge("worker_count", "Workers in the submission pool")
	m.workerBusy = m.gauge("worker_busy", "Workers currently running a submission")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Job wall time inside a worker", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Jobs that ended in an error")

	m.repositoryLatency = m.histogramVec("repository_latency_milliseconds", "Repository operation latency", []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000}, "op")

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
	m.errorsByType = m.counterVec("errors_by_type_total", "Errors by type and severity", "error_type", "severity")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total", "HTTP errors by endpoint", "endpoint", "method", "error_type")
	m.errorLatency = m.histogramVec("error_latency_milliseconds", "Latency of operations that failed", m.histogramBuckets, "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "Average GC pause time", []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100})
}

// Submission pipeline.

// RecordSubmissionStarted counts a new submission of kind.
func RecordSubmissionStarted(kind string) { globalManager.submissionsStarted.WithLabelValues(kind).Inc() }

// RecordSubmissionCompleted counts a submission reaching Complete.
func RecordSubmissionCompleted(kind string) {
	globalManager.submissionsCompleted.WithLabelValues(kind).Inc()
}

// RecordSubmissionFailed counts a submission failing at stage.
func RecordSubmissionFailed(stage string) {
	globalManager.submissionsFailed.WithLabelValues(stage).Inc()
}

// RecordSubmissionResumed counts a manual resume.
func RecordSubmissionResumed() { globalManager.submissionsResumed.Inc() }

// AddSubmissionsInFlight moves the in-flight gauge by delta.
func AddSubmissionsInFlight(delta int) { globalManager.submissionsInFlight.Add(float64(delta)) }

// RecordStageDuration records how long a stage ran.
func RecordStageDuration(stage string, latencyMs float64) {
	globalManager.stageDuration.WithLabelValues(stage).Observe(latencyMs)
}

// Transcoding.

// RecordTranscodeDuration records the wall time of a successful transcode.
func RecordTranscodeDuration(latencyMs float64) { globalManager.transcodeDuration.Observe(latencyMs) }

// RecordTranscodeEncoder counts the encoder chosen for a transcode.
func RecordTranscodeEncoder(encoder string) {
	globalManager.transcodeEncoder.WithLabelValues(encoder).Inc()
}

// RecordTranscodeFailure counts a transcode failure.
func RecordTranscodeFailure(reason string) {
	globalManager.transcodeFailures.WithLabelValues(reason).Inc()
}

// Motion analysis.

// RecordFrameProcessed counts one frame; noPose marks frames without a usable pose.
func RecordFrameProcessed(noPose bool) {
	globalManager.framesProcessed.Inc()
	if noPose {
		globalManager.framesNoPose.Inc()
	}
}

// RecordRepCounted counts one repetition.
func RecordRepCounted() { globalManager.repsCounted.Inc() }

// RecordAnalysisDuration records the wall time of an analysis pass.
func RecordAnalysisDuration(kind string, latencyMs float64) {
	globalManager.analysisDuration.WithLabelValues(kind).Observe(latencyMs)
}

// RecordPoseLatency records one pose worker round trip.
func RecordPoseLatency(latencyMs float64) { globalManager.poseLatency.Observe(latencyMs) }

// RecordPoseWorkerStart counts a pose worker launch.
func RecordPoseWorkerStart() { globalManager.poseWorkerStarts.Inc() }

// Scoring.

// RecordQualityScore observes a quality score in [0,1].
func RecordQualityScore(q float64) { globalManager.qualityScores.Observe(q) }

// RecordReputation observes a recalculated reputation score.
func RecordReputation(score int) {
	globalManager.reputationComputed.Inc()
	globalManager.reputationScores.Observe(float64(score))
}

// RecordReputationError counts a failed recalculation.
func RecordReputationError() { globalManager.reputationErrors.Inc() }

// UpdateRankedAthletes sets the ranking size.
func UpdateRankedAthletes(count int) { globalManager.rankedAthletes.Set(float64(count)) }

// RecordEventPublished counts a published stage event; failed marks broker errors.
func RecordEventPublished(failed bool) {
	if failed {
		globalManager.eventsPublishErrors.Inc()
		return
	}
	globalManager.eventsPublished.Inc()
}

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Queue and workers.

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueSize sets the queue size and derived utilization.
func UpdateQueueSize(size, capacity int) {
	globalManager.queueSize.Set(float64(size))
	if capacity > 0 {
		globalManager.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// UpdateWorkerCount sets the pool size.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// AddWorkerBusy moves the busy worker gauge by delta.
func AddWorkerBusy(delta int) { globalManager.workerBusy.Add(float64(delta)) }

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// Repository.

// RecordRepositoryLatency records latency of a repository operation.
func RecordRepositoryLatency(op string, latencyMs float64) {
	globalManager.repositoryLatency.WithLabelValues(op).Observe(latencyMs)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorsByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records the latency of an operation that resulted in an error.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
