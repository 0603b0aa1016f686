package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with custom options", func() {
			m := NewManager(
				WithPrometheusRegistry(registry),
				WithNamespace("test"),
				WithSubsystem("pipeline"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithConstLabels(map[string]string{"env": "test"}),
			)

			Convey("Then collectors are registered under the namespace", func() {
				m.submissionsStarted.WithLabelValues("video").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)

				names := map[string]bool{}
				for _, f := range families {
					names[f.GetName()] = true
				}
				So(names["test_pipeline_submissions_started_total"], ShouldBeTrue)
				So(testutil.ToFloat64(m.submissionsStarted.WithLabelValues("video")), ShouldEqual, 1)
			})
		})

		Convey("When creating two managers on the same registry", func() {
			NewManager(WithPrometheusRegistry(registry))

			Convey("Then the second registration panics", func() {
				So(func() { NewManager(WithPrometheusRegistry(registry)) }, ShouldPanic)
			})
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording submission lifecycle metrics", func() {
			before := testutil.ToFloat64(globalManager.submissionsFailed.WithLabelValues("Analyzing"))
			RecordSubmissionStarted("video")
			RecordSubmissionFailed("Analyzing")
			RecordSubmissionResumed()
			RecordStageDuration("Uploading", 12)
			AddSubmissionsInFlight(1)
			AddSubmissionsInFlight(-1)

			Convey("Then the failure counter moves by one", func() {
				So(testutil.ToFloat64(globalManager.submissionsFailed.WithLabelValues("Analyzing")), ShouldEqual, before+1)
			})
		})

		Convey("When recording frames", func() {
			processed := testutil.ToFloat64(globalManager.framesProcessed)
			noPose := testutil.ToFloat64(globalManager.framesNoPose)
			RecordFrameProcessed(false)
			RecordFrameProcessed(true)

			Convey("Then only no-pose frames move the no-pose counter", func() {
				So(testutil.ToFloat64(globalManager.framesProcessed), ShouldEqual, processed+2)
				So(testutil.ToFloat64(globalManager.framesNoPose), ShouldEqual, noPose+1)
			})
		})

		Convey("When updating the queue size", func() {
			UpdateQueueCapacity(10)
			UpdateQueueSize(5, 10)

			Convey("Then utilization is derived from capacity", func() {
				So(testutil.ToFloat64(globalManager.queueUtilization), ShouldEqual, 0.5)
			})
		})

		Convey("When recording the remaining collectors", func() {
			So(func() {
				RecordSubmissionCompleted("audio")
				RecordTranscodeDuration(1000)
				RecordTranscodeEncoder("vp9enc")
				RecordTranscodeFailure("encoder_unavailable")
				RecordRepCounted()
				RecordAnalysisDuration("video", 200)
				RecordPoseLatency(4)
				RecordPoseWorkerStart()
				RecordQualityScore(0.7)
				RecordReputation(42)
				RecordReputationError()
				UpdateRankedAthletes(3)
				RecordEventPublished(false)
				RecordEventPublished(true)
				RecordHTTPRequest("leaderboard", "GET", "200")
				RecordHTTPRequestDuration("leaderboard", "GET", "200", 3)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError()
				UpdateWorkerCount(4)
				AddWorkerBusy(1)
				AddWorkerBusy(-1)
				RecordWorkerProcessingLatency(10)
				RecordWorkerError()
				RecordRepositoryLatency("get_asset", 1)
				RecordErrorByComponent("worker", "stage_failed")
				RecordErrorByType("client_error", "medium")
				RecordErrorByEndpoint("submissions", "POST", "client_error")
				RecordErrorLatency("http", "client_error", 2)
				UpdateSystemMemoryUsage(1024)
				UpdateSystemGoroutineCount(10)
				RecordSystemGCPauseTime(0.3)
			}, ShouldNotPanic)
		})

		Convey("Then the custom registry is exposed", func() {
			So(GetRegistry(), ShouldNotBeNil)
		})
	})
}
