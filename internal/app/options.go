package service

import (
	"runtime"

	"github.com/okian/trustrep/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of concurrent pipelines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of queued submission jobs.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithInflightSize caps the in-flight guard. Zero means unbounded.
func WithInflightSize(size int) Option {
	return func(s *Service) {
		if size >= 0 {
			s.inflightSize = size
		}
	}
}

// WithUploadDir sets where uploaded files are staged until their
// submission completes or is abandoned.
func WithUploadDir(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.uploadDir = dir
		}
	}
}

// WithSweepSchedule sets the cron spec of the reputation sweep. An empty
// spec disables it.
func WithSweepSchedule(spec string) Option {
	return func(s *Service) {
		s.sweepSchedule = spec
	}
}

// WithRecoverInterrupted re-queues submissions that were mid-pipeline when
// the process last stopped.
func WithRecoverInterrupted(enabled bool) Option {
	return func(s *Service) {
		s.recoverInterrupted = enabled
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func defaultWorkerCount() int { return runtime.NumCPU() }
