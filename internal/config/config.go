// Package config defines service configuration and its loading layers.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the submission job queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of concurrent pipelines.
	WorkerCount int `koanf:"worker_count"`
	// InflightSize caps the in-flight guard; 0 means unbounded.
	InflightSize int `koanf:"inflight_size"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`
	// MaxUploadBytes caps the multipart body of POST /submissions.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
	// WorkDir holds uploads and transcoded files until a submission completes.
	WorkDir string `koanf:"work_dir"`

	DBBackend string `koanf:"db_backend"`
	DBDSN     string `koanf:"db_dsn"`

	StorageBackend     string `koanf:"storage_backend"`
	StorageRoot        string `koanf:"storage_root"`
	StoragePublicURL   string `koanf:"storage_public_url"`
	GCSBucket          string `koanf:"gcs_bucket"`
	GCSCredentialsFile string `koanf:"gcs_credentials_file"`
	GCSAccessToken     string `koanf:"gcs_access_token"`

	// RegistryURL is the base URL of the registration service.
	RegistryURL     string        `koanf:"registry_url"`
	RegistryTimeout time.Duration `koanf:"registry_timeout"`

	// PoseWorkerCmd is the executable speaking the length-prefixed msgpack protocol.
	PoseWorkerCmd     string   `koanf:"pose_worker_cmd"`
	PoseWorkerArgs    []string `koanf:"pose_worker_args"`
	PoseMinVisibility float64  `koanf:"pose_min_visibility"`

	AnalysisFPS       int `koanf:"analysis_fps"`
	AnalysisMaxHeight int `koanf:"analysis_max_height"`

	TranscodeEncoders  []string `koanf:"transcode_encoders"`
	TranscodeBitrate   int      `koanf:"transcode_bitrate"`
	TranscodeMaxHeight int      `koanf:"transcode_max_height"`
	TranscodeFPS       int      `koanf:"transcode_fps"`

	// MediaStallTimeout fails a media pipeline that stops advancing; zero disables it.
	MediaStallTimeout time.Duration `koanf:"media_stall_timeout"`

	// StreakCountsPending lets pending assets extend the monthly streak.
	StreakCountsPending bool `koanf:"streak_counts_pending"`
	// ReputationSweepSchedule is a cron spec; empty disables the sweep.
	ReputationSweepSchedule string `koanf:"reputation_sweep_schedule"`

	// MQTTBroker enables stage event publishing when set.
	MQTTBroker      string `koanf:"mqtt_broker"`
	MQTTClientID    string `koanf:"mqtt_client_id"`
	MQTTTopicPrefix string `koanf:"mqtt_topic_prefix"`

	// GeminiAPIKey enables the human-confidence verifier when set.
	GeminiAPIKey string `koanf:"gemini_api_key"`
	GeminiModel  string `koanf:"gemini_model"`
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		LogFormat:               "text",
		Addr:                    ":9080",
		QueueSize:               1024,
		WorkerCount:             runtime.NumCPU(),
		InflightSize:            4096,
		MaxLeaderboardLimit:     100,
		MaxUploadBytes:          512 << 20,
		WorkDir:                 "data/work",
		DBBackend:               "sqlite",
		DBDSN:                   "file:data/trustrep.db?_pragma=busy_timeout(5000)",
		StorageBackend:          "filesystem",
		StorageRoot:             "data/media",
		StoragePublicURL:        "/media",
		RegistryTimeout:         15 * time.Second,
		PoseMinVisibility:       0.5,
		AnalysisFPS:             15,
		AnalysisMaxHeight:       480,
		TranscodeEncoders:       []string{"vp9enc", "vp8enc"},
		TranscodeBitrate:        1_500_000,
		TranscodeMaxHeight:      720,
		TranscodeFPS:            30,
		MediaStallTimeout:       30 * time.Second,
		ReputationSweepSchedule: "@hourly",
		MQTTTopicPrefix:         "trustrep",
		GeminiModel:             "gemini-2.5-flash",
	}
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Addr == "" {
		add("addr must not be empty")
	}
	if c.QueueSize <= 0 {
		add("queue_size must be positive")
	}
	if c.WorkerCount <= 0 {
		add("worker_count must be positive")
	}
	if c.InflightSize < 0 {
		add("inflight_size must not be negative")
	}
	if c.MaxLeaderboardLimit <= 0 {
		add("max_leaderboard_limit must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		add("max_upload_bytes must be positive")
	}
	if c.WorkDir == "" {
		add("work_dir must not be empty")
	}
	switch strings.ToLower(c.DBBackend) {
	case "memory", "sqlite", "postgres", "postgresql", "mysql":
	default:
		add("db_backend %q is not one of memory, sqlite, postgres, mysql", c.DBBackend)
	}
	if c.DBBackend != "memory" && c.DBDSN == "" {
		add("db_dsn must be set for backend %q", c.DBBackend)
	}
	switch strings.ToLower(c.StorageBackend) {
	case "filesystem":
		if c.StorageRoot == "" {
			add("storage_root must be set for the filesystem backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			add("gcs_bucket must be set for the gcs backend")
		}
	default:
		add("storage_backend %q is not one of filesystem, gcs", c.StorageBackend)
	}
	if c.RegistryTimeout <= 0 {
		add("registry_timeout must be positive")
	}
	if c.PoseMinVisibility < 0 || c.PoseMinVisibility > 1 {
		add("pose_min_visibility must be within [0,1]")
	}
	if c.AnalysisFPS <= 0 || c.TranscodeFPS <= 0 {
		add("analysis_fps and transcode_fps must be positive")
	}
	if c.MediaStallTimeout < 0 {
		add("media_stall_timeout must not be negative")
	}
	if c.ReputationSweepSchedule != "" {
		if _, err := cron.ParseStandard(c.ReputationSweepSchedule); err != nil {
			add("reputation_sweep_schedule: %v", err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
