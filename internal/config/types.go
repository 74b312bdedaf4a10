package config

// Config is the on-disk configuration. JSON and YAML files share the same
// keys; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Queues  QueuesConfig  `json:"queues"`
	Export  ExportConfig  `json:"export"`
	Trigger TriggerConfig `json:"trigger"`
	Ops     OpsConfig     `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/testjobs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite | postgres | mysql
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpen     int    `json:"max_open,omitempty"`
}

type QueuesConfig struct {
	TestRun      QueueConfig `json:"test_run"`
	Export       QueueConfig `json:"export"`
	ScheduledRun QueueConfig `json:"scheduled_run"`
}

// QueueConfig tunes one queue. Zero values take the queue defaults:
// 5 workers, 10 jobs/s, 3 retries from 500ms up to 15s.
type QueueConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"` // < 0 disables limiting
	Burst         int     `json:"burst,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"` // < 0 disables retries
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	Timeout       string  `json:"timeout,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
}

type ExportConfig struct {
	Dir string `json:"dir"`
}

type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Batch    int    `json:"batch,omitempty"`
}

// OpsConfig controls the ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - A non-loopback address needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Default is used when no config file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", DSN: "./data/testjobs.db"},
		Queues: QueuesConfig{
			TestRun:      QueueConfig{Timeout: "1m"},
			Export:       QueueConfig{Timeout: "2m"},
			ScheduledRun: QueueConfig{Timeout: "2m"},
		},
		Export:  ExportConfig{Dir: "./exports"},
		Trigger: TriggerConfig{Enabled: true, Spec: "@every 30s"},
	}
}
