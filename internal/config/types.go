package config

// Config is the root of the service configuration. The file may be JSON or
// YAML; YAML is coerced to JSON before strict decoding, so unknown keys are
// rejected uniformly in both formats.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Publisher PublisherConfig `json:"publisher"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Repair    RepairConfig    `json:"repair,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Report    *ReportConfig   `json:"report,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"` // debug|info|warn|error
	Console bool   `json:"console"`
	File    string `json:"file,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the publication poll loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - stale_after: "30m"
//   - cleanup_uploads: false
type SchedulerConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`
	StaleAfter     string `json:"stale_after,omitempty"`
	CleanupUploads bool   `json:"cleanup_uploads,omitempty"`
}

// PublisherConfig points at the external upload helper process.
type PublisherConfig struct {
	Command []string `json:"command"`
	Timeout string   `json:"timeout,omitempty"` // default "15m"
}

// RepairConfig controls credential repair. Command is the external login
// helper (browser automation); if empty, repairs fail with session
// unavailable. Repairs are never cancelled mid-flight; StopTimeout bounds how
// long shutdown waits for them to finish.
type RepairConfig struct {
	Command      []string `json:"command,omitempty"`
	StopTimeout  string   `json:"stop_timeout,omitempty"`  // default "2m"
	LoginTimeout string   `json:"login_timeout,omitempty"` // per-session bound, default "5m"
}

// NotifierConfig controls the async notification pipeline. If the whole
// section is omitted the notifier is disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 9 * * *"
	Location string `json:"location,omitempty"` // IANA zone, default UTC
	Window   string `json:"window,omitempty"`   // default "24h"
}
