package config

type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Logging    LoggingConfig    `json:"logging"`
	Behavior   BehaviorConfig   `json:"behavior"`
	Commands   CommandsConfig   `json:"commands"`
	Engine     EngineConfig     `json:"engine"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    StorageConfig    `json:"storage"`
	Backup     *BackupConfig    `json:"backup,omitempty"`
	Monitoring *MonitoringConfig `json:"monitoring,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BehaviorConfig is the user-visible notification policy.
//
// Patience is a Go duration string (e.g. "2m"); it is how long an open
// digest waits after its first entry before delivery.
type BehaviorConfig struct {
	Patience    string `json:"patience"`
	MaxKeywords int    `json:"max_keywords"`
}

type CommandsConfig struct {
	Prefix string `json:"prefix"`
}

// EngineConfig controls the matching stage.
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// DispatcherConfig controls the delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type DispatcherConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type BackupConfig struct {
	Enabled  bool   `json:"enabled"`
	Dir      string `json:"dir,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default @daily
}

type MonitoringConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9100"
}
