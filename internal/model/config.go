// Package model defines cogno's configuration, domain entities, inbound events and run summaries.
package model

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Memory   MemoryConfig   `yaml:"memory"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sync     SyncConfig     `yaml:"sync"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"` // env var consulted when dsn is empty
}

type OracleConfig struct {
	Provider    string  `yaml:"provider"` // "openai"
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	TimeoutSec  int     `yaml:"timeout_sec"`
	Temperature float64 `yaml:"temperature"`
}

type ScheduleConfig struct {
	Timezone       string `yaml:"timezone"`
	QuietStartHour int    `yaml:"quiet_start_hour"`
	QuietEndHour   int    `yaml:"quiet_end_hour"`
	MinLeadMin     int    `yaml:"min_lead_min"`
	SpacingMin     int    `yaml:"spacing_min"`
	WindowHours    int    `yaml:"window_hours"`
	MaxPerTask     int    `yaml:"max_per_task"`
	MaxPerRun      int    `yaml:"max_per_run"`
}

type MemoryConfig struct {
	MaxChars int `yaml:"max_chars"`
}

type PipelineConfig struct {
	// CompletionReactions are reaction texts that close the task they react to.
	CompletionReactions []string `yaml:"completion_reactions"`
	MaxRollupTasks      int      `yaml:"max_rollup_tasks"`
}

type SyncConfig struct {
	Enabled     bool `yaml:"enabled"`
	IntervalSec int  `yaml:"interval_sec"`
	LookbackMin int  `yaml:"lookback_min"`
	Parallelism int  `yaml:"parallelism"`
}

type WatcherConfig struct {
	DebounceSec float64 `yaml:"debounce_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSNEnv == "" {
		c.Store.DSNEnv = "COGNO_DATABASE_URL"
	}
	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gpt-4o-mini"
	}
	if c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Oracle.TimeoutSec <= 0 {
		c.Oracle.TimeoutSec = 30
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Asia/Tokyo"
	}
	if c.Schedule.QuietStartHour == 0 && c.Schedule.QuietEndHour == 0 {
		c.Schedule.QuietStartHour = 23
		c.Schedule.QuietEndHour = 7
	}
	if c.Schedule.MinLeadMin <= 0 {
		c.Schedule.MinLeadMin = 5
	}
	if c.Schedule.SpacingMin <= 0 {
		c.Schedule.SpacingMin = 180
	}
	if c.Schedule.WindowHours <= 0 {
		c.Schedule.WindowHours = 24
	}
	if c.Schedule.MaxPerTask <= 0 {
		c.Schedule.MaxPerTask = 3
	}
	if c.Schedule.MaxPerRun <= 0 {
		c.Schedule.MaxPerRun = 5
	}
	if c.Memory.MaxChars <= 0 {
		c.Memory.MaxChars = 4000
	}
	if len(c.Pipeline.CompletionReactions) == 0 {
		c.Pipeline.CompletionReactions = []string{"done", "完了", "済"}
	}
	if c.Pipeline.MaxRollupTasks <= 0 {
		c.Pipeline.MaxRollupTasks = 5
	}
	if c.Sync.IntervalSec <= 0 {
		c.Sync.IntervalSec = 600
	}
	if c.Sync.LookbackMin <= 0 {
		c.Sync.LookbackMin = 10
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = 4
	}
	if c.Watcher.DebounceSec <= 0 {
		c.Watcher.DebounceSec = 0.5
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
