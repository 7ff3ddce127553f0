package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"   validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"      validate:"required"`
	Pagination PaginationConfig `mapstructure:"pagination" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains the event publisher settings. An empty URL disables
// event publishing; the queue runs fine without it.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig contains the task queue engine settings.
type QueueConfig struct {
	WorkerCount      int           `mapstructure:"worker_count"        validate:"required,gte=1,lte=64"`
	PollInterval     time.Duration `mapstructure:"poll_interval"       validate:"required"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"    validate:"required"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"        validate:"required"`
	MaxTasksPerSweep int           `mapstructure:"max_tasks_per_sweep" validate:"required,gte=1"`
}

// PaginationConfig contains the smart paginator settings.
type PaginationConfig struct {
	SessionTTL      time.Duration `mapstructure:"session_ttl"       validate:"required"`
	DefaultPageSize int           `mapstructure:"default_page_size" validate:"required,gte=1,lte=100"`
}
