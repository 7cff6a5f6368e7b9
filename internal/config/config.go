package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Pipeline   PipelineConfig
	Downloader DownloaderConfig
	Scheduler  SchedulerConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
	Webhook    WebhookConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64
	RateBurst       int
	// JWTSecret enables bearer token auth on the task API when set
	JWTSecret string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration. Uploads are skipped when
// Enabled is false.
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Name     string
}

// PipelineConfig holds download and mux settings for one task
type PipelineConfig struct {
	Concurrency       int
	Retry             int
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	MemoryThreshold   int64
	PoolChunkSize     int
	PoolMaxSize       int
	TempDir           string
	MaxErrors         int
	StrictURLs        bool
	MetricsInterval   time.Duration
}

// DownloaderConfig holds worker-side task handling settings
type DownloaderConfig struct {
	WorkerID         string
	OutputDir        string
	LockTTL          time.Duration
	ProgressInterval time.Duration
	StopPollInterval time.Duration
	// MaxFailureRatio marks a finished task failed when more segments than this
	// fraction failed. Zero fails on any segment failure, a negative value means 1.
	MaxFailureRatio float64
}

// SchedulerConfig controls the sweep that republishes pending tasks
type SchedulerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Format returns the logger output format
func (c LoggingConfig) Format() string {
	if c.Pretty {
		return "console"
	}
	return "json"
}

// MetricsConfig holds Prometheus exporter configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// WebhookConfig holds task notification configuration
type WebhookConfig struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return unmarshal(v)
}

// LoadDefaults returns the default configuration without reading a file
func LoadDefaults() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.rateLimit", 20)
	v.SetDefault("server.rateBurst", 40)
	v.SetDefault("server.jwtSecret", "")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "hlsmux")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "downloads")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.name", "hlsmux_tasks")

	// Pipeline defaults
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.retry", 3)
	v.SetDefault("pipeline.timeout", "15s")
	v.SetDefault("pipeline.userAgent", "hlsmux/1.0")
	v.SetDefault("pipeline.requestsPerSecond", 0)
	v.SetDefault("pipeline.memoryThreshold", 256*1024*1024) // 256MB
	v.SetDefault("pipeline.poolChunkSize", 1024*1024)       // 1MB
	v.SetDefault("pipeline.poolMaxSize", 128*1024*1024)     // 128MB
	v.SetDefault("pipeline.tempDir", "/tmp/hlsmux")
	v.SetDefault("pipeline.maxErrors", 10)
	v.SetDefault("pipeline.strictURLs", false)
	v.SetDefault("pipeline.metricsInterval", "1s")

	// Downloader defaults
	v.SetDefault("downloader.workerID", "")
	v.SetDefault("downloader.outputDir", "/tmp/hlsmux/output")
	v.SetDefault("downloader.lockTTL", "2h")
	v.SetDefault("downloader.progressInterval", "2s")
	v.SetDefault("downloader.stopPollInterval", "500ms")
	v.SetDefault("downloader.maxFailureRatio", 1.0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.batchSize", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "hlsmux")
	v.SetDefault("tracing.endpoint", "localhost:6831")

	v.SetDefault("webhook.urls", []string{})
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.maxRetries", 3)
}
