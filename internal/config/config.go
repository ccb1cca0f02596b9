package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Mailer    MailerConfig    `yaml:"mailer"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// Due jobs are published here by the promoter and consumed by the worker pool.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      AMQPQueueConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AMQPQueueConfig holds RabbitMQ queue configuration
type AMQPQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the connection settings of the durable job store
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig selects the backing of the scheduling engine
type SchedulerConfig struct {
	// UseDurableQueue switches from in-process timers to the Redis/RabbitMQ queue.
	// In-process timers do not survive a restart.
	UseDurableQueue bool `yaml:"use_durable_queue"`

	// OverdueCheckSpec is a cron spec for reporting pending messages past their
	// due time. Empty disables the report.
	OverdueCheckSpec string `yaml:"overdue_check_spec"`
}

// QueueConfig holds the durable delayed-job queue settings
type QueueConfig struct {
	KeyPrefix        string          `yaml:"key_prefix"`
	PollInterval     time.Duration   `yaml:"poll_interval"`
	BatchSize        int             `yaml:"batch_size"`
	Attempts         int             `yaml:"attempts"`
	Backoff          time.Duration   `yaml:"backoff"`
	LockDuration     time.Duration   `yaml:"lock_duration"`
	RemoveOnComplete RetentionConfig `yaml:"remove_on_complete"`
	RemoveOnFail     RetentionConfig `yaml:"remove_on_fail"`
	CleanSpec        string          `yaml:"clean_spec"`
}

// RetentionConfig bounds how many finished jobs are kept and for how long
type RetentionConfig struct {
	Count int           `yaml:"count"`
	Age   time.Duration `yaml:"age"`
}

// MailerConfig holds the outbound send API settings
type MailerConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	From          string        `yaml:"from"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with production defaults
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = c.queueLockDuration() / 2
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = c.Worker.Concurrency
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = "mailer:queue:"
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = 500 * time.Millisecond
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 100
	}
	if c.Queue.Attempts <= 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.Backoff <= 0 {
		c.Queue.Backoff = 5 * time.Second
	}
	c.Queue.LockDuration = c.queueLockDuration()
	if c.Queue.CleanSpec == "" {
		c.Queue.CleanSpec = "@every 10m"
	}
	if c.Queue.RemoveOnComplete.Count <= 0 {
		c.Queue.RemoveOnComplete.Count = 100
	}
	if c.Queue.RemoveOnComplete.Age <= 0 {
		c.Queue.RemoveOnComplete.Age = 24 * time.Hour
	}
	if c.Queue.RemoveOnFail.Count <= 0 {
		c.Queue.RemoveOnFail.Count = 1000
	}
	if c.Queue.RemoveOnFail.Age <= 0 {
		c.Queue.RemoveOnFail.Age = 7 * 24 * time.Hour
	}
	if c.Mailer.Timeout <= 0 {
		c.Mailer.Timeout = 10 * time.Second
	}
	if c.Mailer.Burst <= 0 {
		c.Mailer.Burst = 1
	}
}

func (c *Config) queueLockDuration() time.Duration {
	if c.Queue.LockDuration <= 0 {
		return 30 * time.Second
	}
	return c.Queue.LockDuration
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateMailer(); err != nil {
		return err
	}

	if c.Scheduler.UseDurableQueue {
		if err := c.validateRedis(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs.
// The worker only exists in durable mode, so Redis and RabbitMQ are required.
func (c *Config) ValidateWorkerConfig() error {
	if !c.Scheduler.UseDurableQueue {
		return fmt.Errorf("worker service requires scheduler.use_durable_queue to be enabled")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval >= c.Queue.LockDuration {
		return fmt.Errorf("worker heartbeat_interval must be shorter than queue lock_duration")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateMailer(); err != nil {
		return err
	}

	if err := c.validateRedis(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("queue attempts must be greater than 0")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateMailer() error {
	if c.Mailer.BaseURL == "" {
		return fmt.Errorf("mailer base_url is required")
	}
	if c.Mailer.From == "" {
		return fmt.Errorf("mailer from address is required")
	}
	return nil
}
