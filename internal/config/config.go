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

// Broadcast drivers
const (
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	App           AppConfig           `yaml:"app"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Admin         AdminConfig         `yaml:"admin"`
	Queue         QueueConfig         `yaml:"queue"`
	Worker        WorkerConfig        `yaml:"worker"`
	Mail          MailConfig          `yaml:"mail"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	LinkVerifier  LinkVerifierConfig  `yaml:"link_verifier"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
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

// RedisConfig holds Redis connection configuration
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

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// BroadcastConfig selects the pub/sub transport between webhook and workers
type BroadcastConfig struct {
	Driver  string `yaml:"driver"`
	Channel string `yaml:"channel"`
}

// WebhookConfig holds the change notifier shared secret
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// AdminConfig holds the bearer token of the queue inspection API
type AdminConfig struct {
	Token string `yaml:"token"`
}

// QueueConfig tunes the Redis job queue
type QueueConfig struct {
	Prefix             string        `yaml:"prefix"`
	MaxAttempts        int           `yaml:"max_attempts"`
	Backoff            time.Duration `yaml:"backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PromoteInterval    time.Duration `yaml:"promote_interval"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval"`
	PruneInterval      time.Duration `yaml:"prune_interval"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	SendMailConcurrency     int           `yaml:"sendmail_concurrency"`
	LinkVerifierConcurrency int           `yaml:"link_verifier_concurrency"`
	JobTimeout              time.Duration `yaml:"job_timeout"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	StatusPort              int           `yaml:"status_port"`
	EnqueueRetries          int           `yaml:"enqueue_retries"`
	EnqueueBackoff          time.Duration `yaml:"enqueue_backoff"`
}

// MailConfig holds SMTP transport and sender settings
type MailConfig struct {
	TransportURL     string `yaml:"transport_url"`
	From             string `yaml:"from"`
	ReplyTo          string `yaml:"reply_to"`
	TestAddress      string `yaml:"test_address"`
	OrganizationName string `yaml:"organization_name"`
	ServiceName      string `yaml:"service_name"`
}

// NotificationsConfig holds the fixed recipients of notification rules
type NotificationsConfig struct {
	OmbudsmanEmail string `yaml:"ombudsman_email"`
	FeedbackEmail  string `yaml:"feedback_email"`
	ViewBaseURL    string `yaml:"view_base_url"`
}

// UploadsConfig locates the upload server attachments are downloaded from
type UploadsConfig struct {
	BaseURL    string `yaml:"base_url"`
	AuthHeader string `yaml:"auth_header"`
	AuthSecret string `yaml:"auth_secret"`
}

// LinkVerifierConfig tunes the link verification processor
type LinkVerifierConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Field        string        `yaml:"field"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Broadcast.Driver == "" {
		c.Broadcast.Driver = DriverRedis
	}
	if c.Broadcast.Channel == "" {
		c.Broadcast.Channel = "events-node"
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "node-events"
	}
	if c.Worker.SendMailConcurrency <= 0 {
		c.Worker.SendMailConcurrency = 4
	}
	if c.Worker.LinkVerifierConcurrency <= 0 {
		c.Worker.LinkVerifierConcurrency = 2
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = 2 * time.Minute
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.StatusPort == 0 {
		c.Worker.StatusPort = 9090
	}
	if c.Uploads.AuthHeader == "" {
		c.Uploads.AuthHeader = "X-Hasura-Admin-Secret"
	}
	if c.LinkVerifier.Timeout <= 0 {
		c.LinkVerifier.Timeout = 10 * time.Second
	}
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}

	if c.Admin.Token == "" {
		return fmt.Errorf("admin token is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return c.validateBroadcast()
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if err := c.validateBroadcast(); err != nil {
		return err
	}

	if c.Mail.TransportURL == "" {
		return fmt.Errorf("mail transport_url is required")
	}

	if c.Mail.From == "" {
		return fmt.Errorf("mail from is required")
	}

	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue max_attempts must not be negative")
	}

	if c.Worker.StatusPort < MinPort || c.Worker.StatusPort > MaxPort {
		return fmt.Errorf("invalid worker status port: %d (must be between %d and %d)", c.Worker.StatusPort, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateBroadcast() error {
	switch c.Broadcast.Driver {
	case DriverRedis:
	case DriverRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	default:
		return fmt.Errorf("unknown broadcast driver: %q", c.Broadcast.Driver)
	}

	if c.Broadcast.Channel == "" {
		return fmt.Errorf("broadcast channel is required")
	}
	return nil
}
