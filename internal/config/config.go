package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// APIKeyEnv overrides horde.api_key when set
	APIKeyEnv = "HORDE_API_KEY"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Horde     HordeConfig     `yaml:"horde"`
	Images    ImagesConfig    `yaml:"images"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Models    ModelsConfig    `yaml:"models"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
}

// ServerConfig holds HTTP and WebSocket server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WSPath          string        `yaml:"ws_path"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	RootRedirect    string        `yaml:"root_redirect"`
}

// HordeConfig holds the remote generation API settings
type HordeConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	ClientAgent       string        `yaml:"client_agent"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	LogRequests       bool          `yaml:"log_requests"`
}

// ImagesConfig holds the local image store settings
type ImagesConfig struct {
	DataPath  string `yaml:"data_path"`
	PublicURL string `yaml:"public_url"`
	Extension string `yaml:"extension"`
	Hash      string `yaml:"hash"`
}

// SchedulerConfig holds job scheduler settings
type SchedulerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Concurrency    int           `yaml:"concurrency"`
	MaxRounds      int           `yaml:"max_rounds"`
	AdvanceTimeout time.Duration `yaml:"advance_timeout"`
}

// ModelsConfig holds model catalog settings
type ModelsConfig struct {
	CatalogURL      string        `yaml:"catalog_url"`
	CachePath       string        `yaml:"cache_path"`
	Freshness       time.Duration `yaml:"freshness"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
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

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
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

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	Output         string `yaml:"output"`
	EnableCaller   bool   `yaml:"enable_caller"`
	BroadcastLevel string `yaml:"broadcast_level"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file, applies defaults and the
// environment override for the API key
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := os.Getenv(APIKeyEnv); key != "" {
		config.Horde.APIKey = key
	}
	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills every unset field with its default value
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.Port, 8282)
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.WriteTimeout, 15*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Server.WSPath, "/ws")
	setDefault(&c.Server.PingInterval, 5*time.Second)
	setDefault(&c.Server.SendQueueSize, 256)

	setDefault(&c.Horde.BaseURL, "https://stablehorde.net/")
	setDefault(&c.Horde.APIKey, "0000000000")
	setDefault(&c.Horde.ClientAgent, "stablehorde-proxy:1.0:unknown")
	setDefault(&c.Horde.CallTimeout, 30*time.Second)
	setDefault(&c.Horde.CancelTimeout, 30*time.Second)
	setDefault(&c.Horde.RequestsPerSecond, 2.0)
	setDefault(&c.Horde.Burst, 4)

	setDefault(&c.Images.DataPath, "data/")
	setDefault(&c.Images.PublicURL, "http://localhost:8282/images/")
	setDefault(&c.Images.Extension, ".webp")
	setDefault(&c.Images.Hash, "sha256")

	setDefault(&c.Scheduler.Interval, 2*time.Second)
	setDefault(&c.Scheduler.Concurrency, 4)
	setDefault(&c.Scheduler.MaxRounds, 2)
	setDefault(&c.Scheduler.AdvanceTimeout, time.Minute)

	setDefault(&c.Models.CatalogURL, "https://raw.githubusercontent.com/Haidra-Org/AI-Horde-image-model-reference/main/stable_diffusion.json")
	setDefault(&c.Models.CachePath, "db.json")
	setDefault(&c.Models.Freshness, time.Hour)
	setDefault(&c.Models.RefreshInterval, 15*time.Minute)

	setDefault(&c.Database.Port, 5432)
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.MaxOpenConns, 10)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDefault(&c.Database.ConnMaxIdleTime, 5*time.Minute)

	setDefault(&c.RabbitMQ.Port, 5672)
	setDefault(&c.RabbitMQ.VHost, "/")
	setDefault(&c.RabbitMQ.Exchange.Type, "topic")
	setDefault(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDefault(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	setDefault(&c.RabbitMQ.Publish.BackoffMultiplier, 2.0)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "console")
	setDefault(&c.Logging.Output, "stdout")
	setDefault(&c.Logging.BroadcastLevel, "warn")

	setDefault(&c.App.Name, "stablehorde-proxy")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort))
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server ws_path must start with /: %q", c.Server.WSPath))
	}

	if c.Server.RootRedirect != "" {
		if err := validateURL(c.Server.RootRedirect); err != nil {
			errs = append(errs, fmt.Errorf("invalid server root_redirect: %w", err))
		}
	}

	if err := validateURL(c.Horde.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid horde base_url: %w", err))
	}

	if c.Horde.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("horde requests_per_second must not be negative"))
	}

	if err := validateURL(c.Images.PublicURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid images public_url: %w", err))
	}

	switch c.Images.Hash {
	case "sha256", "blake3":
	default:
		errs = append(errs, fmt.Errorf("unsupported images hash: %q (must be sha256 or blake3)", c.Images.Hash))
	}

	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("scheduler concurrency must be greater than 0"))
	}

	if c.Scheduler.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("scheduler max_rounds must be greater than 0"))
	}

	if c.Scheduler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler interval must be greater than 0"))
	}

	if err := validateURL(c.Models.CatalogURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid models catalog_url: %w", err))
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			errs = append(errs, fmt.Errorf("database host is required"))
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			errs = append(errs, fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort))
		}

		if c.Database.Database == "" {
			errs = append(errs, fmt.Errorf("database name is required"))
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			errs = append(errs, fmt.Errorf("rabbitmq host is required"))
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			errs = append(errs, fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort))
		}

		if c.RabbitMQ.Exchange.Name == "" {
			errs = append(errs, fmt.Errorf("rabbitmq exchange name is required"))
		}
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
