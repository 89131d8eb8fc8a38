package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// FileEnv names the environment variable holding an optional TOML file path.
const FileEnv = "JUDGEBOX_CONFIG"

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Workers WorkersConfig `toml:"workers"`
	Limiter LimiterConfig `toml:"limiter"`
	NATS    NATSConfig    `toml:"nats"`
	SQS     SQSConfig     `toml:"sqs"`
}

type ServerConfig struct {
	Port     string `toml:"port"`
	LogLevel string `toml:"log_level"`
	// timeouts in seconds
	ReadTimeout     int `toml:"read_timeout"`
	WriteTimeout    int `toml:"write_timeout"`
	IdleTimeout     int `toml:"idle_timeout"`
	RequestTimeout  int `toml:"request_timeout"`
	ShutdownTimeout int `toml:"shutdown_timeout"`
}

type SandboxConfig struct {
	DockerHost            string `toml:"docker_host"`
	PullImageAlways       bool   `toml:"pull_image_always"`
	ContainerReuseEnabled bool   `toml:"container_reuse_enabled"`
	WarmPerLanguage       int    `toml:"warm_per_language"`
	MaxWarmPerLanguage    int    `toml:"max_warm_per_language"`
	WorkspaceRoot         string `toml:"workspace_root"`
	User                  string `toml:"user"`
	// Owner labels every container this instance creates and scopes orphan
	// reconciliation. Instances sharing a Docker daemon need distinct owners.
	Owner string `toml:"owner"`
	// ImagePolicy is "fail-fast" or "best-effort".
	ImagePolicy      string `toml:"image_policy"`
	BootGraceMillis  int    `toml:"boot_grace_ms"`
	ReconcileOnStart bool   `toml:"reconcile_on_start"`
	MaxRepeatCount   int    `toml:"max_repeat_count"`
}

func (s SandboxConfig) BootGrace() time.Duration {
	return time.Duration(s.BootGraceMillis) * time.Millisecond
}

type WorkersConfig struct {
	Count         int `toml:"count"`
	QueueCapacity int `toml:"queue_capacity"`
}

type LimiterConfig struct {
	GlobalRPS     float64 `toml:"global_rps"`
	PerIPRPS      float64 `toml:"per_ip_rps"`
	PerIPBurst    int     `toml:"per_ip_burst"`
	MaxConcurrent int     `toml:"max_concurrent"`
}

// NATSConfig enables the NATS consumer when URL is set.
type NATSConfig struct {
	URL        string `toml:"url"`
	Subject    string `toml:"subject"`
	QueueGroup string `toml:"queue_group"`
}

// SQSConfig enables the SQS poller when RequestQueueURL is set.
type SQSConfig struct {
	Region           string `toml:"region"`
	RequestQueueURL  string `toml:"request_queue_url"`
	ResponseQueueURL string `toml:"response_queue_url"`
	WaitSeconds      int    `toml:"wait_seconds"`
}

// DefaultOwner is "judgebox-<hostname>", stable across restarts of one
// instance so its own orphans are reclaimed, and distinct between hosts and
// containerized instances.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "judgebox"
	}
	return "judgebox-" + host
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			LogLevel:        "info",
			ReadTimeout:     10,
			WriteTimeout:    120,
			IdleTimeout:     60,
			RequestTimeout:  90,
			ShutdownTimeout: 10,
		},
		Sandbox: SandboxConfig{
			ContainerReuseEnabled: true,
			WarmPerLanguage:       1,
			MaxWarmPerLanguage:    4,
			User:                  "nobody",
			Owner:                 DefaultOwner(),
			ImagePolicy:           "fail-fast",
			BootGraceMillis:       2000,
			ReconcileOnStart:      true,
			MaxRepeatCount:        100,
		},
		Workers: WorkersConfig{
			Count:         5,
			QueueCapacity: 100,
		},
		Limiter: LimiterConfig{
			GlobalRPS:     100,
			PerIPRPS:      10,
			PerIPBurst:    20,
			MaxConcurrent: 50,
		},
		NATS: NATSConfig{
			Subject:    "judgebox.execute",
			QueueGroup: "judgebox",
		},
		SQS: SQSConfig{
			Region:      "us-east-1",
			WaitSeconds: 20,
		},
	}
}

// LoadConfig layers defaults, the optional TOML file named by JUDGEBOX_CONFIG,
// a .env file in the working directory and finally the process environment.
func LoadConfig() (*Config, error) {
	conf := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := conf.loadFile(path); err != nil {
			return nil, err
		}
	}

	conf.applyEnv()

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ReadTimeout = getInt("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getInt("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getInt("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.RequestTimeout = getInt("SERVER_REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.ShutdownTimeout = getInt("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)

	c.Sandbox.DockerHost = getEnv("DOCKER_HOST", c.Sandbox.DockerHost)
	c.Sandbox.PullImageAlways = getBool("JUDGEBOX_PULL_IMAGE_ALWAYS", c.Sandbox.PullImageAlways)
	c.Sandbox.ContainerReuseEnabled = getBool("JUDGEBOX_CONTAINER_REUSE", c.Sandbox.ContainerReuseEnabled)
	c.Sandbox.WarmPerLanguage = getInt("JUDGEBOX_WARM_PER_LANGUAGE", c.Sandbox.WarmPerLanguage)
	c.Sandbox.MaxWarmPerLanguage = getInt("JUDGEBOX_MAX_WARM_PER_LANGUAGE", c.Sandbox.MaxWarmPerLanguage)
	c.Sandbox.WorkspaceRoot = getEnv("JUDGEBOX_WORKSPACE_ROOT", c.Sandbox.WorkspaceRoot)
	c.Sandbox.User = getEnv("JUDGEBOX_CONTAINER_USER", c.Sandbox.User)
	c.Sandbox.Owner = getEnv("JUDGEBOX_OWNER", c.Sandbox.Owner)
	c.Sandbox.ImagePolicy = getEnv("JUDGEBOX_IMAGE_POLICY", c.Sandbox.ImagePolicy)
	c.Sandbox.BootGraceMillis = getInt("JUDGEBOX_BOOT_GRACE_MS", c.Sandbox.BootGraceMillis)
	c.Sandbox.MaxRepeatCount = getInt("JUDGEBOX_MAX_REPEAT_COUNT", c.Sandbox.MaxRepeatCount)

	c.Workers.Count = getInt("JUDGEBOX_WORKERS", c.Workers.Count)
	c.Workers.QueueCapacity = getInt("JUDGEBOX_QUEUE_CAPACITY", c.Workers.QueueCapacity)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("NATS_SUBJECT", c.NATS.Subject)
	c.NATS.QueueGroup = getEnv("NATS_QUEUE_GROUP", c.NATS.QueueGroup)

	c.SQS.Region = getEnv("AWS_REGION", c.SQS.Region)
	c.SQS.RequestQueueURL = getEnv("SQS_REQUEST_QUEUE_URL", c.SQS.RequestQueueURL)
	c.SQS.ResponseQueueURL = getEnv("SQS_RESPONSE_QUEUE_URL", c.SQS.ResponseQueueURL)
}

func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %q", c.Server.Port)
	}
	if _, err := zerolog.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Server.LogLevel, err)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("invalid worker count: %d", c.Workers.Count)
	}
	if c.Workers.QueueCapacity < 1 {
		return fmt.Errorf("invalid queue capacity: %d", c.Workers.QueueCapacity)
	}
	if c.Sandbox.WarmPerLanguage > c.Sandbox.MaxWarmPerLanguage {
		return fmt.Errorf("warm_per_language (%d) exceeds max_warm_per_language (%d)",
			c.Sandbox.WarmPerLanguage, c.Sandbox.MaxWarmPerLanguage)
	}
	if c.Sandbox.Owner == "" {
		return errors.New("sandbox owner must not be empty")
	}
	if c.Sandbox.MaxRepeatCount < 1 {
		return fmt.Errorf("invalid max repeat count: %d", c.Sandbox.MaxRepeatCount)
	}
	if c.SQS.RequestQueueURL != "" && c.SQS.ResponseQueueURL == "" {
		return errors.New("sqs response queue url is required when a request queue is configured")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
