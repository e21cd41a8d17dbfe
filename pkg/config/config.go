package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// EndpointConfig describes one downstream stage service.
type EndpointConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout" default:"2s"`
	RetryCount       int           `yaml:"retry_count" default:"2"`
	FailureThreshold int           `yaml:"failure_threshold" default:"5"`
	OpenTimeout      time.Duration `yaml:"open_timeout" default:"30s"`
	RateLimit        struct {
		Capacity     float64 `yaml:"capacity" default:"20"`
		RefillPerSec float64 `yaml:"refill_per_sec" default:"10"`
	} `yaml:"rate_limit"`
}

// Endpoints holds one endpoint per cascade stage.
type Endpoints struct {
	Macro  EndpointConfig `yaml:"macro"`
	Sector EndpointConfig `yaml:"sector"`
	Asset  EndpointConfig `yaml:"asset"`
	Timing EndpointConfig `yaml:"timing"`
}

// ByStage returns the endpoint configs keyed by stage name, in cascade order.
func (e *Endpoints) ByStage() []NamedEndpoint {
	return []NamedEndpoint{
		{Name: "macro", EndpointConfig: &e.Macro},
		{Name: "sector", EndpointConfig: &e.Sector},
		{Name: "asset", EndpointConfig: &e.Asset},
		{Name: "timing", EndpointConfig: &e.Timing},
	}
}

// NamedEndpoint pairs a stage name with its config.
type NamedEndpoint struct {
	Name string
	*EndpointConfig
}

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		// Per remote address request budget on the public API. Zero disables it.
		ClientRateLimit struct {
			Capacity     float64 `yaml:"capacity" default:"0"`
			RefillPerSec float64 `yaml:"refill_per_sec" default:"0"`
		} `yaml:"client_rate_limit"`
	} `yaml:"server"`
	Logger struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"json"`
		Output string `yaml:"output" default:"stdout"`
		// Topic for aggregated error logs. Empty disables collection.
		Topic string `yaml:"topic"`
	} `yaml:"logger"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Cascade struct {
		DefaultPolicy      string        `yaml:"default_policy" default:"fail-fast"`
		RequestDeadline    time.Duration `yaml:"request_deadline" default:"10s"`
		MaxRequestDeadline time.Duration `yaml:"max_request_deadline" default:"60s"`
		BackoffBase        time.Duration `yaml:"backoff_base" default:"100ms"`
		BackoffMax         time.Duration `yaml:"backoff_max" default:"2s"`
		EventBuffer        int           `yaml:"event_buffer" default:"1024"`
		EventFlush         time.Duration `yaml:"event_flush" default:"1s"`
		EventBatchSize     int           `yaml:"event_batch_size" default:"200"`
	} `yaml:"cascade"`
	Endpoints Endpoints `yaml:"endpoints"`
	Kafka     struct {
		Enabled       bool     `yaml:"enabled"`
		Brokers       []string `yaml:"brokers"`
		EventsTopic   string   `yaml:"events_topic" default:"cascade.events"`
		RequestsTopic string   `yaml:"requests_topic" default:"cascade.requests"`
		ResultsTopic  string   `yaml:"results_topic" default:"cascade.results"`
		RequiredAcks  int      `yaml:"required_acks" default:"1"`
		Compression   string   `yaml:"compression" default:"snappy"`
		Producer      struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"fincascade"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"1"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"default"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Addr        string        `yaml:"addr" default:"localhost:6379"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		Prefix      string        `yaml:"prefix" default:"fincascade"`
		FallbackTTL time.Duration `yaml:"fallback_ttl" default:"1h"`
		MemorySize  int           `yaml:"memory_size" default:"1000"`
	} `yaml:"redis"`
	// Queue is the Redis backed async intake behind POST /api/analysis/async.
	// It needs redis.enabled.
	Queue struct {
		Enabled    bool          `yaml:"enabled"`
		Workers    int           `yaml:"workers" default:"2"`
		RetryLimit int           `yaml:"retry_limit" default:"1"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"10s"`
		RetryPoll  time.Duration `yaml:"retry_poll" default:"5s"`
		ResultTTL  time.Duration `yaml:"result_ttl" default:"24h"`
	} `yaml:"queue"`
}

// Load reads and parses a YAML configuration file. Missing keys take their
// struct tag defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CASCADE_POLICY"); v != "" {
		c.Cascade.DefaultPolicy = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	for _, ep := range c.Endpoints.ByStage() {
		if v := getenv(strings.ToUpper(ep.Name) + "_URL"); v != "" {
			ep.URL = v
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	switch c.Cascade.DefaultPolicy {
	case "fail-fast", "degrade":
	default:
		return fmt.Errorf("cascade.default_policy must be 'fail-fast' or 'degrade', got '%s'", c.Cascade.DefaultPolicy)
	}
	if c.Cascade.RequestDeadline <= 0 {
		return fmt.Errorf("cascade.request_deadline must be positive")
	}
	if c.Cascade.MaxRequestDeadline < c.Cascade.RequestDeadline {
		return fmt.Errorf("cascade.max_request_deadline must be >= request_deadline")
	}
	for _, ep := range c.Endpoints.ByStage() {
		if ep.URL == "" {
			return fmt.Errorf("endpoints.%s.url is required", ep.Name)
		}
		if ep.Timeout <= 0 {
			return fmt.Errorf("endpoints.%s.timeout must be positive", ep.Name)
		}
		if ep.RetryCount < 0 {
			return fmt.Errorf("endpoints.%s.retry_count cannot be negative", ep.Name)
		}
		if ep.FailureThreshold < 1 {
			return fmt.Errorf("endpoints.%s.failure_threshold must be >= 1", ep.Name)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Queue.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("queue.enabled requires redis.enabled")
	}
	return nil
}
