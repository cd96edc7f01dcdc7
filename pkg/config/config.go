package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"IntelliDetect/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		RateLimit       struct {
			Capacity     float64 `yaml:"capacity" default:"20"`
			RefillPerSec float64 `yaml:"refill_per_sec" default:"10"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Log struct {
		Level     string `yaml:"level" default:"info"`
		Format    string `yaml:"format" default:"json"`
		Output    string `yaml:"output" default:"stdout"`
		Collector struct {
			Enabled        bool          `yaml:"enabled"`
			Interval       time.Duration `yaml:"interval" default:"30s"`
			CountThreshold int           `yaml:"count_threshold" default:"100"`
		} `yaml:"collector"`
	} `yaml:"log"`
	// Backend selects where anomaly events go: kafka or clickhouse.
	Backend struct {
		Type string `yaml:"type" default:"kafka"`
	} `yaml:"backend"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		PointsTopic  string   `yaml:"points_topic" default:"detect_points"`
		AnomalyTopic string   `yaml:"anomaly_topic" default:"detect_anomalies"`
		LogTopic     string   `yaml:"log_topic" default:"detect_logs"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"1s"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"intellidetect"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"10000"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"intellidetect"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size" default:"10"`
		Prefix   string `yaml:"prefix" default:"intellidetect"`
	} `yaml:"redis"`
	// Cache backs the history point store: memory, redis or layered.
	Cache struct {
		Type          string        `yaml:"type" default:"layered"`
		MemoryMaxSize int           `yaml:"memory_max_size" default:"10000"`
		HistoryTTL    time.Duration `yaml:"history_ttl" default:"2h"`
	} `yaml:"cache"`
	Queue struct {
		Enabled    bool          `yaml:"enabled" default:"true"`
		Workers    int           `yaml:"workers" default:"2"`
		RetryLimit int           `yaml:"retry_limit" default:"30"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"60s"`
		KeyPrefix  string        `yaml:"key_prefix" default:"intellidetect:deferred"`
	} `yaml:"queue"`
	SDK struct {
		BaseURL          string        `yaml:"base_url"`
		PredictPath      string        `yaml:"predict_path" default:"/api/aiops/kpi_predict/"`
		GroupPredictPath string        `yaml:"group_predict_path" default:"/api/aiops/kpi_group_predict/"`
		Timeout          time.Duration `yaml:"timeout" default:"10s"`
		RetryAttempts    int           `yaml:"retry_attempts" default:"1"`
		RetryBackoff     time.Duration `yaml:"retry_backoff" default:"100ms"`
	} `yaml:"sdk"`
	Detect struct {
		PointPrecision int  `yaml:"point_precision" default:"2"`
		PreDetect      bool `yaml:"pre_detect" default:"true"`
		Workers        int  `yaml:"workers" default:"8"`
		// History selects the previous-point source: cache or clickhouse.
		History string `yaml:"history" default:"cache"`
	} `yaml:"detect"`
}

// Default returns a config populated only from struct defaults.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file. Missing keys take their
// struct defaults.
func Load(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}

	c.ApplyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Parse decodes YAML bytes over the defaults. It does not validate.
func Parse(b []byte) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

func read(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// ApplyEnv overrides fields from the environment lookup function.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("KAFKA_POINTS_TOPIC"); v != "" {
		c.Kafka.PointsTopic = v
	}
	if v := getenv("SDK_BASE_URL"); v != "" {
		c.SDK.BaseURL = v
	}
	if v := getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	c.Redis.Port = util.ParseIntDefault(getenv("REDIS_PORT"), c.Redis.Port)
	c.Detect.PointPrecision = util.ParseIntDefault(getenv("POINT_PRECISION"), c.Detect.PointPrecision)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Backend.Type != "kafka" && c.Backend.Type != "clickhouse" {
		return fmt.Errorf("backend.type must be 'kafka' or 'clickhouse', got '%s'", c.Backend.Type)
	}
	if c.Backend.Type == "clickhouse" && !c.ClickHouse.Enabled {
		return fmt.Errorf("backend.type 'clickhouse' requires clickhouse.enabled")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.SDK.BaseURL == "" {
		return fmt.Errorf("sdk.base_url is required")
	}
	switch c.Cache.Type {
	case "memory", "redis", "layered":
	default:
		return fmt.Errorf("cache.type must be 'memory', 'redis' or 'layered', got '%s'", c.Cache.Type)
	}
	switch c.Detect.History {
	case "cache":
	case "clickhouse":
		if !c.ClickHouse.Enabled {
			return fmt.Errorf("detect.history 'clickhouse' requires clickhouse.enabled")
		}
	default:
		return fmt.Errorf("detect.history must be 'cache' or 'clickhouse', got '%s'", c.Detect.History)
	}
	if c.Detect.PointPrecision < 0 {
		return fmt.Errorf("detect.point_precision must be >= 0")
	}
	return nil
}
