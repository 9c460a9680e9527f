// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Storage, Postgres, Redis, Dynamo, File, Search, Rebuild, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Dynamo   DynamoConfig   `yaml:"dynamo"`
	File     FileConfig     `yaml:"file"`
	Search   SearchConfig   `yaml:"search"`
	Rebuild  RebuildConfig  `yaml:"rebuild"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the daemon.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects the storage backend implementation.
type StorageConfig struct {
	// Backend is one of "memory", "postgres", "redis", "dynamo", "file".
	Backend string `yaml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// DynamoConfig holds DynamoDB table and endpoint settings.
type DynamoConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// FileConfig holds the file backend's data directory and lock settings.
type FileConfig struct {
	DataDir     string        `yaml:"dataDir"`
	LockTimeout time.Duration `yaml:"lockTimeout"`
}

// SearchConfig holds ranking parameters, fuzzy-matching thresholds, and the
// stop-word list. All fields are read-only after construction.
type SearchConfig struct {
	K1                  float64  `yaml:"k1"`
	B                   float64  `yaml:"b"`
	TitleBoost          float64  `yaml:"titleBoost"`
	ExactMatchBoost     float64  `yaml:"exactMatchBoost"`
	NgramSizes          []int    `yaml:"ngramSizes"`
	SimilarityThreshold float64  `yaml:"similarityThreshold"`
	MaxFuzzyCandidates  int      `yaml:"maxFuzzyCandidates"`
	MaxResults          int      `yaml:"maxResults"`
	StopWords           []string `yaml:"stopWords"`
}

// StopWordSet returns the configured stop words as a lookup set.
func (s SearchConfig) StopWordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.StopWords))
	for _, w := range s.StopWords {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

// RebuildConfig controls batch rebuild paging and concurrency.
type RebuildConfig struct {
	BatchSize   int `yaml:"batchSize"`
	Concurrency int `yaml:"concurrency"`
}

// KafkaConfig holds broker settings for the Kafka document source.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Topic         string        `yaml:"topic"`
	PageTimeout   time.Duration `yaml:"pageTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSearchConfig returns the search parameters used when no config file
// is loaded. Exposed for tests and embedded use.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		K1:                  1.2,
		B:                   0.75,
		TitleBoost:          2.0,
		ExactMatchBoost:     1.5,
		NgramSizes:          []int{2, 3},
		SimilarityThreshold: 0.5,
		MaxFuzzyCandidates:  10,
		MaxResults:          100,
		StopWords: []string{
			"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
			"has", "he", "in", "is", "it", "its", "of", "on", "or", "that",
			"the", "to", "was", "were", "will", "with",
		},
	}
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "kestrel",
			User:            "kestrel",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Dynamo: DynamoConfig{
			Table:  "kestrel-index",
			Region: "us-east-1",
		},
		File: FileConfig{
			DataDir:     "data",
			LockTimeout: 5 * time.Second,
		},
		Search: DefaultSearchConfig(),
		Rebuild: RebuildConfig{
			BatchSize:   200,
			Concurrency: 4,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "kestrel-rebuild",
			Topic:         "document-feed",
			PageTimeout:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "memory", "postgres", "redis", "dynamo", "file":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Search.K1 <= 0 || cfg.Search.B < 0 || cfg.Search.B > 1 {
		return fmt.Errorf("invalid BM25 parameters k1=%v b=%v", cfg.Search.K1, cfg.Search.B)
	}
	if len(cfg.Search.NgramSizes) == 0 {
		return fmt.Errorf("at least one n-gram size is required")
	}
	for _, n := range cfg.Search.NgramSizes {
		if n < 1 {
			return fmt.Errorf("invalid n-gram size %d", n)
		}
	}
	if cfg.Search.SimilarityThreshold <= 0 || cfg.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %v", cfg.Search.SimilarityThreshold)
	}
	return nil
}

// applyEnvOverrides reads KS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KS_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("KS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("KS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("KS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("KS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("KS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("KS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("KS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KS_DYNAMO_TABLE"); v != "" {
		cfg.Dynamo.Table = v
	}
	if v := os.Getenv("KS_DYNAMO_REGION"); v != "" {
		cfg.Dynamo.Region = v
	}
	if v := os.Getenv("KS_DYNAMO_ENDPOINT"); v != "" {
		cfg.Dynamo.Endpoint = v
	}
	if v := os.Getenv("KS_FILE_DATADIR"); v != "" {
		cfg.File.DataDir = v
	}
	if v := os.Getenv("KS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
