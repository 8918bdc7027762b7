package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SinkDuckDB = "duckdb"
	SinkS3     = "s3"

	CheckpointFile     = "file"
	CheckpointEtcd     = "etcd"
	CheckpointNATS     = "nats"
	CheckpointPostgres = "postgres"
	CheckpointMySQL    = "mysql"
	CheckpointMemory   = "memory"
)

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Sink       SinkConfig       `yaml:"sink"`
	Batch      BatchConfig      `yaml:"batch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retry      RetryConfig      `yaml:"retry"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SourceConfig describes the JetStream stream and this process's consumer identity.
// Each partition maps to subject "<subject_prefix>.<partition>" and one worker.
type SourceConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ConsumerGroup string        `yaml:"consumer_group"`
	ConsumerName  string        `yaml:"consumer_name"`
	Partitions    []string      `yaml:"partitions"`
	PollBatch     int           `yaml:"poll_batch"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	CreateStream  bool          `yaml:"create_stream"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type SinkConfig struct {
	Type         string        `yaml:"type"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DuckDB       DuckDBConfig  `yaml:"duckdb"`
	S3           S3Config      `yaml:"s3"`
}

type DuckDBConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type BatchConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRecords int           `yaml:"max_records"`
}

type CheckpointConfig struct {
	Backend     string        `yaml:"backend"`
	Dir         string        `yaml:"dir"`          // file
	Endpoints   []string      `yaml:"endpoints"`    // etcd
	Prefix      string        `yaml:"prefix"`       // etcd
	DialTimeout time.Duration `yaml:"dial_timeout"` // etcd
	Bucket      string        `yaml:"bucket"`       // nats
	DSN         string        `yaml:"dsn"`          // postgres, mysql
	LeaseTTL    time.Duration `yaml:"lease_ttl"`    // partition ownership; a crashed owner holds it this long
}

type RetryConfig struct {
	SinkAttempts   int           `yaml:"sink_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ProcessorConfig configures the optional event transformer that runs before reconciliation
type ProcessorConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Script            string   `yaml:"script"` // Path to a JavaScript file exporting transform(event)
	IncludeOperations []string `yaml:"include_operations"`
	ExcludeOperations []string `yaml:"exclude_operations"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads the YAML file at path (skipped when path is empty), applies ETL_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Source.URL == "" {
		c.Source.URL = "nats://localhost:4222"
	}
	if c.Source.Stream == "" {
		c.Source.Stream = "ORDERS_CDC"
	}
	if c.Source.SubjectPrefix == "" {
		c.Source.SubjectPrefix = "orders.cdc"
	}
	if c.Source.ConsumerGroup == "" {
		c.Source.ConsumerGroup = "orders_etl_group"
	}
	if len(c.Source.Partitions) == 0 {
		c.Source.Partitions = []string{"0"}
	}
	if c.Source.PollBatch == 0 {
		c.Source.PollBatch = 100
	}
	if c.Source.BlockTimeout == 0 {
		c.Source.BlockTimeout = 500 * time.Millisecond
	}
	if c.Source.MaxReconnect == 0 {
		c.Source.MaxReconnect = -1
	}
	if c.Source.ReconnectWait == 0 {
		c.Source.ReconnectWait = 2 * time.Second
	}

	if c.Batch.Interval == 0 {
		c.Batch.Interval = 60 * time.Second
	}
	if c.Batch.MaxRecords == 0 {
		c.Batch.MaxRecords = 10000
	}
	if c.Source.AckWait == 0 {
		c.Source.AckWait = 2 * c.Batch.Interval
		if c.Source.AckWait < 2*time.Minute {
			c.Source.AckWait = 2 * time.Minute
		}
	}

	if c.Sink.Type == "" {
		c.Sink.Type = SinkDuckDB
	}
	if c.Sink.WriteTimeout == 0 {
		c.Sink.WriteTimeout = 30 * time.Second
	}
	if c.Sink.DuckDB.Path == "" {
		c.Sink.DuckDB.Path = "warehouse.duckdb"
	}
	if c.Sink.DuckDB.Table == "" {
		c.Sink.DuckDB.Table = "transformed_orders"
	}
	if c.Sink.S3.Prefix == "" {
		c.Sink.S3.Prefix = "transformed_orders"
	}
	if c.Sink.S3.Region == "" {
		c.Sink.S3.Region = "us-east-1"
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = CheckpointFile
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "checkpoints"
	}
	if c.Checkpoint.LeaseTTL == 0 {
		c.Checkpoint.LeaseTTL = 15 * time.Second
	}

	if c.Retry.SinkAttempts == 0 {
		c.Retry.SinkAttempts = 5
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9093"
	}
}

// Validate checks the settings that defaults cannot repair
func (c *Config) Validate() error {
	if c.Batch.Interval <= 0 {
		return fmt.Errorf("batch.interval must be positive")
	}
	if c.Batch.MaxRecords <= 0 {
		return fmt.Errorf("batch.max_records must be positive")
	}
	if c.Source.BlockTimeout <= 0 || c.Source.BlockTimeout >= c.Batch.Interval {
		return fmt.Errorf("source.block_timeout must be positive and shorter than batch.interval")
	}
	// Entries of the open window stay unacked until the window is delivered
	if c.Source.AckWait <= c.Batch.Interval+c.Sink.WriteTimeout {
		return fmt.Errorf("source.ack_wait (%s) must exceed batch.interval plus sink.write_timeout", c.Source.AckWait)
	}
	if c.Checkpoint.LeaseTTL < time.Second {
		return fmt.Errorf("checkpoint.lease_ttl must be at least 1s")
	}
	seen := make(map[string]bool, len(c.Source.Partitions))
	for _, p := range c.Source.Partitions {
		if p == "" || seen[p] {
			return fmt.Errorf("source.partitions must be unique and non-empty")
		}
		seen[p] = true
	}

	switch c.Sink.Type {
	case SinkDuckDB:
	case SinkS3:
		if c.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown sink type %q", c.Sink.Type)
	}

	switch c.Checkpoint.Backend {
	case CheckpointFile, CheckpointNATS, CheckpointMemory:
	case CheckpointEtcd:
		if len(c.Checkpoint.Endpoints) == 0 {
			return fmt.Errorf("checkpoint.endpoints is required for etcd")
		}
	case CheckpointPostgres, CheckpointMySQL:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn is required for %s", c.Checkpoint.Backend)
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	return ValidateProcessor(&c.Processor)
}

// ValidateProcessor validates transformer configuration
func ValidateProcessor(cfg *ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
		if len(cfg.IncludeOperations) > 0 || len(cfg.ExcludeOperations) > 0 {
			return fmt.Errorf("cannot specify both 'script' and operation rules - script takes precedence")
		}
	}
	if len(cfg.IncludeOperations) > 0 && len(cfg.ExcludeOperations) > 0 {
		return fmt.Errorf("cannot specify both 'include_operations' and 'exclude_operations'")
	}
	return nil
}

// Env var names follow the deployment of the original pipeline
func applyEnv(c *Config) error {
	setString(&c.Source.URL, "ETL_NATS_URL")
	setString(&c.Source.Stream, "ETL_STREAM_NAME")
	setString(&c.Source.SubjectPrefix, "ETL_STREAM_SUBJECT")
	setString(&c.Source.ConsumerGroup, "ETL_CONSUMER_GROUP")
	setString(&c.Source.ConsumerName, "ETL_CONSUMER_NAME")
	setList(&c.Source.Partitions, "ETL_PARTITIONS")

	setString(&c.Sink.Type, "ETL_SINK_TYPE")
	setString(&c.Sink.DuckDB.Path, "ETL_DUCKDB_PATH")
	setString(&c.Sink.S3.Endpoint, "ETL_MINIO_ENDPOINT")
	setString(&c.Sink.S3.AccessKeyID, "ETL_MINIO_ACCESS_KEY")
	setString(&c.Sink.S3.SecretAccessKey, "ETL_MINIO_SECRET_KEY")
	setString(&c.Sink.S3.Bucket, "ETL_MINIO_BUCKET_NAME")
	setString(&c.Sink.S3.Region, "ETL_MINIO_REGION")

	setString(&c.Checkpoint.Backend, "ETL_CHECKPOINT_BACKEND")
	setString(&c.Checkpoint.Dir, "ETL_CHECKPOINT_DIR")
	setString(&c.Checkpoint.DSN, "ETL_CHECKPOINT_DSN")
	setList(&c.Checkpoint.Endpoints, "ETL_ETCD_ENDPOINTS")

	setString(&c.Logging.Level, "ETL_LOG_LEVEL")
	setString(&c.Metrics.Addr, "ETL_METRICS_ADDR")

	if err := setDuration(&c.Batch.Interval, "ETL_BATCH_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Source.BlockTimeout, "ETL_BLOCK_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Checkpoint.LeaseTTL, "ETL_LEASE_TTL"); err != nil {
		return err
	}
	return setInt(&c.Batch.MaxRecords, "ETL_MAX_BATCH_RECORDS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// setDuration accepts Go durations ("60s") or plain seconds ("60")
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
