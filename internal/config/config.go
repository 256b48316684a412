// Package config loads the single YAML configuration file shared by the
// event bus, agent outbox, and fusion engine binaries, overlaid with
// environment variables for deployment-specific secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the ambient logrus logger shared by all three
// binaries' control planes (the bus/fusion hot paths configure their own
// zap/zerolog loggers separately).
type LoggingConfig struct {
	Level      string `yaml:"level" env:"AMOSKYS_LOG_LEVEL"`
	Format     string `yaml:"format" env:"AMOSKYS_LOG_FORMAT"`
	Output     string `yaml:"output" env:"AMOSKYS_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"AMOSKYS_LOG_FILE_PREFIX"`
}

// TLSConfig names the mTLS material used by both server and client sides of
// the bus RPC.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file" env:"AMOSKYS_TLS_CERT_FILE"`
	KeyFile    string `yaml:"key_file" env:"AMOSKYS_TLS_KEY_FILE"`
	ClientCA   string `yaml:"client_ca_file" env:"AMOSKYS_TLS_CLIENT_CA_FILE"`
	ServerName string `yaml:"server_name" env:"AMOSKYS_TLS_SERVER_NAME"`
}

// QueueConfig bounds a durable queue's footprint.
type QueueConfig struct {
	Path       string `yaml:"path" env:"AMOSKYS_QUEUE_PATH"`
	MaxRecords int    `yaml:"max_records" env:"AMOSKYS_QUEUE_MAX_RECORDS"`
	MaxBytes   int64  `yaml:"max_bytes" env:"AMOSKYS_QUEUE_MAX_BYTES"`
}

// RedisConfig optionally fronts the bus's durable queue with an L1 dedupe
// cache. Empty Addr disables it — the queue remains sole source of truth.
type RedisConfig struct {
	Addr       string `yaml:"addr" env:"AMOSKYS_REDIS_ADDR"`
	DB         int    `yaml:"db" env:"AMOSKYS_REDIS_DB"`
	WindowSecs int    `yaml:"window_secs" env:"AMOSKYS_REDIS_WINDOW_SECS"`
}

// AuditSinkConfig optionally mirrors accepted envelope metadata (never
// payload) into Postgres for long-term audit querying outside the dedupe
// window. Empty DSN disables it.
type AuditSinkConfig struct {
	DSN            string `yaml:"dsn" env:"AMOSKYS_AUDIT_DSN"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"AMOSKYS_AUDIT_MIGRATE_ON_START"`
}

// BusConfig configures the event bus server.
type BusConfig struct {
	ListenAddr       string          `yaml:"listen_addr" env:"AMOSKYS_BUS_LISTEN_ADDR"`
	MetricsAddr      string          `yaml:"metrics_addr" env:"AMOSKYS_BUS_METRICS_ADDR"`
	TLS              TLSConfig       `yaml:"tls"`
	Queue            QueueConfig     `yaml:"queue"`
	RegistryPath     string          `yaml:"registry_path" env:"AMOSKYS_BUS_REGISTRY_PATH"`
	DedupeWindowSecs int             `yaml:"dedupe_window_secs" env:"AMOSKYS_BUS_DEDUPE_WINDOW_SECS"`
	MaxSkewAheadSecs int             `yaml:"max_skew_ahead_secs" env:"AMOSKYS_BUS_MAX_SKEW_AHEAD_SECS"`
	MaxSkewBackSecs  int             `yaml:"max_skew_back_secs" env:"AMOSKYS_BUS_MAX_SKEW_BACK_SECS"`
	AdmissionRPS     float64         `yaml:"admission_rps" env:"AMOSKYS_BUS_ADMISSION_RPS"`
	AdmissionBurst   int             `yaml:"admission_burst" env:"AMOSKYS_BUS_ADMISSION_BURST"`
	Redis            RedisConfig     `yaml:"redis"`
	AuditSink        AuditSinkConfig `yaml:"audit_sink"`
}

// CircuitBreakerConfig mirrors internal/outbox.CircuitConfig's tunables.
type CircuitBreakerConfig struct {
	MaxFailures int `yaml:"max_failures" env:"AMOSKYS_AGENT_CB_MAX_FAILURES"`
	TimeoutSecs int `yaml:"timeout_secs" env:"AMOSKYS_AGENT_CB_TIMEOUT_SECS"`
	HalfOpenMax int `yaml:"half_open_max" env:"AMOSKYS_AGENT_CB_HALF_OPEN_MAX"`
}

// AgentConfig configures the agent outbox sender.
type AgentConfig struct {
	SourceID      string               `yaml:"source_id" env:"AMOSKYS_AGENT_SOURCE_ID"`
	BusAddr       string               `yaml:"bus_addr" env:"AMOSKYS_AGENT_BUS_ADDR"`
	TLS           TLSConfig            `yaml:"tls"`
	KeyDir        string               `yaml:"key_dir" env:"AMOSKYS_AGENT_KEY_DIR"`
	VaultURL      string               `yaml:"vault_url" env:"AMOSKYS_AGENT_VAULT_URL"`
	Queue         QueueConfig          `yaml:"queue"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	ObserveAddr   string               `yaml:"observe_addr" env:"AMOSKYS_AGENT_OBSERVE_ADDR"`
}

// FusionConfig configures the correlation engine.
type FusionConfig struct {
	BusQueuePath      string `yaml:"bus_queue_path" env:"AMOSKYS_FUSION_BUS_QUEUE_PATH"`
	RulesPath         string `yaml:"rules_path" env:"AMOSKYS_FUSION_RULES_PATH"`
	IncidentStorePath string `yaml:"incident_store_path" env:"AMOSKYS_FUSION_INCIDENT_STORE_PATH"`
	RiskHalfLifeSecs  int    `yaml:"risk_half_life_secs" env:"AMOSKYS_FUSION_RISK_HALF_LIFE_SECS"`
	MaintenanceCron   string `yaml:"maintenance_cron" env:"AMOSKYS_FUSION_MAINTENANCE_CRON"`
	GroupStateCap     int    `yaml:"group_state_cap" env:"AMOSKYS_FUSION_GROUP_STATE_CAP"`
	HTTPAddr          string `yaml:"http_addr" env:"AMOSKYS_FUSION_HTTP_ADDR"`
}

// Config is the top-level configuration shared by all three binaries; each
// binary reads only the section it needs.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Bus     BusConfig     `yaml:"bus"`
	Agent   AgentConfig   `yaml:"agent"`
	Fusion  FusionConfig  `yaml:"fusion"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "amoskys"},
		Bus: BusConfig{
			ListenAddr:       "0.0.0.0:9443",
			MetricsAddr:      "0.0.0.0:9090",
			Queue:            QueueConfig{Path: "data/bus-queue.db", MaxRecords: 100_000, MaxBytes: 512 << 20},
			DedupeWindowSecs: 24 * 3600,
			MaxSkewAheadSecs: 300,
			MaxSkewBackSecs:  24 * 3600,
			AdmissionRPS:     500,
			AdmissionBurst:   1000,
		},
		Agent: AgentConfig{
			Queue:          QueueConfig{Path: "data/agent-outbox.db", MaxRecords: 10_000, MaxBytes: 64 << 20},
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 5, TimeoutSecs: 15, HalfOpenMax: 1},
			ObserveAddr:    "0.0.0.0:9091",
		},
		Fusion: FusionConfig{
			IncidentStorePath: "data/fusion-incidents.db",
			RiskHalfLifeSecs:  24 * 3600,
			MaintenanceCron:   "@every 5m",
			GroupStateCap:     50_000,
			HTTPAddr:          "0.0.0.0:9092",
		},
	}
}

// Load reads the config file named by AMOSKYS_CONFIG (falling back to
// configs/amoskys.yaml), then overlays environment variables via envdecode.
// A .env file in the working directory is loaded first for local runs.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("AMOSKYS_CONFIG"))
	if path == "" {
		path = "configs/amoskys.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a specific YAML path, skipping the
// AMOSKYS_CONFIG/env-overlay machinery — used by tests and one-off tooling.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve path %s: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", expanded, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", expanded, err)
	}
	return nil
}
