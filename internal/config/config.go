// Package config loads pipeline configuration from defaults, an optional
// YAML file and CASCADE_-prefixed environment variables, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ServerConfig holds the control-plane HTTP/WS listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"gte=1,lte=65535"`
}

// RedisConfig holds connection settings for the remote stream store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// StreamsConfig bounds stream length and consume behaviour for every tier.
type StreamsConfig struct {
	MaxLen       int64         `mapstructure:"max_len" validate:"gte=1"`
	ConsumeCount int64         `mapstructure:"consume_count" validate:"gte=1"`
	ConsumeBlock time.Duration `mapstructure:"consume_block"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	Retention    time.Duration `mapstructure:"retention"`
}

// ScannersConfig configures tier 4.
type ScannersConfig struct {
	Count             int           `mapstructure:"count" validate:"gte=1"`
	MaxSymbols        int           `mapstructure:"max_symbols" validate:"gte=1"`
	LightInterval     time.Duration `mapstructure:"light_interval"`
	DeepInterval      time.Duration `mapstructure:"deep_interval"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	MinPrice          float64       `mapstructure:"min_price" validate:"gte=0"`
	MinVolume         float64       `mapstructure:"min_volume" validate:"gte=0"`
	MinChangePct      float64       `mapstructure:"min_change_pct" validate:"gte=0"`
	DeepScanThreshold float64       `mapstructure:"deep_scan_threshold" validate:"gte=0,lte=100"`
}

// SupervisorsConfig configures tier 3.
type SupervisorsConfig struct {
	Count             int           `mapstructure:"count" validate:"gte=1"`
	MinScore          float64       `mapstructure:"min_score" validate:"gte=0,lte=100"`
	MinReliability    float64       `mapstructure:"min_reliability" validate:"gte=0,lte=1"`
	MinConsensus      float64       `mapstructure:"min_consensus" validate:"gte=0,lte=1"`
	ConsensusBand     float64       `mapstructure:"consensus_band" validate:"gte=0,lte=100"`
	ReliabilityWindow time.Duration `mapstructure:"reliability_window"`
}

// ValidatorsConfig configures tier 2.
type ValidatorsConfig struct {
	Count              int                `mapstructure:"count" validate:"gte=1"`
	MaxSectorPositions int                `mapstructure:"max_sector_positions" validate:"gte=1"`
	RiskCeiling        float64            `mapstructure:"risk_ceiling" validate:"gte=0,lte=1"`
	DefaultSectorLimit float64            `mapstructure:"default_sector_limit" validate:"gt=0,lte=1"`
	SectorLimits       map[string]float64 `mapstructure:"sector_limits"`
	NominalPositionPct float64            `mapstructure:"nominal_position_pct" validate:"gt=0,lte=1"`
}

// AuthorityConfig configures tier 1 and the optional LLM decision backend.
type AuthorityConfig struct {
	MinConfidence   float64       `mapstructure:"min_confidence" validate:"gte=0,lte=100"`
	PositionSizePct float64       `mapstructure:"position_size_pct" validate:"gt=0,lte=1"`
	MaxLossPct      float64       `mapstructure:"max_loss_pct" validate:"gt=0,lte=1"`
	LLMEndpoint     string        `mapstructure:"llm_endpoint"`
	LLMAPIKey       string        `mapstructure:"llm_api_key"`
	LLMModel        string        `mapstructure:"llm_model"`
	LLMTimeout      time.Duration `mapstructure:"llm_timeout"`
}

// OrchestratorConfig configures the lifecycle loops.
type OrchestratorConfig struct {
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	StatsInterval       time.Duration `mapstructure:"stats_interval"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout"`
	MaxRestartsPerCycle int           `mapstructure:"max_restarts_per_cycle" validate:"gte=1"`
}

// BridgeConfig lists the streams fanned out to WebSocket subscribers.
type BridgeConfig struct {
	Streams []string `mapstructure:"streams"`
}

// KafkaConfig configures the optional final-stream mirror. Empty broker
// list disables it.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel     string              `mapstructure:"log_level"`
	Server       ServerConfig        `mapstructure:"server"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Streams      StreamsConfig       `mapstructure:"streams"`
	Scanners     ScannersConfig      `mapstructure:"scanners"`
	Supervisors  SupervisorsConfig   `mapstructure:"supervisors"`
	Validators   ValidatorsConfig    `mapstructure:"validators"`
	Authority    AuthorityConfig     `mapstructure:"authority"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	Bridge       BridgeConfig        `mapstructure:"bridge"`
	Kafka        KafkaConfig         `mapstructure:"kafka"`
	Sectors      map[string][]string `mapstructure:"sectors"`
}

// Universe returns every tracked symbol across all sectors, ordered by
// sector name then position so scanner partitions are stable run to run.
func (c *Config) Universe() []string {
	sectors := make([]string, 0, len(c.Sectors))
	for name := range c.Sectors {
		sectors = append(sectors, name)
	}
	sort.Strings(sectors)

	var symbols []string
	for _, name := range sectors {
		symbols = append(symbols, c.Sectors[name]...)
	}
	return symbols
}

// SectorOf resolves a symbol to its sector, or "" when untracked.
func (c *Config) SectorOf(symbol string) string {
	for sector, symbols := range c.Sectors {
		for _, s := range symbols {
			if s == symbol {
				return sector
			}
		}
	}
	return ""
}

// SectorLimit returns the exposure limit for a sector, falling back to the
// default when the sector has no specific entry.
func (c *Config) SectorLimit(sector string) float64 {
	if limit, ok := c.Validators.SectorLimits[sector]; ok {
		return limit
	}
	return c.Validators.DefaultSectorLimit
}

var validate = validator.New()

// Manager owns the viper instance so the file watcher can re-unmarshal on
// change.
type Manager struct {
	v      *viper.Viper
	logger *zap.Logger

	mu  sync.RWMutex
	cfg *Config
}

// NewManager creates a config manager bound to the given logger.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{v: viper.New(), logger: logger}
}

// Load reads configuration. path may be empty, in which case only
// ./config.yaml is tried; a missing file is not an error.
func (m *Manager) Load(path string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	setDefaults(m.v)

	m.v.SetEnvPrefix("CASCADE")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	if path != "" {
		m.v.SetConfigFile(path)
	} else {
		m.v.SetConfigName("config")
		m.v.SetConfigType("yaml")
		m.v.AddConfigPath(".")
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			m.logger.Debug("no config file found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return cfg, nil
}

func (m *Manager) unmarshal() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Config returns the most recently loaded configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch re-reads the config file whenever it changes on disk and hands the
// fresh document to onChange. Running components read their settings at
// start, so callers typically log and apply on the next restart.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.mu.Lock()
		cfg, err := m.unmarshal()
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		m.cfg = cfg
		m.mu.Unlock()

		m.logger.Info("configuration file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}

