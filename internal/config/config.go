// Package config handles configuration loading, validation, and management for recoveryd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"recoveryd/internal/adversarial"
	"recoveryd/internal/anchors"
	"recoveryd/internal/challenge"
	"recoveryd/internal/commitment"
	"recoveryd/internal/logging"
	"recoveryd/internal/recovery"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Recovery    RecoveryConfig    `toml:"recovery" json:"recovery" yaml:"recovery"`
	Commitment  CommitmentConfig  `toml:"commitment" json:"commitment" yaml:"commitment"`
	Adversarial AdversarialConfig `toml:"adversarial" json:"adversarial" yaml:"adversarial"`
	Anchors     AnchorConfig      `toml:"anchors" json:"anchors" yaml:"anchors"`
	Signing     SigningConfig     `toml:"signing" json:"signing" yaml:"signing"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Health      HealthConfig      `toml:"health" json:"health" yaml:"health"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MasterKeyPath is the key-encryption key used to wrap commitment
	// private keys. Created with mode 0600 on first start.
	MasterKeyPath string `toml:"master_key_path" json:"master_key_path" yaml:"master_key_path"`
}

// RecoveryConfig holds the recovery policy.
type RecoveryConfig struct {
	TimelineDays        int     `toml:"timeline_days" json:"timeline_days" yaml:"timeline_days"`
	ChallengesPerDay    int     `toml:"challenges_per_day" json:"challenges_per_day" yaml:"challenges_per_day"`
	SimilarityThreshold float64 `toml:"similarity_threshold" json:"similarity_threshold" yaml:"similarity_threshold"`

	// ExpiryGraceHours extends an attempt past its expected completion.
	ExpiryGraceHours int `toml:"expiry_grace_hours" json:"expiry_grace_hours" yaml:"expiry_grace_hours"`

	// EnforceDailyQuota stops issuing challenges once a day's share is done.
	EnforceDailyQuota bool `toml:"enforce_daily_quota" json:"enforce_daily_quota" yaml:"enforce_daily_quota"`

	RequireAllChallenges                  bool `toml:"require_all_challenges" json:"require_all_challenges" yaml:"require_all_challenges"`
	RequireAdditionalVerificationOnDuress bool `toml:"require_additional_verification_on_duress" json:"require_additional_verification_on_duress" yaml:"require_additional_verification_on_duress"`
}

// CommitmentConfig holds enrollment settings.
type CommitmentConfig struct {
	// Algorithm is "mlkem768" (default) or "classical".
	Algorithm         string  `toml:"algorithm" json:"algorithm" yaml:"algorithm"`
	MinProfileQuality float64 `toml:"min_profile_quality" json:"min_profile_quality" yaml:"min_profile_quality"`

	// MinAgeHours locks new commitments against verification until they
	// are this old. Zero disables the rule.
	MinAgeHours int `toml:"min_age_hours" json:"min_age_hours" yaml:"min_age_hours"`
}

// AdversarialConfig holds replay detection settings.
type AdversarialConfig struct {
	// CacheBackend is "sqlite" (the service database), "redis" (shared
	// between nodes) or "memory" (one process only).
	CacheBackend          string      `toml:"cache_backend" json:"cache_backend" yaml:"cache_backend"`
	ReplayWindowSec       int         `toml:"replay_window_sec" json:"replay_window_sec" yaml:"replay_window_sec"`
	CacheTTLHours         int         `toml:"cache_ttl_hours" json:"cache_ttl_hours" yaml:"cache_ttl_hours"`
	MaxClockSkewSec       int         `toml:"max_clock_skew_sec" json:"max_clock_skew_sec" yaml:"max_clock_skew_sec"`
	MaxSessionMismatchSec int         `toml:"max_session_mismatch_sec" json:"max_session_mismatch_sec" yaml:"max_session_mismatch_sec"`
	Redis                 RedisConfig `toml:"redis" json:"redis" yaml:"redis"`
}

// RedisConfig locates the shared replay cache.
type RedisConfig struct {
	Addr      string `toml:"addr" json:"addr" yaml:"addr"`
	Password  string `toml:"password" json:"password" yaml:"password"`
	DB        int    `toml:"db" json:"db" yaml:"db"`
	KeyPrefix string `toml:"key_prefix" json:"key_prefix" yaml:"key_prefix"`
}

// AnchorConfig holds Merkle batch anchoring configuration.
type AnchorConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Transport is "local" or "rpc".
	Transport string `toml:"transport" json:"transport" yaml:"transport"`

	BatchIntervalSec int     `toml:"batch_interval_sec" json:"batch_interval_sec" yaml:"batch_interval_sec"`
	MaxBatchSize     int     `toml:"max_batch_size" json:"max_batch_size" yaml:"max_batch_size"`
	MaxRetries       int     `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	RetryBaseSec     int     `toml:"retry_base_sec" json:"retry_base_sec" yaml:"retry_base_sec"`
	RetryMaxSec      int     `toml:"retry_max_sec" json:"retry_max_sec" yaml:"retry_max_sec"`
	SubmitsPerMinute float64 `toml:"submits_per_minute" json:"submits_per_minute" yaml:"submits_per_minute"`

	RPC RPCConfig `toml:"rpc" json:"rpc" yaml:"rpc"`

	// RPCURL is the single endpoint of version 1 configs.
	RPCURL string `toml:"rpc_url,omitempty" json:"rpc_url,omitempty" yaml:"rpc_url,omitempty"`
}

// RPCConfig configures the JSON-RPC anchor transport.
type RPCConfig struct {
	Endpoints  []string `toml:"endpoints" json:"endpoints" yaml:"endpoints"`
	Network    string   `toml:"network" json:"network" yaml:"network"`
	TimeoutSec int      `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// SigningConfig holds the anchor root signing key.
type SigningConfig struct {
	KeyPath       string `toml:"key_path" json:"key_path" yaml:"key_path"`
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	AuditPath  string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	// Listen is the address of the /livez, /readyz and /healthz server.
	// Empty disables it.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// MaxAnchorLagMin degrades health when a commitment has waited longer
	// than this to be anchored. Zero disables the rule.
	MaxAnchorLagMin int `toml:"max_anchor_lag_min" json:"max_anchor_lag_min" yaml:"max_anchor_lag_min"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "recovery.db"),
			MasterKeyPath: filepath.Join(dir, "master.key"),
		},
		Recovery: RecoveryConfig{
			TimelineDays:         5,
			ChallengesPerDay:     4,
			SimilarityThreshold:  0.87,
			ExpiryGraceHours:     24,
			RequireAllChallenges: true,
		},
		Commitment: CommitmentConfig{
			Algorithm:         "mlkem768",
			MinProfileQuality: 0.70,
		},
		Adversarial: AdversarialConfig{
			CacheBackend:          "sqlite",
			ReplayWindowSec:       3600,
			CacheTTLHours:         24,
			MaxClockSkewSec:       3600,
			MaxSessionMismatchSec: 60,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "recoveryd:replay:",
			},
		},
		Anchors: AnchorConfig{
			Enabled:          true,
			Transport:        "local",
			BatchIntervalSec: 60,
			MaxBatchSize:     256,
			MaxRetries:       8,
			RetryBaseSec:     30,
			RetryMaxSec:      3600,
			SubmitsPerMinute: 6,
			RPC: RPCConfig{
				Endpoints:  []string{},
				Network:    "mainnet",
				TimeoutSec: 30,
			},
		},
		Signing: SigningConfig{
			KeyPath:       filepath.Join(dir, "anchor_signing_key"),
			PublicKeyPath: filepath.Join(dir, "anchor_signing_key.pub"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "recoveryd.log"),
			AuditPath:  filepath.Join(dir, "logs", "audit.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Health: HealthConfig{
			Listen:          "127.0.0.1:8086",
			MaxAnchorLagMin: 120,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path and upgrades older schemas in memory.
// A missing file yields the defaults. TOML, JSON and YAML are selected by
// file extension. Load does not validate; see Loader for that.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := MigrateConfig(cfg, ""); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func decode(ext string, data []byte, cfg *Config) error {
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.MasterKeyPath),
		filepath.Dir(c.Signing.KeyPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies RECOVERYD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RECOVERYD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RECOVERYD_MASTER_KEY_PATH"); v != "" {
		c.Storage.MasterKeyPath = v
	}
	if v := os.Getenv("RECOVERYD_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}
	if v := os.Getenv("RECOVERYD_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Recovery.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("RECOVERYD_COMMITMENT_ALGORITHM"); v != "" {
		c.Commitment.Algorithm = v
	}

	// Secrets are expected from the environment rather than the file.
	if v := os.Getenv("RECOVERYD_REDIS_ADDR"); v != "" {
		c.Adversarial.Redis.Addr = v
		c.Adversarial.CacheBackend = "redis"
	}
	if v := os.Getenv("RECOVERYD_REDIS_PASSWORD"); v != "" {
		c.Adversarial.Redis.Password = v
	}
	if v := os.Getenv("RECOVERYD_ANCHOR_ENDPOINTS"); v != "" {
		var endpoints []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		c.Anchors.RPC.Endpoints = endpoints
		c.Anchors.Transport = "rpc"
	}

	if v := os.Getenv("RECOVERYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RECOVERYD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Anchors.RPC.Endpoints = append([]string{}, c.Anchors.RPC.Endpoints...)
	return &clone
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// RecoveryPolicy returns the orchestrator rules.
func (c *Config) RecoveryPolicy() recovery.Policy {
	r := c.Recovery
	return recovery.Policy{
		TimelineDays:                          r.TimelineDays,
		ChallengesPerDay:                      r.ChallengesPerDay,
		SimilarityThreshold:                   r.SimilarityThreshold,
		ExpiryGrace:                           time.Duration(r.ExpiryGraceHours) * time.Hour,
		RequireAllChallenges:                  r.RequireAllChallenges,
		RequireAdditionalVerificationOnDuress: r.RequireAdditionalVerificationOnDuress,
	}
}

// ChallengeConfig returns the challenge generator settings.
func (c *Config) ChallengeConfig() challenge.Config {
	return challenge.Config{
		ChallengesPerDay:  c.Recovery.ChallengesPerDay,
		EnforceDailyQuota: c.Recovery.EnforceDailyQuota,
	}
}

// CommitmentServiceConfig returns the commitment service settings.
func (c *Config) CommitmentServiceConfig() commitment.Config {
	return commitment.Config{
		MinQuality:       c.Commitment.MinProfileQuality,
		DefaultThreshold: c.Recovery.SimilarityThreshold,
		MinAgeHours:      c.Commitment.MinAgeHours,
	}
}

// DetectorConfig returns the adversarial thresholds. Values not exposed in
// the file keep their defaults.
func (c *Config) DetectorConfig() adversarial.Config {
	d := adversarial.DefaultConfig()
	a := c.Adversarial
	if a.ReplayWindowSec > 0 {
		d.ReplayWindow = seconds(a.ReplayWindowSec)
	}
	if a.CacheTTLHours > 0 {
		d.CacheTTL = time.Duration(a.CacheTTLHours) * time.Hour
	}
	if a.MaxClockSkewSec > 0 {
		d.MaxClockSkew = seconds(a.MaxClockSkewSec)
	}
	if a.MaxSessionMismatchSec > 0 {
		d.MaxSessionMismatch = seconds(a.MaxSessionMismatchSec)
	}
	return d
}

// BatcherConfig returns the anchoring job settings.
func (c *Config) BatcherConfig() anchors.BatcherConfig {
	b := anchors.DefaultBatcherConfig()
	a := c.Anchors
	b.Interval = seconds(a.BatchIntervalSec)
	b.MaxBatchSize = a.MaxBatchSize
	b.MaxRetries = a.MaxRetries
	b.RetryBaseDelay = seconds(a.RetryBaseSec)
	b.RetryMaxDelay = seconds(a.RetryMaxSec)
	b.SubmitsPerMinute = a.SubmitsPerMinute
	return b
}

// NewTransport builds the configured anchor transport.
func (c *Config) NewTransport() (anchors.Transport, error) {
	switch c.Anchors.Transport {
	case "", "local":
		return anchors.NewLocalLedger(), nil
	case "rpc":
		if len(c.Anchors.RPC.Endpoints) == 0 {
			return nil, anchors.ErrNoEndpoints
		}
		return anchors.NewRPCTransport(c.Anchors.RPC.Endpoints, c.Anchors.RPC.Network, seconds(c.Anchors.RPC.TimeoutSec)), nil
	}
	return nil, fmt.Errorf("unknown anchor transport %q", c.Anchors.Transport)
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  "recoveryd",
	}, nil
}

// AuditConfig converts the audit log settings.
func (c *Config) AuditConfig() *logging.AuditLoggerConfig {
	a := logging.DefaultAuditConfig()
	if c.Logging.AuditPath != "" {
		a.FilePath = c.Logging.AuditPath
	}
	a.Compress = c.Logging.Compress
	return a
}
