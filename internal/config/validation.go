package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateRecovery(&c.Recovery)...)
	errs = append(errs, validateCommitment(&c.Commitment)...)
	errs = append(errs, validateAdversarial(&c.Adversarial)...)
	errs = append(errs, validateAnchors(&c.Anchors)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateHealth(&c.Health)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.MasterKeyPath == "" {
		errs = append(errs, *RequiredFieldError("storage.master_key_path"))
	}
	return errs
}

func validateRecovery(r *RecoveryConfig) ValidationErrors {
	var errs ValidationErrors
	if r.TimelineDays < 1 || r.TimelineDays > 30 {
		errs = append(errs, *RangeError("recovery.timeline_days", 1, 30))
	}
	if r.ChallengesPerDay < 1 || r.ChallengesPerDay > 24 {
		errs = append(errs, *RangeError("recovery.challenges_per_day", 1, 24))
	}
	if r.SimilarityThreshold <= 0 || r.SimilarityThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "recovery.similarity_threshold",
			Message: "must be in (0, 1]",
		})
	}
	if r.ExpiryGraceHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "recovery.expiry_grace_hours",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateCommitment(c *CommitmentConfig) ValidationErrors {
	var errs ValidationErrors
	switch c.Algorithm {
	case "", "mlkem768", "classical":
	default:
		errs = append(errs, ValidationError{
			Field:   "commitment.algorithm",
			Message: fmt.Sprintf("unknown algorithm %q (valid: mlkem768, classical)", c.Algorithm),
		})
	}
	if c.MinProfileQuality < 0 || c.MinProfileQuality > 1 {
		errs = append(errs, *RangeError("commitment.min_profile_quality", 0, 1))
	}
	if c.MinAgeHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "commitment.min_age_hours",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateAdversarial(a *AdversarialConfig) ValidationErrors {
	var errs ValidationErrors
	switch a.CacheBackend {
	case "", "sqlite", "memory":
	case "redis":
		if a.Redis.Addr == "" {
			errs = append(errs, ValidationError{
				Field:   "adversarial.redis.addr",
				Message: "address is required when cache_backend is 'redis'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "adversarial.cache_backend",
			Message: fmt.Sprintf("unknown backend %q (valid: sqlite, redis, memory)", a.CacheBackend),
		})
	}
	if a.ReplayWindowSec < 0 || a.CacheTTLHours < 0 || a.MaxClockSkewSec < 0 || a.MaxSessionMismatchSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "adversarial",
			Message: "durations cannot be negative",
		})
	}
	if a.CacheTTLHours > 0 && a.ReplayWindowSec > a.CacheTTLHours*3600 {
		errs = append(errs, ValidationError{
			Field:   "adversarial.replay_window_sec",
			Message: "replay window cannot exceed the cache TTL",
		})
	}
	return errs
}

func validateAnchors(a *AnchorConfig) ValidationErrors {
	var errs ValidationErrors
	if !a.Enabled {
		return errs
	}

	switch a.Transport {
	case "", "local":
	case "rpc":
		if len(a.RPC.Endpoints) == 0 {
			errs = append(errs, ValidationError{
				Field:   "anchors.rpc.endpoints",
				Message: "at least one endpoint is required when transport is 'rpc'",
			})
		}
		for i, e := range a.RPC.Endpoints {
			if !isValidURL(e) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("anchors.rpc.endpoints[%d]", i),
					Message: fmt.Sprintf("invalid URL: %s", e),
				})
			}
		}
		if a.RPC.TimeoutSec < 1 {
			errs = append(errs, ValidationError{
				Field:   "anchors.rpc.timeout_sec",
				Message: "timeout must be at least 1 second",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "anchors.transport",
			Message: fmt.Sprintf("unknown transport %q (valid: local, rpc)", a.Transport),
		})
	}

	if a.BatchIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "anchors.batch_interval_sec",
			Message: "interval must be at least 1 second",
		})
	}
	if a.MaxBatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "anchors.max_batch_size",
			Message: "batch size must be at least 1",
		})
	}
	if a.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "anchors.max_retries",
			Message: "cannot be negative",
		})
	}
	if a.RetryMaxSec > 0 && a.RetryBaseSec > a.RetryMaxSec {
		errs = append(errs, ValidationError{
			Field:   "anchors.retry_base_sec",
			Message: "base delay cannot exceed retry_max_sec",
		})
	}
	if a.SubmitsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "anchors.submits_per_minute",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors
	if s.KeyPath == "" {
		errs = append(errs, *RequiredFieldError("signing.key_path"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging",
			Message: "retention cannot be negative",
		})
	}
	return errs
}

func validateHealth(h *HealthConfig) ValidationErrors {
	var errs ValidationErrors
	if h.Listen != "" {
		if _, _, err := net.SplitHostPort(h.Listen); err != nil {
			errs = append(errs, ValidationError{
				Field:   "health.listen",
				Message: fmt.Sprintf("invalid address %q: %v", h.Listen, err),
			})
		}
	}
	if h.MaxAnchorLagMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "health.max_anchor_lag_min",
			Message: "cannot be negative",
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a missing required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
