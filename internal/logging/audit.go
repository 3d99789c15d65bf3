package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"recoveryd/internal/store"
)

// Service event types written next to recovery events.
const (
	AuditEventStartup      = "service_startup"
	AuditEventShutdown     = "service_shutdown"
	AuditEventConfigChange = "config_change"
	AuditEventKeyGenerated = "key_generated"
)

// AuditRecord is one line of the audit log.
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Component string         `json:"component"`
	AttemptID string         `json:"attempt_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(filepath.Dir(defaultLogPath()), "audit.log"),
		MaxSize:    50,
		MaxAge:     365,
		MaxBackups: 20,
		Compress:   true,
		Component:  "recoveryd",
	}
}

// AuditLogger mirrors audit entries into a JSON-lines file. The database
// audit table is authoritative; write failures here are logged and dropped.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewAuditLogger opens the audit log file.
func NewAuditLogger(cfg *AuditLoggerConfig, logger *slog.Logger) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}, nil
}

// Log writes one record.
func (a *AuditLogger) Log(ctx context.Context, rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now().UTC()
	}
	if rec.Component == "" {
		rec.Component = a.config.Component
	}
	if rec.Severity == "" {
		rec.Severity = string(store.SeverityInfo)
	}
	if rec.RequestID == "" {
		rec.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Emit mirrors a persisted recovery audit entry.
func (a *AuditLogger) Emit(ctx context.Context, e *store.AuditEntry) {
	if e == nil {
		return
	}
	rec := AuditRecord{
		EventType: e.EventType,
		Severity:  string(e.Severity),
		AttemptID: e.AttemptID,
		UserID:    e.UserID,
		SourceIP:  e.IP,
		UserAgent: e.UserAgent,
		Details:   e.Details,
	}
	if !e.CreatedAt.IsZero() {
		rec.Timestamp = e.CreatedAt.UTC()
	}
	if err := a.Log(ctx, rec); err != nil {
		a.logger.Warn("audit mirror write failed", "event", e.EventType, "error", err)
	}
}

// LogStartup records a service start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	details["pid"] = os.Getpid()
	return a.Log(ctx, AuditRecord{EventType: AuditEventStartup, Details: details})
}

// LogShutdown records a service stop.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditRecord{
		EventType: AuditEventShutdown,
		Details:   map[string]any{"reason": reason},
	})
}

// LogConfigChange records a reloaded setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting string, oldValue, newValue any) error {
	return a.Log(ctx, AuditRecord{
		EventType: AuditEventConfigChange,
		Severity:  string(store.SeverityWarning),
		Details:   map[string]any{"setting": setting, "old": oldValue, "new": newValue},
	})
}

// LogKeyGenerated records creation of a service key.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, keyType, path string) error {
	return a.Log(ctx, AuditRecord{
		EventType: AuditEventKeyGenerated,
		Severity:  string(store.SeverityWarning),
		Details:   map[string]any{"key_type": keyType, "path": path},
	})
}

// Close flushes and closes the audit file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotator.Close()
}

// Sync flushes the audit file.
func (a *AuditLogger) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotator.Sync()
}
