package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recoveryd/internal/store"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("expected json format, got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("expected text format, got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml format")
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("RECOVERYD_DATA_DIR", "/var/lib/recoveryd")
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.FilePath != "/var/lib/recoveryd/logs/recoveryd.log" {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := map[string]bool{
		"password":          true,
		"new_secret":        true,
		"credential_hash":   true,
		"private_key":       true,
		"master_key_path":   true,
		"response":          true,
		"attempt_id":        false,
		"similarity_score":  false,
		"challenge_type":    false,
		"duress_indicators": false,
	}
	for key, want := range tests {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestHandlerRedactsAndTagsService(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	logger := slog.New(NewHandler(&buf, cfg))

	logger.Info("credential reset", "attempt_id", "a-1", "new_secret", "hunter2")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rec["new_secret"] != "[REDACTED]" {
		t.Errorf("secret not redacted: %v", rec["new_secret"])
	}
	if rec["attempt_id"] != "a-1" {
		t.Errorf("attempt_id = %v", rec["attempt_id"])
	}
	if rec["service"] != "recoveryd" {
		t.Errorf("service = %v", rec["service"])
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Error("secret leaked into output")
	}
}

func TestLoggerToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = FormatJSON
	cfg.FilePath = filepath.Join(t.TempDir(), "recoveryd.log")

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.WithComponent("anchors").WithRequestID("req-7").Info("anchored commitment batch", "batch_size", 5)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{`"component":"anchors"`, `"request_id":"req-7"`, `"batch_size":5`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log missing %s: %s", want, data)
		}
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-42")
	if got := RequestIDFromContext(ctx); got != "req-42" {
		t.Errorf("expected req-42, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
	//nolint:staticcheck
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty request ID for nil context, got %q", got)
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	l, err := New(&Config{Output: "stdout", Component: "recoveryd"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := l.WithComponent("x").NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request ID %s", id)
		}
		seen[id] = true
	}
}

func TestFileRotatorRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r, err := newFileRotator(&Config{
		FilePath:   filepath.Join(dir, "audit.log"),
		MaxSize:    1,
		MaxBackups: 10,
	}, func() time.Time { clock = clock.Add(time.Millisecond); return clock })
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files, err := r.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("expected current file plus 2 rotated, got %v", files)
	}
}

func TestFileRotatorRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	r, err := newFileRotator(&Config{FilePath: filepath.Join(dir, "recoveryd.log"), MaxSize: 100},
		func() time.Time { return clock })
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}
	defer r.Close()

	if r.shouldRotate(10) {
		t.Error("fresh empty file should not rotate")
	}
	clock = clock.Add(2 * time.Hour)
	if r.shouldRotate(10) {
		t.Error("empty file from yesterday should not rotate")
	}

	if _, err := r.Write([]byte("first line\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if r.shouldRotate(10) {
		t.Error("file written today should not rotate")
	}
	clock = clock.Add(24 * time.Hour)
	if !r.shouldRotate(10) {
		t.Error("file from yesterday should rotate")
	}
}

func TestFileRotatorSkipsEmptyFileAcrossDays(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := newFileRotator(&Config{FilePath: filepath.Join(dir, "recoveryd.log"), MaxSize: 100},
		func() time.Time { return clock })
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}

	clock = clock.AddDate(0, 0, 3)
	if _, err := r.Write([]byte("after a quiet weekend\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files, err := r.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected no rotated files, got %v", files)
	}
}

func TestAuditLoggerEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := DefaultAuditConfig()
	cfg.FilePath = path

	a, err := NewAuditLogger(cfg, nil)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	created := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	a.Emit(ctx, &store.AuditEntry{
		EventType: "replay_detected",
		Severity:  store.SeverityCritical,
		AttemptID: "attempt-1",
		UserID:    "user-1",
		IP:        "203.0.113.9",
		Details:   map[string]any{"overall_risk": 0.9},
		CreatedAt: created,
	})
	a.Emit(ctx, nil)
	if err := a.LogStartup(ctx, "test", nil); err != nil {
		t.Fatalf("LogStartup failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var records []AuditRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("invalid audit line %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.EventType != "replay_detected" || first.Severity != "critical" {
		t.Errorf("unexpected record %+v", first)
	}
	if !first.Timestamp.Equal(created) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp, created)
	}
	if first.RequestID != "req-1" || first.SourceIP != "203.0.113.9" {
		t.Errorf("context fields missing: %+v", first)
	}
	if records[1].EventType != AuditEventStartup || records[1].Severity != "info" {
		t.Errorf("unexpected startup record %+v", records[1])
	}
}
