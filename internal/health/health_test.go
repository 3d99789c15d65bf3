package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryd/internal/store"
)

type fakeOutbox struct {
	rows map[string][]*store.PendingCommitment
	err  error
}

func (f *fakeOutbox) PendingByStatus(ctx context.Context, status string) ([]*store.PendingCommitment, error) {
	return f.rows[status], f.err
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, func(ctx context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	c.RegisterFunc("cache", false, func(ctx context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })

	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("keys", true, func(ctx context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(ctx context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "boom", results["broken"].Error)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("database", func(ctx context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck("replay cache", func(ctx context.Context) error { return errors.New("connection refused") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "replay cache unreachable", bad.Message)
}

func TestAnchorBacklogCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	empty := &fakeOutbox{}
	assert.Equal(t, StatusHealthy, AnchorBacklogCheck(empty, time.Hour, clock)(ctx).Status)

	behind := &fakeOutbox{rows: map[string][]*store.PendingCommitment{
		store.PendingStatusPending: {{CommitmentID: "c1", EnqueuedAt: now.Add(-2 * time.Hour)}},
	}}
	r := AnchorBacklogCheck(behind, time.Hour, clock)(ctx)
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "2h0m0s", r.Details["oldest_pending"])

	failed := &fakeOutbox{rows: map[string][]*store.PendingCommitment{
		store.PendingStatusFailed: {{CommitmentID: "c2"}},
	}}
	r = AnchorBacklogCheck(failed, 0, clock)(ctx)
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, 1, r.Details["failed"])

	broken := &fakeOutbox{err: errors.New("database is locked")}
	assert.Equal(t, StatusUnhealthy, AnchorBacklogCheck(broken, 0, clock)(ctx).Status)
}

func TestKeyFileCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.key")
	ctx := context.Background()

	assert.Equal(t, StatusUnhealthy, KeyFileCheck(path)(ctx).Status)

	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0600))
	assert.Equal(t, StatusHealthy, KeyFileCheck(path)(ctx).Status)

	require.NoError(t, os.Chmod(path, 0644))
	assert.Equal(t, StatusDegraded, KeyFileCheck(path)(ctx).Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, func(ctx context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	get := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, _ := get("/livez")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	c.SetReady(true)
	resp, body := get("/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["components"], "db")
}
