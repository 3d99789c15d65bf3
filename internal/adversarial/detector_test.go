package adversarial

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryd/internal/behavior"
	"recoveryd/internal/store"
)

func humanTyping() *behavior.TypingSample {
	return &behavior.TypingSample{
		WPM:                62.4,
		ErrorRate:          0.04,
		ErrorCount:         3,
		CharacterCount:     180,
		RhythmVariability:  0.32,
		RhythmRegularity:   0.61,
		BackspaceFrequency: 0.06,
		DwellMeanMs:        96.3,
		FlightMeanMs:       128.9,
		KeyIntervalsMs:     []float64{121.4, 98.2, 143.7, 110.1},
		SessionDurationSec: 41.5,
	}
}

func humanMouse() *behavior.MouseSample {
	return &behavior.MouseSample{
		AvgVelocity:             1.7,
		MaxVelocity:             6.2,
		Jitter:                  0.12,
		Smoothness:              0.74,
		Straightness:            0.81,
		AccelerationVariability: 0.28,
		PauseFrequency:          0.15,
		MicroMovements:          37,
		TotalMovements:          220,
		MoveIntervalsMs:         []float64{16.4, 17.1, 15.9},
		SessionDurationSec:      55.2,
	}
}

func newTestDetector(t *testing.T) (*Detector, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	d := NewDetector(nil, DefaultConfig(), nil)
	d.now = func() time.Time { return clock }
	d.cache.(*MemoryCache).now = func() time.Time { return clock }
	return d, &clock
}

func TestCheckHumanSubmissionIsSafe(t *testing.T) {
	d, _ := newTestDetector(t)
	data := &behavior.Data{Typing: humanTyping(), Mouse: humanMouse()}

	a, err := d.Check(context.Background(), "user-1", []byte(`{"n":1}`), data)
	require.NoError(t, err)
	assert.True(t, a.Safe)
	assert.Zero(t, a.OverallRisk)
	assert.Empty(t, a.Issues)
}

func TestCheckReplayWithinWindow(t *testing.T) {
	d, clock := newTestDetector(t)
	ctx := context.Background()
	data := &behavior.Data{Typing: humanTyping()}
	raw := []byte(`{"typing":{"wpm":62.4}}`)

	first, err := d.Check(ctx, "user-1", raw, data)
	require.NoError(t, err)
	require.True(t, first.Safe)

	*clock = clock.Add(30 * time.Minute)
	second, err := d.Check(ctx, "user-1", raw, data)
	require.NoError(t, err)
	assert.False(t, second.Safe)
	assert.True(t, second.Has(KindReplay))
	assert.InDelta(t, 0.9, second.OverallRisk, 1e-9)
	assert.Contains(t, second.Reason(), "replay")

	// Another user sending the same bytes is not a replay of the first.
	other, err := d.Check(ctx, "user-2", raw, data)
	require.NoError(t, err)
	assert.True(t, other.Safe)
}

func TestCheckReplayOutsideWindow(t *testing.T) {
	d, clock := newTestDetector(t)
	ctx := context.Background()
	data := &behavior.Data{Typing: humanTyping()}
	raw := []byte(`{"typing":{"wpm":62.4}}`)

	_, err := d.Check(ctx, "user-1", raw, data)
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Hour)
	a, err := d.Check(ctx, "user-1", raw, data)
	require.NoError(t, err)
	assert.True(t, a.Safe)
}

func TestCheckTemporalConsistency(t *testing.T) {
	d, clock := newTestDetector(t)
	ctx := context.Background()

	stale := clock.Add(-3 * time.Hour)
	a, err := d.Check(ctx, "user-1", []byte("a"), &behavior.Data{ClientTimestamp: &stale, Typing: humanTyping()})
	require.NoError(t, err)
	assert.True(t, a.Has(KindReplay))
	assert.InDelta(t, 0.7, a.OverallRisk, 1e-9)

	typing := humanTyping()
	mouse := humanMouse()
	typing.SessionDurationSec = 30
	mouse.SessionDurationSec = 120
	a, err = d.Check(ctx, "user-1", []byte("b"), &behavior.Data{Typing: typing, Mouse: mouse})
	require.NoError(t, err)
	assert.True(t, a.Has(KindReplay))
	assert.InDelta(t, 0.7, a.OverallRisk, 1e-9)

	// Flagged payloads are not cached, so a fixed resubmission is judged afresh.
	fresh := *clock
	a, err = d.Check(ctx, "user-1", []byte("a"), &behavior.Data{ClientTimestamp: &fresh, Typing: humanTyping()})
	require.NoError(t, err)
	assert.True(t, a.Safe)
}

func TestCheckSpoofing(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()

	typing := humanTyping()
	typing.WPM = 240
	typing.RhythmRegularity = 0.995
	a, err := d.Check(ctx, "user-1", []byte("t"), &behavior.Data{Typing: typing})
	require.NoError(t, err)
	assert.False(t, a.Safe)
	require.True(t, a.Has(KindSpoofing))
	// The duress variant also counts the abnormal speed, but one indicator
	// is not enough to flag it.
	assert.False(t, a.Has(KindDuress))
	assert.InDelta(t, 0.6, a.OverallRisk, 1e-9)

	typing = humanTyping()
	typing.CharacterCount = 400
	typing.ErrorCount = 0
	typing.ErrorRate = 0
	mouse := humanMouse()
	mouse.MaxVelocity = 75
	mouse.Straightness = 0.999
	mouse.MicroMovements = 0
	a, err = d.Check(ctx, "user-1", []byte("m"), &behavior.Data{Typing: typing, Mouse: mouse})
	require.NoError(t, err)
	assert.True(t, a.Has(KindSpoofing))
	assert.InDelta(t, 1.0, a.OverallRisk, 1e-9)
}

func TestCheckSpoofingIgnoresOmittedMicroMovements(t *testing.T) {
	d, _ := newTestDetector(t)
	raw := []byte(`{"mouse": {"avg_velocity": 1.5, "max_velocity": 6.1, "straightness": 0.82, "total_movements": 240}}`)
	data, err := behavior.DecodeData(raw)
	require.NoError(t, err)

	a, err := d.Check(context.Background(), "user-1", raw, data)
	require.NoError(t, err)
	assert.True(t, a.Safe, "issues: %v", a.Issues)

	mouse := humanMouse()
	mouse.MicroMovements = 0
	a, err = d.Check(context.Background(), "user-1", []byte("zero"), &behavior.Data{Mouse: mouse})
	require.NoError(t, err)
	assert.True(t, a.Has(KindSpoofing))
}

func TestCheckSyntheticTimings(t *testing.T) {
	d, _ := newTestDetector(t)
	typing := humanTyping()
	typing.KeyIntervalsMs = []float64{100, 120, 100, 110, 100, 120}

	a, err := d.Check(context.Background(), "user-1", []byte("s"), &behavior.Data{Typing: typing})
	require.NoError(t, err)
	require.True(t, a.Has(KindSpoofing))
	assert.Equal(t, []string{"synthetic_timings"}, a.Issues[0].Evidence["flags"])

	typing.KeyIntervalsMs = typing.KeyIntervalsMs[:5]
	a, err = d.Check(context.Background(), "user-1", []byte("s2"), &behavior.Data{Typing: typing})
	require.NoError(t, err)
	assert.True(t, a.Safe)
}

func TestCheckDuressIndicators(t *testing.T) {
	d, _ := newTestDetector(t)
	typing := humanTyping()
	typing.ErrorRate = 0.22
	mouse := humanMouse()
	mouse.Jitter = 0.65
	mouse.AccelerationVariability = 0.9

	a, err := d.Check(context.Background(), "user-1", []byte("d"), &behavior.Data{Typing: typing, Mouse: mouse})
	require.NoError(t, err)
	assert.False(t, a.Safe)
	require.True(t, a.Has(KindDuress))
	assert.InDelta(t, 0.75, a.OverallRisk, 1e-9)
	assert.Equal(t, "duress", a.Reason())
}

func TestMemoryCacheSeen(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	c := NewMemoryCache(24 * time.Hour)
	c.now = func() time.Time { return clock }

	_, dup, err := c.Seen(ctx, "k", clock, time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)

	prev, dup, err := c.Seen(ctx, "k", clock.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.True(t, prev.Equal(clock))

	// Outside the window the entry is refreshed rather than flagged.
	later := clock.Add(2 * time.Hour)
	_, dup, err = c.Seen(ctx, "k", later, time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
	prev, dup, err = c.Seen(ctx, "k", later.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.True(t, prev.Equal(later))

	require.NoError(t, c.Forget(ctx, "k"))
	_, dup, err = c.Seen(ctx, "k", later.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryCachePurge(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	c := NewMemoryCache(time.Hour)
	c.now = func() time.Time { return clock }

	_, _, err := c.Seen(ctx, "old", clock.Add(-3*time.Hour), time.Hour)
	require.NoError(t, err)
	_, _, err = c.Seen(ctx, "new", clock, time.Hour)
	require.NoError(t, err)
	c.Purge()
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCacheConcurrentSubmissions(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(24 * time.Hour)
	now := time.Now()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup, err := c.Seen(ctx, "user-1:abc", now, time.Hour)
			if err == nil && !dup {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestStoreCacheSharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replay.db")
	raw := []byte(`{"typing":{"wpm":62.4}}`)
	now := time.Now().UTC()

	check := func(at time.Time) *Assessment {
		t.Helper()
		st, err := store.Open(path)
		require.NoError(t, err)
		defer st.Close()
		d := NewDetector(NewStoreCache(st, 24*time.Hour, nil), DefaultConfig(), nil)
		d.now = func() time.Time { return at }
		a, err := d.Check(ctx, "user-1", raw, &behavior.Data{Typing: humanTyping()})
		require.NoError(t, err)
		return a
	}

	first := check(now)
	assert.True(t, first.Safe)

	second := check(now.Add(10 * time.Minute))
	assert.False(t, second.Safe)
	assert.True(t, second.Has(KindReplay))
	assert.InDelta(t, 0.9, second.OverallRisk, 1e-9)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("RECOVERYD_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rdb, err := DialRedis(ctx, addr, "", 0)
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	defer rdb.Close()

	prefix := "recoveryd:test:" + t.Name() + ":"
	c := NewRedisCache(rdb, prefix, time.Minute)
	key := "user-1:" + time.Now().Format(time.RFC3339Nano)
	defer rdb.Del(context.Background(), prefix+key)

	now := time.Now()
	_, dup, err := c.Seen(ctx, key, now, time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)

	prev, dup, err := c.Seen(ctx, key, now.Add(time.Second), time.Hour)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, now.UnixNano(), prev.UnixNano())

	ttl, err := rdb.TTL(ctx, prefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Forget(ctx, key))
	_, dup, err = c.Seen(ctx, key, now.Add(2*time.Second), time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
}
