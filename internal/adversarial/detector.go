// Package adversarial screens behavioral submissions for replayed, spoofed
// or coerced input before they are scored.
package adversarial

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"recoveryd/internal/behavior"
)

// IssueKind categorizes a detected problem.
type IssueKind string

const (
	KindReplay   IssueKind = "replay"
	KindSpoofing IssueKind = "spoofing"
	KindDuress   IssueKind = "duress"
)

// Issue is one flagged check.
type Issue struct {
	Kind        IssueKind
	Risk        float64 // 0-1
	Description string
	Evidence    map[string]interface{}
}

// Assessment is the outcome of screening one submission.
type Assessment struct {
	Safe        bool
	OverallRisk float64
	Issues      []Issue
	PayloadHash [32]byte
}

// Has reports whether an issue of the given kind was raised.
func (a *Assessment) Has(kind IssueKind) bool {
	for _, is := range a.Issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

// Reason returns the flagged issue kinds joined by commas.
func (a *Assessment) Reason() string {
	kinds := make([]string, 0, len(a.Issues))
	for _, is := range a.Issues {
		kinds = append(kinds, string(is.Kind))
	}
	return strings.Join(kinds, ",")
}

// Config holds the detection thresholds.
type Config struct {
	ReplayWindow        time.Duration
	CacheTTL            time.Duration
	MaxClockSkew        time.Duration
	MaxSessionMismatch  time.Duration
	MaxWPM              float64
	MaxRhythmRegularity float64
	LongInputChars      int
	MaxMouseVelocity    float64 // px/ms
	MaxStraightness     float64
	ManyMovements       int
	MaxIntegerTimings   int
	DuressIndicators    int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ReplayWindow:        time.Hour,
		CacheTTL:            24 * time.Hour,
		MaxClockSkew:        time.Hour,
		MaxSessionMismatch:  60 * time.Second,
		MaxWPM:              200,
		MaxRhythmRegularity: 0.99,
		LongInputChars:      200,
		MaxMouseVelocity:    50,
		MaxStraightness:     0.99,
		ManyMovements:       100,
		MaxIntegerTimings:   5,
		DuressIndicators:    2,
	}
}

// Detector runs the replay, spoofing and duress checks. Any single flag
// makes a submission unsafe.
type Detector struct {
	cache  ReplayCache
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector. A nil cache uses an in-memory cache.
func NewDetector(cache ReplayCache, config Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	if cache == nil {
		cache = NewMemoryCache(config.CacheTTL)
	}
	return &Detector{
		cache:  cache,
		config: config,
		logger: logger.With("component", "adversarial"),
		now:    time.Now,
	}
}

// Check screens a raw submission and its decoded form for userID.
func (d *Detector) Check(ctx context.Context, userID string, raw []byte, data *behavior.Data) (*Assessment, error) {
	a := &Assessment{Safe: true, PayloadHash: sha256.Sum256(raw)}

	replay, err := d.checkReplay(ctx, userID, a.PayloadHash, data)
	if err != nil {
		return nil, err
	}
	for _, is := range []*Issue{replay, d.checkSpoofing(data), d.checkDuress(data)} {
		if is == nil {
			continue
		}
		a.Issues = append(a.Issues, *is)
		a.Safe = false
		a.OverallRisk = math.Max(a.OverallRisk, is.Risk)
	}

	if !a.Safe {
		d.logger.Debug("submission flagged",
			"user_id", userID,
			"issues", a.Reason(),
			"risk", a.OverallRisk,
		)
	}
	return a, nil
}

func replayKey(userID string, hash [32]byte) string {
	return userID + ":" + hex.EncodeToString(hash[:])
}

func (d *Detector) checkReplay(ctx context.Context, userID string, hash [32]byte, data *behavior.Data) (*Issue, error) {
	now := d.now()
	key := replayKey(userID, hash)

	seen, dup, err := d.cache.Seen(ctx, key, now, d.config.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	if dup {
		return &Issue{
			Kind:        KindReplay,
			Risk:        0.9,
			Description: "identical payload submitted recently",
			Evidence: map[string]interface{}{
				"first_seen": seen,
				"age_sec":    now.Sub(seen).Seconds(),
			},
		}, nil
	}

	issue := d.checkTemporal(data, now)
	if issue != nil {
		// Only accepted payloads stay cached.
		if err := d.cache.Forget(ctx, key); err != nil {
			return nil, fmt.Errorf("replay cache: %w", err)
		}
	}
	return issue, nil
}

func (d *Detector) checkTemporal(data *behavior.Data, now time.Time) *Issue {
	if data.ClientTimestamp != nil {
		skew := now.Sub(*data.ClientTimestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > d.config.MaxClockSkew {
			return &Issue{
				Kind:        KindReplay,
				Risk:        0.7,
				Description: "client timestamp outside accepted window",
				Evidence:    map[string]interface{}{"skew_sec": skew.Seconds()},
			}
		}
	}

	if spread := sessionSpread(data); spread > d.config.MaxSessionMismatch.Seconds() {
		return &Issue{
			Kind:        KindReplay,
			Risk:        0.7,
			Description: "session durations disagree across modalities",
			Evidence:    map[string]interface{}{"spread_sec": spread},
		}
	}
	return nil
}

func sessionSpread(data *behavior.Data) float64 {
	durations := data.SessionDurations()
	if len(durations) < 2 {
		return 0
	}
	values := make([]float64, 0, len(durations))
	for _, v := range durations {
		values = append(values, v)
	}
	sort.Float64s(values)
	return values[len(values)-1] - values[0]
}

func (d *Detector) checkSpoofing(data *behavior.Data) *Issue {
	var flags []string

	if t := data.Typing; t != nil {
		if t.WPM > d.config.MaxWPM {
			flags = append(flags, "typing_speed_inhuman")
		}
		if t.RhythmRegularity > d.config.MaxRhythmRegularity {
			flags = append(flags, "typing_rhythm_too_regular")
		}
		if t.CharacterCount >= d.config.LongInputChars && t.ErrorCount == 0 && t.ErrorRate == 0 {
			flags = append(flags, "typing_error_free")
		}
	}
	if m := data.Mouse; m != nil {
		if m.MaxVelocity > d.config.MaxMouseVelocity {
			flags = append(flags, "mouse_velocity_inhuman")
		}
		if m.Straightness > d.config.MaxStraightness {
			flags = append(flags, "mouse_path_too_straight")
		}
		if m.TotalMovements >= d.config.ManyMovements && m.Has("micro_movements") && m.MicroMovements == 0 {
			flags = append(flags, "mouse_no_micro_movements")
		}
	}
	if n := integerTimings(data); n > d.config.MaxIntegerTimings {
		flags = append(flags, "synthetic_timings")
	}

	if len(flags) == 0 {
		return nil
	}
	return &Issue{
		Kind:        KindSpoofing,
		Risk:        math.Min(1, 0.3*float64(len(flags))),
		Description: "behavior outside human capability",
		Evidence:    map[string]interface{}{"flags": flags},
	}
}

// integerTimings counts timing samples with no fractional part. Captured
// timings carry sub-millisecond precision; generated ones usually do not.
func integerTimings(data *behavior.Data) int {
	var series [][]float64
	if data.Typing != nil {
		series = append(series, data.Typing.KeyIntervalsMs)
	}
	if data.Mouse != nil {
		series = append(series, data.Mouse.MoveIntervalsMs)
	}
	if data.Cognitive != nil {
		series = append(series, data.Cognitive.ResponseTimesMs)
	}

	n := 0
	for _, s := range series {
		for _, v := range s {
			if v != 0 && v == math.Trunc(v) {
				n++
			}
		}
	}
	return n
}

func (d *Detector) checkDuress(data *behavior.Data) *Issue {
	var indicators []string

	if t := data.Typing; t != nil {
		if t.ErrorRate > 0.15 {
			indicators = append(indicators, "high_error_rate")
		}
		if t.RhythmVariability > 0.8 {
			indicators = append(indicators, "erratic_rhythm")
		}
		if t.WPM < 10 || t.WPM > 200 {
			indicators = append(indicators, "abnormal_typing_speed")
		}
	}
	if m := data.Mouse; m != nil {
		if m.Jitter > 0.5 {
			indicators = append(indicators, "mouse_jitter")
		}
		if m.AccelerationVariability > 0.7 {
			indicators = append(indicators, "erratic_acceleration")
		}
	}
	if c := data.Cognitive; c != nil && c.QuickDecisionRate > 0.9 {
		indicators = append(indicators, "rushed_decisions")
	}

	if len(indicators) < d.config.DuressIndicators {
		return nil
	}
	return &Issue{
		Kind:        KindDuress,
		Risk:        math.Min(1, 0.25*float64(len(indicators))),
		Description: "multiple stress indicators present",
		Evidence:    map[string]interface{}{"indicators": indicators},
	}
}
