// Package behavior defines the behavioral sample model shared by the recovery
// pipeline: challenge types, typed per-modality samples, feature sets, the
// embedding stand-in and profile quality scoring.
//
// Raw client payloads are validated once at the boundary (see schema.go) and
// decoded into the typed structures below. Everything downstream operates on
// typed values only.
package behavior

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrInvalidPayload     = errors.New("behavior: invalid payload")
	ErrUnknownType        = errors.New("behavior: unknown challenge type")
	ErrModalityMissing    = errors.New("behavior: payload has no data for challenge type")
	ErrEmbeddingDimension = errors.New("behavior: embedding has wrong dimension")
)

// ChallengeType identifies a behavioral modality.
type ChallengeType string

const (
	TypeTyping     ChallengeType = "typing"
	TypeMouse      ChallengeType = "mouse"
	TypeCognitive  ChallengeType = "cognitive"
	TypeNavigation ChallengeType = "navigation"
	TypeSemantic   ChallengeType = "semantic"
	TypeCombined   ChallengeType = "combined"
)

// Schedule is the fixed order in which challenge types are issued.
var Schedule = []ChallengeType{TypeTyping, TypeMouse, TypeCognitive, TypeNavigation}

// ParseChallengeType parses a challenge type name.
func ParseChallengeType(s string) (ChallengeType, error) {
	switch t := ChallengeType(s); t {
	case TypeTyping, TypeMouse, TypeCognitive, TypeNavigation, TypeSemantic, TypeCombined:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// FeatureSet is a named set of numeric behavioral features for one modality.
type FeatureSet map[string]float64

// Has reports whether the feature is present.
func (f FeatureSet) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// fieldSet records the keys a decoded sample carried. A nil set means every
// field is present, as for samples built in code.
type fieldSet map[string]struct{}

func (f fieldSet) has(key string) bool {
	if f == nil {
		return true
	}
	_, ok := f[key]
	return ok
}

// keep drops the features the sample did not carry, so Extract treats them
// as population-typical instead of as zero.
func (f fieldSet) keep(fs FeatureSet) FeatureSet {
	if f == nil {
		return fs
	}
	for k := range fs {
		if !f.has(k) {
			delete(fs, k)
		}
	}
	return fs
}

// TypingSample captures keystroke dynamics for a typing challenge.
type TypingSample struct {
	WPM                float64   `json:"wpm"`
	ErrorRate          float64   `json:"error_rate"`
	ErrorCount         int       `json:"error_count"`
	CharacterCount     int       `json:"character_count"`
	RhythmVariability  float64   `json:"rhythm_variability"`
	RhythmRegularity   float64   `json:"rhythm_regularity"`
	BackspaceFrequency float64   `json:"backspace_frequency"`
	DwellMeanMs        float64   `json:"dwell_mean_ms"`
	FlightMeanMs       float64   `json:"flight_mean_ms"`
	KeyIntervalsMs     []float64 `json:"key_intervals_ms,omitempty"`
	TypedText          string    `json:"typed_text,omitempty"`
	SessionDurationSec float64   `json:"session_duration_sec,omitempty"`

	present fieldSet
}

// Has reports whether the sample carried the named field. Samples built in
// code carry every field.
func (s *TypingSample) Has(key string) bool { return s.present.has(key) }

// Features returns the embedding-relevant typing features.
func (s *TypingSample) Features() FeatureSet {
	return s.present.keep(FeatureSet{
		"wpm":                 s.WPM,
		"error_rate":          s.ErrorRate,
		"rhythm_variability":  s.RhythmVariability,
		"rhythm_regularity":   s.RhythmRegularity,
		"backspace_frequency": s.BackspaceFrequency,
		"dwell_mean_ms":       s.DwellMeanMs,
		"flight_mean_ms":      s.FlightMeanMs,
	})
}

// MouseSample captures pointer dynamics for a mouse challenge.
type MouseSample struct {
	AvgVelocity             float64   `json:"avg_velocity"` // px/ms
	MaxVelocity             float64   `json:"max_velocity"` // px/ms
	Jitter                  float64   `json:"jitter"`
	Smoothness              float64   `json:"smoothness"`
	Straightness            float64   `json:"straightness"`
	AccelerationVariability float64   `json:"acceleration_variability"`
	PauseFrequency          float64   `json:"pause_frequency"`
	MicroMovements          int       `json:"micro_movements"`
	TotalMovements          int       `json:"total_movements"`
	MoveIntervalsMs         []float64 `json:"move_intervals_ms,omitempty"`
	SessionDurationSec      float64   `json:"session_duration_sec,omitempty"`

	present fieldSet
}

// Has reports whether the sample carried key.
func (s *MouseSample) Has(key string) bool { return s.present.has(key) }

// Features returns the embedding-relevant mouse features.
func (s *MouseSample) Features() FeatureSet {
	return s.present.keep(FeatureSet{
		"avg_velocity":             s.AvgVelocity,
		"max_velocity":             s.MaxVelocity,
		"jitter":                   s.Jitter,
		"smoothness":               s.Smoothness,
		"straightness":             s.Straightness,
		"acceleration_variability": s.AccelerationVariability,
		"pause_frequency":          s.PauseFrequency,
	})
}

// CognitiveSample captures decision-making behavior for a cognitive challenge.
type CognitiveSample struct {
	AvgResponseMs      float64   `json:"avg_response_ms"`
	QuickDecisionRate  float64   `json:"quick_decision_rate"`
	InteractionRate    float64   `json:"interaction_rate"` // interactions per second
	FocusStability     float64   `json:"focus_stability"`
	Accuracy           float64   `json:"accuracy"`
	ResponseTimesMs    []float64 `json:"response_times_ms,omitempty"`
	Answer             string    `json:"answer,omitempty"`
	SessionDurationSec float64   `json:"session_duration_sec,omitempty"`

	present fieldSet
}

// Has reports whether the sample carried key.
func (s *CognitiveSample) Has(key string) bool { return s.present.has(key) }

// Features returns the embedding-relevant cognitive features.
func (s *CognitiveSample) Features() FeatureSet {
	return s.present.keep(FeatureSet{
		"avg_response_ms":     s.AvgResponseMs,
		"quick_decision_rate": s.QuickDecisionRate,
		"interaction_rate":    s.InteractionRate,
		"focus_stability":     s.FocusStability,
		"accuracy":            s.Accuracy,
	})
}

// NavigationSample captures site navigation habits for a navigation challenge.
type NavigationSample struct {
	PagesPerMinute     float64  `json:"pages_per_minute"`
	BackNavigationRate float64  `json:"back_navigation_rate"`
	ScrollDepth        float64  `json:"scroll_depth"`
	DwellPerPageSec    float64  `json:"dwell_per_page_sec"`
	PathEntropy        float64  `json:"path_entropy"`
	Path               []string `json:"path,omitempty"`
	SessionDurationSec float64  `json:"session_duration_sec,omitempty"`

	present fieldSet
}

// Has reports whether the sample carried key.
func (s *NavigationSample) Has(key string) bool { return s.present.has(key) }

// Features returns the embedding-relevant navigation features.
func (s *NavigationSample) Features() FeatureSet {
	return s.present.keep(FeatureSet{
		"pages_per_minute":     s.PagesPerMinute,
		"back_navigation_rate": s.BackNavigationRate,
		"scroll_depth":         s.ScrollDepth,
		"dwell_per_page_sec":   s.DwellPerPageSec,
		"path_entropy":         s.PathEntropy,
	})
}

// Data is one submitted behavioral payload. Exactly the modalities the client
// captured are non-nil.
type Data struct {
	ClientTimestamp *time.Time        `json:"client_timestamp,omitempty"`
	Typing          *TypingSample     `json:"typing,omitempty"`
	Mouse           *MouseSample      `json:"mouse,omitempty"`
	Cognitive       *CognitiveSample  `json:"cognitive,omitempty"`
	Navigation      *NavigationSample `json:"navigation,omitempty"`
}

// Features returns the feature set for the given modality.
func (d *Data) Features(t ChallengeType) (FeatureSet, error) {
	switch t {
	case TypeTyping:
		if d.Typing != nil {
			return d.Typing.Features(), nil
		}
	case TypeMouse:
		if d.Mouse != nil {
			return d.Mouse.Features(), nil
		}
	case TypeCognitive:
		if d.Cognitive != nil {
			return d.Cognitive.Features(), nil
		}
	case TypeNavigation:
		if d.Navigation != nil {
			return d.Navigation.Features(), nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return nil, fmt.Errorf("%w: %s", ErrModalityMissing, t)
}

// SessionDurations returns the reported session duration per modality, for
// modalities that reported one.
func (d *Data) SessionDurations() map[ChallengeType]float64 {
	out := make(map[ChallengeType]float64)
	if d.Typing != nil && d.Typing.SessionDurationSec > 0 {
		out[TypeTyping] = d.Typing.SessionDurationSec
	}
	if d.Mouse != nil && d.Mouse.SessionDurationSec > 0 {
		out[TypeMouse] = d.Mouse.SessionDurationSec
	}
	if d.Cognitive != nil && d.Cognitive.SessionDurationSec > 0 {
		out[TypeCognitive] = d.Cognitive.SessionDurationSec
	}
	if d.Navigation != nil && d.Navigation.SessionDurationSec > 0 {
		out[TypeNavigation] = d.Navigation.SessionDurationSec
	}
	return out
}

// Modalities returns the number of modalities present.
func (d *Data) Modalities() int {
	n := 0
	if d.Typing != nil {
		n++
	}
	if d.Mouse != nil {
		n++
	}
	if d.Cognitive != nil {
		n++
	}
	if d.Navigation != nil {
		n++
	}
	return n
}

// Profile is an enrollment profile used to create commitments. Feature sets
// are kept as open maps so quality can be measured by key coverage.
type Profile struct {
	Typing            FeatureSet `json:"typing,omitempty"`
	Mouse             FeatureSet `json:"mouse,omitempty"`
	Cognitive         FeatureSet `json:"cognitive,omitempty"`
	Navigation        FeatureSet `json:"navigation,omitempty"`
	CombinedEmbedding []float64  `json:"combined_embedding,omitempty"`
	SampleCount       int        `json:"sample_count"`
}

// Modality returns the profile feature set for a type, or nil.
func (p *Profile) Modality(t ChallengeType) FeatureSet {
	switch t {
	case TypeTyping:
		return p.Typing
	case TypeMouse:
		return p.Mouse
	case TypeCognitive:
		return p.Cognitive
	case TypeNavigation:
		return p.Navigation
	}
	return nil
}
