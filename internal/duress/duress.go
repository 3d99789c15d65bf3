// Package duress scores behavioral submissions for signs that the account
// owner is acting under coercion. The result is advisory: it never blocks a
// submission on its own.
package duress

import "recoveryd/internal/behavior"

// Recommendation is the action suggested to the caller.
type Recommendation string

const (
	RecommendProceed                Recommendation = "proceed"
	RecommendAdditionalVerification Recommendation = "require_additional_verification"
)

// Result is the outcome of scoring one submission.
type Result struct {
	IsDuress       bool
	StressScore    float64
	Indicators     []string
	Recommendation Recommendation
}

// Scorer computes weighted per-modality stress scores.
type Scorer struct {
	// Threshold is the stress score above which duress may be declared.
	Threshold float64
	// MinIndicators is the number of indicators that must also be present.
	MinIndicators int
}

// NewScorer returns a scorer with the standard thresholds.
func NewScorer() *Scorer {
	return &Scorer{Threshold: 0.6, MinIndicators: 2}
}

// weighted accumulates one modality's score.
type weighted struct {
	score      float64
	indicators []string
}

func (w *weighted) add(cond bool, weight float64, indicator string) {
	if cond {
		w.score += weight
		w.indicators = append(w.indicators, indicator)
	}
}

func (w *weighted) capped() float64 {
	if w.score > 1 {
		return 1
	}
	return w.score
}

// Score evaluates data. Modalities without stress signals (navigation) do
// not take part in the average. Fields a payload omitted never count as
// indicators.
func (s *Scorer) Score(data *behavior.Data) Result {
	var scores []float64
	var indicators []string

	if t := data.Typing; t != nil {
		var w weighted
		w.add(t.ErrorRate > 0.15, 0.3, "typing_error_rate")
		w.add(t.RhythmVariability > 0.8, 0.3, "typing_rhythm_variability")
		w.add(t.WPM < 20 || t.WPM > 150, 0.2, "typing_speed")
		w.add(t.BackspaceFrequency > 0.2, 0.2, "typing_backspace_frequency")
		scores = append(scores, w.capped())
		indicators = append(indicators, w.indicators...)
	}

	if m := data.Mouse; m != nil {
		var w weighted
		w.add(m.Jitter > 0.5, 0.3, "mouse_jitter")
		w.add(m.Has("smoothness") && m.Smoothness < 0.3, 0.25, "mouse_smoothness")
		w.add(m.AccelerationVariability > 0.7, 0.25, "mouse_acceleration_variability")
		w.add(m.PauseFrequency > 0.4, 0.2, "mouse_pause_frequency")
		scores = append(scores, w.capped())
		indicators = append(indicators, w.indicators...)
	}

	if c := data.Cognitive; c != nil {
		var w weighted
		w.add(c.QuickDecisionRate > 0.9, 0.4, "cognitive_quick_decisions")
		w.add(c.InteractionRate > 3, 0.3, "cognitive_interaction_rate")
		w.add(c.Has("focus_stability") && c.FocusStability < 0.3, 0.3, "cognitive_focus_instability")
		scores = append(scores, w.capped())
		indicators = append(indicators, w.indicators...)
	}

	var stress float64
	if len(scores) > 0 {
		for _, v := range scores {
			stress += v
		}
		stress /= float64(len(scores))
	}

	r := Result{
		StressScore:    stress,
		Indicators:     indicators,
		Recommendation: RecommendProceed,
	}
	if stress > s.Threshold && len(indicators) >= s.MinIndicators {
		r.IsDuress = true
		r.Recommendation = RecommendAdditionalVerification
	}
	return r
}
