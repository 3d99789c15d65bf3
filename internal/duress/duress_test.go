package duress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryd/internal/behavior"
)

func calmTyping() *behavior.TypingSample {
	return &behavior.TypingSample{WPM: 58, ErrorRate: 0.03, RhythmVariability: 0.3, BackspaceFrequency: 0.05}
}

func calmMouse() *behavior.MouseSample {
	return &behavior.MouseSample{Jitter: 0.1, Smoothness: 0.8, AccelerationVariability: 0.2, PauseFrequency: 0.1}
}

func TestScoreCalm(t *testing.T) {
	r := NewScorer().Score(&behavior.Data{Typing: calmTyping(), Mouse: calmMouse()})
	assert.False(t, r.IsDuress)
	assert.Zero(t, r.StressScore)
	assert.Empty(t, r.Indicators)
	assert.Equal(t, RecommendProceed, r.Recommendation)
}

func TestScoreStressedTyping(t *testing.T) {
	typing := &behavior.TypingSample{WPM: 12, ErrorRate: 0.25, RhythmVariability: 0.9, BackspaceFrequency: 0.3}
	r := NewScorer().Score(&behavior.Data{Typing: typing})

	assert.True(t, r.IsDuress)
	assert.InDelta(t, 1.0, r.StressScore, 1e-9)
	assert.Len(t, r.Indicators, 4)
	assert.Equal(t, RecommendAdditionalVerification, r.Recommendation)
}

func TestScoreAveragesAcrossModalities(t *testing.T) {
	typing := &behavior.TypingSample{WPM: 12, ErrorRate: 0.25, RhythmVariability: 0.9, BackspaceFrequency: 0.3}
	r := NewScorer().Score(&behavior.Data{Typing: typing, Mouse: calmMouse()})

	// 1.0 for typing, 0 for mouse.
	assert.InDelta(t, 0.5, r.StressScore, 1e-9)
	assert.False(t, r.IsDuress)
	assert.Len(t, r.Indicators, 4)
}

func TestScoreNeedsTwoIndicators(t *testing.T) {
	s := NewScorer()
	cognitive := &behavior.CognitiveSample{QuickDecisionRate: 0.95, InteractionRate: 1, FocusStability: 0.8}
	r := s.Score(&behavior.Data{Cognitive: cognitive})
	assert.InDelta(t, 0.4, r.StressScore, 1e-9)
	assert.False(t, r.IsDuress)

	s.Threshold = 0.3
	r = s.Score(&behavior.Data{Cognitive: cognitive})
	assert.False(t, r.IsDuress, "one indicator never declares duress")

	cognitive.FocusStability = 0.1
	r = s.Score(&behavior.Data{Cognitive: cognitive})
	assert.True(t, r.IsDuress)
	assert.InDelta(t, 0.7, r.StressScore, 1e-9)
}

func TestScoreMouseCapped(t *testing.T) {
	mouse := &behavior.MouseSample{Jitter: 0.9, Smoothness: 0.1, AccelerationVariability: 0.9, PauseFrequency: 0.6}
	r := NewScorer().Score(&behavior.Data{Mouse: mouse})
	assert.InDelta(t, 1.0, r.StressScore, 1e-9)
	assert.True(t, r.IsDuress)
}

func TestScoreNavigationOnly(t *testing.T) {
	r := NewScorer().Score(&behavior.Data{Navigation: &behavior.NavigationSample{PagesPerMinute: 4}})
	assert.Zero(t, r.StressScore)
	assert.False(t, r.IsDuress)
}

func TestScoreIgnoresOmittedFields(t *testing.T) {
	data, err := behavior.DecodeData([]byte(`{
		"mouse": {"avg_velocity": 1.2, "max_velocity": 4.8, "straightness": 0.8, "jitter": 0.7, "acceleration_variability": 0.9},
		"cognitive": {"avg_response_ms": 1300, "quick_decision_rate": 0.5}
	}`))
	require.NoError(t, err)

	r := NewScorer().Score(data)
	assert.Equal(t, []string{"mouse_jitter", "mouse_acceleration_variability"}, r.Indicators)
	assert.InDelta(t, 0.275, r.StressScore, 1e-9)
	assert.False(t, r.IsDuress)

	// The same values reported explicitly do count.
	mouse := &behavior.MouseSample{Jitter: 0.7, AccelerationVariability: 0.9}
	r = NewScorer().Score(&behavior.Data{Mouse: mouse})
	assert.Contains(t, r.Indicators, "mouse_smoothness")
	assert.True(t, r.IsDuress)
}
