package behavior

// Quality weights per modality. They sum to 1.
var qualityWeights = map[ChallengeType]float64{
	TypeTyping:     0.30,
	TypeMouse:      0.25,
	TypeCognitive:  0.20,
	TypeNavigation: 0.15,
	TypeCombined:   0.10,
}

// RequiredFeatures returns the feature keys a modality needs for full
// quality credit.
func RequiredFeatures(t ChallengeType) []string {
	layout := featureLayout[t]
	keys := make([]string, len(layout))
	for i, f := range layout {
		keys[i] = f.key
	}
	return keys
}

// Coverage returns the fraction of a modality's required features present
// in features.
func Coverage(t ChallengeType, features FeatureSet) float64 {
	required := RequiredFeatures(t)
	if len(required) == 0 || len(features) == 0 {
		return 0
	}
	present := 0
	for _, k := range required {
		if features.Has(k) {
			present++
		}
	}
	return float64(present) / float64(len(required))
}

// ModalityQuality returns the weighted quality contribution of one modality.
func ModalityQuality(t ChallengeType, features FeatureSet) float64 {
	return qualityWeights[t] * Coverage(t, features)
}

// ProfileQuality scores how complete an enrollment profile is, in [0, 1].
func ProfileQuality(p *Profile) float64 {
	var q float64
	for _, t := range Schedule {
		q += ModalityQuality(t, p.Modality(t))
	}
	if len(p.CombinedEmbedding) == Dim {
		q += qualityWeights[TypeCombined]
	}
	if q > 1 {
		q = 1
	}
	return q
}
