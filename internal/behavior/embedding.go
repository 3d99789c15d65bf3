package behavior

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Dim is the fixed dimension of every behavioral embedding.
const Dim = 128

// embeddingDomain seeds the projection matrices. Changing it invalidates every
// stored commitment.
const embeddingDomain = "recoveryd-embedding-v1"

// featureNorm centers and scales one raw feature before projection.
type featureNorm struct {
	key    string
	center float64
	scale  float64
}

// featureLayout lists, per modality, the ordered features an embedding is
// built from. The order is part of the embedding contract.
var featureLayout = map[ChallengeType][]featureNorm{
	TypeTyping: {
		{"wpm", 60, 40},
		{"error_rate", 0.05, 0.05},
		{"rhythm_variability", 0.35, 0.25},
		{"rhythm_regularity", 0.6, 0.25},
		{"backspace_frequency", 0.08, 0.08},
		{"dwell_mean_ms", 100, 50},
		{"flight_mean_ms", 120, 80},
	},
	TypeMouse: {
		{"avg_velocity", 1.0, 1.0},
		{"max_velocity", 5, 5},
		{"jitter", 0.2, 0.2},
		{"smoothness", 0.7, 0.2},
		{"straightness", 0.7, 0.2},
		{"acceleration_variability", 0.4, 0.3},
		{"pause_frequency", 0.2, 0.15},
	},
	TypeCognitive: {
		{"avg_response_ms", 1500, 1000},
		{"quick_decision_rate", 0.4, 0.3},
		{"interaction_rate", 1.0, 0.8},
		{"focus_stability", 0.7, 0.2},
		{"accuracy", 0.8, 0.15},
	},
	TypeNavigation: {
		{"pages_per_minute", 3, 2},
		{"back_navigation_rate", 0.2, 0.15},
		{"scroll_depth", 0.6, 0.25},
		{"dwell_per_page_sec", 30, 20},
		{"path_entropy", 2, 1},
	},
}

var (
	projectionsOnce sync.Once
	projections     map[ChallengeType][][]float64
)

// projection returns the Dim x k projection matrix for a modality. Entries
// are uniform in [-1, 1], derived from SHA-256 so the matrix is identical on
// every node.
func projection(t ChallengeType) [][]float64 {
	projectionsOnce.Do(func() {
		projections = make(map[ChallengeType][][]float64, len(featureLayout))
		for typ, layout := range featureLayout {
			m := make([][]float64, Dim)
			for i := range m {
				m[i] = make([]float64, len(layout))
				for j := range layout {
					m[i][j] = projectionEntry(typ, i, j)
				}
			}
			projections[typ] = m
		}
	})
	return projections[t]
}

func projectionEntry(t ChallengeType, row, col int) float64 {
	h := sha256.New()
	h.Write([]byte(embeddingDomain))
	h.Write([]byte(t))
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[:4], uint32(row))
	binary.BigEndian.PutUint32(idx[4:], uint32(col))
	h.Write(idx[:])
	sum := h.Sum(nil)
	u := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	return 2*u - 1
}

// Extract derives the fixed-length embedding for one modality from its
// feature set. It is deterministic: identical features always yield the
// identical vector. Missing features are treated as population-typical.
//
// This is a stand-in for a learned encoder. It preserves the geometry of the
// normalized feature space (random projection), which is enough for the
// similarity contract.
func Extract(t ChallengeType, features FeatureSet) ([]float64, error) {
	layout, ok := featureLayout[t]
	if !ok {
		return nil, fmt.Errorf("%w: no feature layout for %q", ErrUnknownType, t)
	}

	z := make([]float64, len(layout))
	for j, f := range layout {
		if v, ok := features[f.key]; ok {
			z[j] = (v - f.center) / f.scale
		}
	}

	p := projection(t)
	out := make([]float64, Dim)
	for i := range out {
		var sum float64
		for j, zj := range z {
			sum += p[i][j] * zj
		}
		out[i] = sum
	}
	return normalize(out), nil
}

// ExtractData derives the embedding for one modality of a submitted payload.
func ExtractData(t ChallengeType, d *Data) ([]float64, error) {
	features, err := d.Features(t)
	if err != nil {
		return nil, err
	}
	return Extract(t, features)
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero norm have similarity 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float64) []float64 {
	var n float64
	for _, x := range v {
		n += x * x
	}
	if n == 0 {
		return v
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] /= n
	}
	return v
}
