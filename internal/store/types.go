package store

import (
	"encoding/json"
	"time"

	"recoveryd/internal/behavior"
)

// User is an account that can enroll commitments and be recovered.
type User struct {
	ID             string
	Email          string
	CredentialHash string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UnlockConditions gate the use of a commitment.
type UnlockConditions struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// MinAgeHours, when set, makes a commitment usable only after it is
	// this many hours old.
	MinAgeHours int `json:"min_age_hours,omitempty"`
}

// Commitment is an encrypted behavioral embedding for one (user, type).
type Commitment struct {
	ID                 string
	UserID             string
	Type               behavior.ChallengeType
	EncryptedEmbedding []byte
	Algorithm          string
	PublicKey          []byte
	WrappedPrivateKey  []byte
	QuantumProtected   bool
	Unlock             UnlockConditions
	Active             bool
	RevokedAt          *time.Time
	SupersededBy       string
	SampleCount        int
	CreatedAt          time.Time
	LastVerifiedAt     *time.Time
	CommitmentHash     [32]byte
	Anchored           bool
	AnchoredAt         *time.Time
}

// AttemptStatus is the lifecycle status of a recovery attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusCompleted  AttemptStatus = "completed"
	StatusFailed     AttemptStatus = "failed"
	StatusAbandoned  AttemptStatus = "abandoned"
	StatusExpired    AttemptStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s AttemptStatus) Terminal() bool {
	return s != StatusInProgress
}

// Stage is the position of an attempt in the challenge schedule.
type Stage string

const (
	StageInitiated    Stage = "initiated"
	StageTyping       Stage = "typing_challenge"
	StageMouse        Stage = "mouse_challenge"
	StageCognitive    Stage = "cognitive_challenge"
	StageNavigation   Stage = "navigation_challenge"
	StageVerification Stage = "verification"
	StageCompleted    Stage = "completed"
)

// SecurityContext records where an attempt was started from.
type SecurityContext struct {
	IP                string `json:"ip,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// Attempt is one recovery session.
type Attempt struct {
	ID                             string
	UserID                         string
	Email                          string
	StartedAt                      time.Time
	ExpectedCompletion             time.Time
	CompletedAt                    *time.Time
	Stage                          Stage
	Status                         AttemptStatus
	ChallengesCompleted            int
	ChallengesTotal                int
	SimilarityThreshold            float64
	SimilarityScores               map[behavior.ChallengeType]float64
	OverallSimilarity              float64
	RequiresAdditionalVerification bool
	Security                       SecurityContext
	Version                        int64
}

// RecomputeOverall sets OverallSimilarity to the mean of SimilarityScores.
// Every write path calls it, so the stored value never drifts from the map.
func (a *Attempt) RecomputeOverall() {
	if len(a.SimilarityScores) == 0 {
		a.OverallSimilarity = 0
		return
	}
	var sum float64
	for _, s := range a.SimilarityScores {
		sum += s
	}
	a.OverallSimilarity = sum / float64(len(a.SimilarityScores))
}

// Challenge is one issued challenge within an attempt.
type Challenge struct {
	ID               string
	AttemptID        string
	Type             behavior.ChallengeType
	Slot             int
	AttemptNumber    int
	Payload          json.RawMessage
	AnswerDigest     []byte
	Response         json.RawMessage
	SimilarityScore  *float64
	Passed           *bool
	CreatedAt        time.Time
	CompletedAt      *time.Time
	TimeTakenSeconds *float64
}

// Completed reports whether a response has been scored.
func (c *Challenge) Completed() bool {
	return c.CompletedAt != nil
}

// Severity classifies audit entries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEntry is one append-only security event.
type AuditEntry struct {
	ID        int64
	EventType string
	Severity  Severity
	AttemptID string
	UserID    string
	IP        string
	UserAgent string
	Details   map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	AttemptID string
	UserID    string
	EventType string
	Limit     int
}

// Pending queue states.
const (
	PendingStatusPending = "pending"
	PendingStatusFailed  = "failed"
)

// PendingCommitment is an outbox row waiting to be anchored.
type PendingCommitment struct {
	CommitmentID   string
	CommitmentHash [32]byte
	EnqueuedAt     time.Time
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	Status         string
}

// Anchor is one submitted Merkle batch.
type Anchor struct {
	ID            string
	MerkleRoot    [32]byte
	RootSignature []byte
	TxRef         string
	BlockRef      string
	Network       string
	BatchSize     int
	Cost          json.RawMessage
	SubmittedAt   time.Time
}

// MerkleProof binds one commitment hash to one anchor.
type MerkleProof struct {
	CommitmentID string
	AnchorID     string
	MerkleRoot   [32]byte
	Siblings     []string
	LeafIndex    int
	LeafHash     [32]byte
}
