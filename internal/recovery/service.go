package recovery

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"recoveryd/internal/anchors"
	"recoveryd/internal/behavior"
	"recoveryd/internal/commitment"
	"recoveryd/internal/store"
)

// AnchorStore reads anchoring results.
type AnchorStore interface {
	GetCommitment(ctx context.Context, id string) (*store.Commitment, error)
	ProofForCommitment(ctx context.Context, commitmentID string) (*store.MerkleProof, *store.Anchor, error)
}

// Service is the caller-facing surface of recovery. Results carry only what
// the person recovering may see.
type Service struct {
	orchestrator *Orchestrator
	commitments  *commitment.Service
	users        UserDirectory
	anchors      AnchorStore
	audit        Store
	rootKey      ed25519.PublicKey
}

// NewService creates the facade. rootKey verifies anchor signatures and may
// be nil.
func NewService(o *Orchestrator, commitments *commitment.Service, users UserDirectory, anchorStore AnchorStore, rootKey ed25519.PublicKey) *Service {
	return &Service{
		orchestrator: o,
		commitments:  commitments,
		users:        users,
		anchors:      anchorStore,
		audit:        o.store,
		rootKey:      rootKey,
	}
}

// Orchestrator returns the underlying state machine.
func (s *Service) Orchestrator() *Orchestrator { return s.orchestrator }

// ChallengeView is a challenge as shown to the client.
type ChallengeView struct {
	ID            string                 `json:"id"`
	Type          behavior.ChallengeType `json:"type"`
	Slot          int                    `json:"slot"`
	AttemptNumber int                    `json:"attempt_number"`
	Payload       json.RawMessage        `json:"payload"`
	IssuedAt      time.Time              `json:"issued_at"`
}

func viewOf(c *store.Challenge) *ChallengeView {
	if c == nil {
		return nil
	}
	return &ChallengeView{
		ID:            c.ID,
		Type:          c.Type,
		Slot:          c.Slot,
		AttemptNumber: c.AttemptNumber,
		Payload:       c.Payload,
		IssuedAt:      c.CreatedAt,
	}
}

// Timeline describes the pacing of an attempt.
type Timeline struct {
	Days               int       `json:"days"`
	ChallengesTotal    int       `json:"challenges_total"`
	ExpectedCompletion time.Time `json:"expected_completion"`
}

// InitiateResponse is returned by InitiateRecovery.
type InitiateResponse struct {
	AttemptID      string         `json:"attempt_id"`
	Timeline       Timeline       `json:"timeline"`
	FirstChallenge *ChallengeView `json:"first_challenge,omitempty"`
}

// InitiateRecovery starts an attempt for the account registered to email.
// An unknown address is reported the same way as an account without
// commitments.
func (s *Service) InitiateRecovery(ctx context.Context, email string, sec store.SecurityContext) (*InitiateResponse, error) {
	u, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: unknown account", ErrNoCommitments)
	}

	in, err := s.orchestrator.Initiate(ctx, u, sec)
	if err != nil {
		return nil, err
	}
	a := in.Attempt
	return &InitiateResponse{
		AttemptID: a.ID,
		Timeline: Timeline{
			Days:               int(a.ExpectedCompletion.Sub(a.StartedAt) / (24 * time.Hour)),
			ChallengesTotal:    a.ChallengesTotal,
			ExpectedCompletion: a.ExpectedCompletion,
		},
		FirstChallenge: viewOf(in.FirstChallenge),
	}, nil
}

// StatusResponse is returned by GetStatus.
type StatusResponse struct {
	Status           store.AttemptStatus                `json:"status"`
	Stage            store.Stage                        `json:"stage"`
	DaysRemaining    int                                `json:"days_remaining"`
	SimilarityScores map[behavior.ChallengeType]float64 `json:"similarity_scores"`
	Progress         float64                            `json:"progress"`
	Completed        int                                `json:"challenges_completed"`
	Total            int                                `json:"challenges_total"`
}

// GetStatus reports the progress of an attempt.
func (s *Service) GetStatus(ctx context.Context, attemptID string) (*StatusResponse, error) {
	st, err := s.orchestrator.Status(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	a := st.Attempt
	return &StatusResponse{
		Status:           a.Status,
		Stage:            a.Stage,
		DaysRemaining:    st.DaysRemaining,
		SimilarityScores: a.SimilarityScores,
		Progress:         st.Progress,
		Completed:        a.ChallengesCompleted,
		Total:            a.ChallengesTotal,
	}, nil
}

// NextChallenge returns the challenge to answer now, or nil.
func (s *Service) NextChallenge(ctx context.Context, attemptID string) (*ChallengeView, error) {
	c, err := s.orchestrator.Next(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return viewOf(c), nil
}

// SubmitResponse is returned by SubmitChallenge.
type SubmitResponse struct {
	SimilarityScore float64        `json:"similarity_score"`
	Passed          bool           `json:"passed"`
	Completed       int            `json:"challenges_completed"`
	Total           int            `json:"challenges_total"`
	NextChallenge   *ChallengeView `json:"next_challenge,omitempty"`
}

// SubmitChallenge scores a behavioral response.
func (s *Service) SubmitChallenge(ctx context.Context, attemptID, challengeID string, raw []byte) (*SubmitResponse, error) {
	ev, err := s.orchestrator.Evaluate(ctx, attemptID, challengeID, raw)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{
		SimilarityScore: ev.SimilarityScore,
		Passed:          ev.Passed,
		Completed:       ev.ChallengesCompleted,
		Total:           ev.ChallengesTotal,
		NextChallenge:   viewOf(ev.NextChallenge),
	}, nil
}

// CompleteResponse is returned by CompleteRecovery.
type CompleteResponse struct {
	Success bool `json:"success"`
}

// CompleteRecovery finishes an attempt and sets the new credential.
func (s *Service) CompleteRecovery(ctx context.Context, attemptID, newSecret string) (*CompleteResponse, error) {
	if _, err := s.orchestrator.Complete(ctx, attemptID, newSecret); err != nil {
		return nil, err
	}
	return &CompleteResponse{Success: true}, nil
}

// AbandonRecovery ends an attempt.
func (s *Service) AbandonRecovery(ctx context.Context, attemptID string) error {
	return s.orchestrator.Abandon(ctx, attemptID)
}

// SetupResponse is returned by SetupCommitments.
type SetupResponse struct {
	CommitmentsCreated int     `json:"commitments_created"`
	ProfileQuality     float64 `json:"profile_quality"`
	QuantumProtected   bool    `json:"quantum_protected"`
}

// SetupCommitments enrolls a behavioral profile for userID.
func (s *Service) SetupCommitments(ctx context.Context, userID string, rawProfile []byte) (*SetupResponse, error) {
	p, err := behavior.DecodeProfile(rawProfile)
	if err != nil {
		return nil, err
	}
	res, err := s.commitments.CreateCommitments(ctx, userID, p)
	if err != nil {
		return nil, err
	}

	resp := &SetupResponse{
		CommitmentsCreated: len(res.Commitments),
		ProfileQuality:     res.Quality,
		QuantumProtected:   len(res.Commitments) > 0,
	}
	ids := make([]string, 0, len(res.Commitments))
	for _, c := range res.Commitments {
		ids = append(ids, c.ID)
		resp.QuantumProtected = resp.QuantumProtected && c.QuantumProtected
	}

	audit := &store.AuditEntry{
		EventType: EventCommitmentsCreated,
		UserID:    userID,
		Details: map[string]any{
			"commitment_ids":    ids,
			"profile_quality":   res.Quality,
			"quantum_protected": resp.QuantumProtected,
		},
	}
	if !resp.QuantumProtected {
		audit.Severity = store.SeverityWarning
	}
	if err := s.audit.AppendAudit(ctx, audit); err != nil {
		return nil, err
	}
	s.orchestrator.emit(ctx, audit)
	return resp, nil
}

// AnchorVerification is returned by VerifyCommitmentAnchor.
type AnchorVerification struct {
	Verified    bool     `json:"verified"`
	Pending     bool     `json:"pending"`
	MerkleRoot  string   `json:"merkle_root,omitempty"`
	MerkleProof []string `json:"merkle_proof,omitempty"`
	LeafIndex   int      `json:"leaf_index"`
	TxRef       string   `json:"tx_ref,omitempty"`
	BlockRef    string   `json:"block_ref,omitempty"`
	Network     string   `json:"network,omitempty"`
}

// VerifyCommitmentAnchor recomputes a commitment's anchor root from its
// stored proof. A commitment still waiting for its batch reports Pending.
func (s *Service) VerifyCommitmentAnchor(ctx context.Context, commitmentID string) (*AnchorVerification, error) {
	c, err := s.anchors.GetCommitment(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", commitment.ErrNotFound, commitmentID)
	}

	proof, anchor, err := s.anchors.ProofForCommitment(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	if proof == nil {
		return &AnchorVerification{Pending: true}, nil
	}

	ok, err := anchors.VerifyStoredProof(proof, anchor, s.rootKey)
	if err != nil {
		return nil, err
	}
	// The proof must be for this commitment as it is stored now.
	ok = ok && proof.LeafHash == commitment.Hash(c)

	return &AnchorVerification{
		Verified:    ok,
		MerkleRoot:  hex.EncodeToString(anchor.MerkleRoot[:]),
		MerkleProof: proof.Siblings,
		LeafIndex:   proof.LeafIndex,
		TxRef:       anchor.TxRef,
		BlockRef:    anchor.BlockRef,
		Network:     anchor.Network,
	}, nil
}
