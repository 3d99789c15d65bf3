// Package commitment creates and checks encrypted behavioral commitments.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"recoveryd/internal/behavior"
	"recoveryd/internal/security"
	"recoveryd/internal/store"
)

// Errors
var (
	ErrProfileQuality   = errors.New("commitment: profile quality too low")
	ErrCommitmentLocked = errors.New("commitment: unlock conditions not met")
	ErrNotFound         = errors.New("commitment: not found")
)

// ProfileQualityError reports a rejected enrollment profile.
type ProfileQualityError struct {
	Quality float64
	Minimum float64
}

func (e *ProfileQualityError) Error() string {
	return fmt.Sprintf("commitment: profile quality %.2f below minimum %.2f", e.Quality, e.Minimum)
}

func (e *ProfileQualityError) Unwrap() error { return ErrProfileQuality }

// Store is the persistence the service needs.
type Store interface {
	InsertCommitments(ctx context.Context, cs []*store.Commitment) error
	GetCommitment(ctx context.Context, id string) (*store.Commitment, error)
	ActiveCommitment(ctx context.Context, userID string, t behavior.ChallengeType) (*store.Commitment, error)
	ActiveCommitments(ctx context.Context, userID string) ([]*store.Commitment, error)
	RevokeCommitment(ctx context.Context, id string) error
	TouchCommitmentVerified(ctx context.Context, id string, at time.Time) error
}

// Config controls commitment creation.
type Config struct {
	MinQuality       float64
	DefaultThreshold float64
	// MinAgeHours is copied into the unlock conditions of new commitments.
	MinAgeHours int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{MinQuality: 0.70, DefaultThreshold: 0.87}
}

// Service creates commitments and scores fresh vectors against them.
type Service struct {
	store   Store
	codec   *security.Codec
	keyring *security.Keyring
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a commitment service.
func NewService(st Store, codec *security.Codec, keyring *security.Keyring, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		codec:   codec,
		keyring: keyring,
		config:  config,
		logger:  logger.With("component", "commitment"),
		now:     time.Now,
	}
}

// Result is the outcome of an enrollment.
type Result struct {
	Commitments []*store.Commitment
	Quality     float64
}

// CreateCommitments gates a profile on quality and stores one commitment per
// modality present, plus a combined commitment when the profile carries a
// combined embedding. Previous active commitments of the same types are
// superseded.
func (s *Service) CreateCommitments(ctx context.Context, userID string, p *behavior.Profile) (*Result, error) {
	quality := behavior.ProfileQuality(p)
	if quality < s.config.MinQuality {
		return nil, &ProfileQualityError{Quality: quality, Minimum: s.config.MinQuality}
	}

	var cs []*store.Commitment
	for _, t := range behavior.Schedule {
		features := p.Modality(t)
		if len(features) == 0 {
			continue
		}
		vec, err := behavior.Extract(t, features)
		if err != nil {
			return nil, err
		}
		c, err := s.build(userID, t, vec, p.SampleCount)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	if len(p.CombinedEmbedding) > 0 {
		if len(p.CombinedEmbedding) != behavior.Dim {
			return nil, fmt.Errorf("%w: got %d", behavior.ErrEmbeddingDimension, len(p.CombinedEmbedding))
		}
		c, err := s.build(userID, behavior.TypeCombined, p.CombinedEmbedding, p.SampleCount)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}

	if err := s.store.InsertCommitments(ctx, cs); err != nil {
		return nil, fmt.Errorf("store commitments: %w", err)
	}

	s.logger.Info("commitments created",
		"user_id", userID,
		"count", len(cs),
		"quality", quality,
		"quantum_protected", len(cs) > 0 && cs[0].QuantumProtected,
	)
	return &Result{Commitments: cs, Quality: quality}, nil
}

func (s *Service) build(userID string, t behavior.ChallengeType, vec []float64, sampleCount int) (*store.Commitment, error) {
	sealed, err := s.codec.Encrypt(vec)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s embedding: %w", t, err)
	}
	defer security.Wipe(sealed.PrivateKey)

	wrapped, err := s.keyring.Wrap(sealed.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("wrap %s key: %w", t, err)
	}

	c := &store.Commitment{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Type:               t,
		EncryptedEmbedding: sealed.Blob,
		Algorithm:          sealed.Algorithm,
		PublicKey:          sealed.PublicKey,
		WrappedPrivateKey:  wrapped,
		QuantumProtected:   sealed.QuantumProtected,
		Unlock: store.UnlockConditions{
			SimilarityThreshold: s.config.DefaultThreshold,
			MinAgeHours:         s.config.MinAgeHours,
		},
		SampleCount: sampleCount,
		CreatedAt:   s.now().UTC(),
	}
	c.CommitmentHash = Hash(c)
	return c, nil
}

// Hash is the anchored digest of a commitment. It binds the identity of the
// commitment to its sealed embedding.
func Hash(c *store.Commitment) [32]byte {
	return security.HashDomainSeparated("recoveryd-commitment-v1",
		[]byte(c.ID), []byte(c.UserID), []byte(c.Type), c.EncryptedEmbedding)
}

// Decrypt recovers the embedding stored in c.
func (s *Service) Decrypt(c *store.Commitment) ([]float64, error) {
	key, err := s.keyring.Unwrap(c.WrappedPrivateKey)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)
	return s.codec.Decrypt(c.EncryptedEmbedding, key)
}

// Similarity is the result of comparing a fresh vector to a commitment.
type Similarity struct {
	Score  float64
	Passed bool
}

// VerifySimilarity compares vector with the embedding in c. The threshold
// is always supplied by the caller.
func (s *Service) VerifySimilarity(ctx context.Context, c *store.Commitment, vector []float64, threshold float64) (*Similarity, error) {
	now := s.now()
	if h := c.Unlock.MinAgeHours; h > 0 && now.Sub(c.CreatedAt) < time.Duration(h)*time.Hour {
		return nil, fmt.Errorf("%w: commitment %s younger than %dh", ErrCommitmentLocked, c.ID, h)
	}
	if Hash(c) != c.CommitmentHash {
		return nil, fmt.Errorf("%w: commitment %s hash mismatch", security.ErrDecryption, c.ID)
	}

	stored, err := s.Decrypt(c)
	if err != nil {
		return nil, err
	}
	score := behavior.Cosine(stored, vector)

	if err := s.store.TouchCommitmentVerified(ctx, c.ID, now.UTC()); err != nil {
		s.logger.Warn("failed to record commitment use", "commitment_id", c.ID, "error", err)
	}
	return &Similarity{Score: score, Passed: score >= threshold}, nil
}

// Active returns the user's active commitment for t, or nil.
func (s *Service) Active(ctx context.Context, userID string, t behavior.ChallengeType) (*store.Commitment, error) {
	return s.store.ActiveCommitment(ctx, userID, t)
}

// ListActive returns all active commitments of a user.
func (s *Service) ListActive(ctx context.Context, userID string) ([]*store.Commitment, error) {
	return s.store.ActiveCommitments(ctx, userID)
}

// Revoke deactivates a commitment. The row itself is kept.
func (s *Service) Revoke(ctx context.Context, id string) error {
	c, err := s.store.GetCommitment(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.store.RevokeCommitment(ctx, id); err != nil {
		return err
	}
	s.logger.Info("commitment revoked", "commitment_id", id, "user_id", c.UserID, "type", c.Type)
	return nil
}
