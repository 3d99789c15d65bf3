// Package challenge issues behavioral challenges for recovery attempts
// following a fixed per-attempt schedule.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recoveryd/internal/behavior"
	"recoveryd/internal/security"
	"recoveryd/internal/store"
)

// Errors
var (
	ErrDailyQuota   = errors.New("challenge: daily challenge quota reached")
	ErrTaskMismatch = errors.New("challenge: response does not match the task")
)

// Store is the persistence the generator needs.
type Store interface {
	OpenChallenge(ctx context.Context, attemptID string) (*store.Challenge, error)
	MaxAttemptNumber(ctx context.Context, attemptID string, slot int) (int, error)
	InsertChallenge(ctx context.Context, c *store.Challenge) error
	CloseChallenge(ctx context.Context, c *store.Challenge) error
}

// Config controls issuance pacing.
type Config struct {
	ChallengesPerDay  int
	EnforceDailyQuota bool
}

// Generator issues challenges.
type Generator struct {
	store Store

	mu     sync.RWMutex
	config Config

	logger  *slog.Logger
	now     func() time.Time
	randInt func(max int) int
}

// NewGenerator creates a generator.
func NewGenerator(st Store, config Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:   st,
		config:  config,
		logger:  logger.With("component", "challenge"),
		now:     time.Now,
		randInt: randInt,
	}
}

// SetConfig replaces the pacing settings. Attempts in progress are paced by
// the new values from their next issuance on.
func (g *Generator) SetConfig(c Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config = c
}

// Config returns the current pacing settings.
func (g *Generator) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// quartile returns the number of slots per schedule segment.
func quartile(total int) int {
	q := total / len(behavior.Schedule)
	if q < 1 {
		q = 1
	}
	return q
}

// TypeForSlot returns the challenge type of a schedule slot. The first
// quarter of the budget is typing, then mouse, then cognitive, and the
// remainder navigation.
func TypeForSlot(slot, total int) behavior.ChallengeType {
	i := slot / quartile(total)
	if i >= len(behavior.Schedule) {
		i = len(behavior.Schedule) - 1
	}
	return behavior.Schedule[i]
}

// StageFor derives the attempt stage from its progress.
func StageFor(completed, total int) store.Stage {
	switch {
	case completed <= 0:
		return store.StageInitiated
	case completed >= total:
		return store.StageVerification
	}
	switch TypeForSlot(completed, total) {
	case behavior.TypeTyping:
		return store.StageTyping
	case behavior.TypeMouse:
		return store.StageMouse
	case behavior.TypeCognitive:
		return store.StageCognitive
	default:
		return store.StageNavigation
	}
}

// AnswerDigest is the stored form of an expected answer.
func AnswerDigest(challengeID, answer string) []byte {
	h := sha256.New()
	h.Write([]byte(challengeID))
	h.Write([]byte(normalizeAnswer(answer)))
	return h.Sum(nil)
}

func normalizeAnswer(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Next returns the challenge the attempt should answer now. An issued but
// unanswered challenge is returned unchanged. Next returns nil once every
// slot has been answered.
func (g *Generator) Next(ctx context.Context, a *store.Attempt) (*store.Challenge, error) {
	open, err := g.store.OpenChallenge(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}
	if a.ChallengesCompleted >= a.ChallengesTotal {
		return nil, nil
	}

	if cfg := g.Config(); cfg.EnforceDailyQuota && cfg.ChallengesPerDay > 0 {
		day := int(g.now().Sub(a.StartedAt) / (24 * time.Hour))
		if a.ChallengesCompleted >= (day+1)*cfg.ChallengesPerDay {
			return nil, fmt.Errorf("%w: %d completed by day %d", ErrDailyQuota, a.ChallengesCompleted, day+1)
		}
	}

	return g.issue(ctx, a, a.ChallengesCompleted)
}

// Retry closes an unanswerable challenge and issues a fresh one for the same
// slot.
func (g *Generator) Retry(ctx context.Context, a *store.Attempt, c *store.Challenge) (*store.Challenge, error) {
	if err := g.store.CloseChallenge(ctx, c); err != nil {
		return nil, err
	}
	return g.issue(ctx, a, c.Slot)
}

func (g *Generator) issue(ctx context.Context, a *store.Attempt, slot int) (*store.Challenge, error) {
	t := TypeForSlot(slot, a.ChallengesTotal)
	body, err := g.generate(t)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body.payload)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge payload: %w", err)
	}

	n, err := g.store.MaxAttemptNumber(ctx, a.ID, slot)
	if err != nil {
		return nil, err
	}

	c := &store.Challenge{
		ID:            uuid.NewString(),
		AttemptID:     a.ID,
		Type:          t,
		Slot:          slot,
		AttemptNumber: n + 1,
		Payload:       payload,
		CreatedAt:     g.now().UTC(),
	}
	if body.answer != "" {
		c.AnswerDigest = AnswerDigest(c.ID, body.answer)
	}

	if err := g.store.InsertChallenge(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent caller issued this slot first.
			if open, oerr := g.store.OpenChallenge(ctx, a.ID); oerr == nil && open != nil {
				return open, nil
			}
		}
		return nil, err
	}

	g.logger.Debug("challenge issued",
		"attempt_id", a.ID,
		"challenge_id", c.ID,
		"type", t,
		"slot", slot,
		"attempt_number", c.AttemptNumber,
	)
	return c, nil
}

// VerifyAnswer checks the task part of a response against the stored
// digest. Challenges without an expected answer always pass.
func VerifyAnswer(c *store.Challenge, data *behavior.Data) error {
	if len(c.AnswerDigest) == 0 {
		return nil
	}

	var answer string
	switch c.Type {
	case behavior.TypeTyping:
		if data.Typing != nil {
			answer = data.Typing.TypedText
		}
	case behavior.TypeCognitive:
		if data.Cognitive != nil {
			answer = data.Cognitive.Answer
		}
	case behavior.TypeNavigation:
		if data.Navigation != nil && len(data.Navigation.Path) > 0 {
			answer = data.Navigation.Path[len(data.Navigation.Path)-1]
		}
	}
	if answer == "" {
		return fmt.Errorf("%w: no answer for %s challenge", ErrTaskMismatch, c.Type)
	}
	if !security.SecureCompare(AnswerDigest(c.ID, answer), c.AnswerDigest) {
		return ErrTaskMismatch
	}
	return nil
}

// DecodePayload parses a stored challenge payload.
func DecodePayload(c *store.Challenge) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode challenge payload: %w", err)
	}
	return &p, nil
}
