// Package recovery runs behavioral account-recovery attempts: initiation,
// challenge evaluation and the final credential reset.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"recoveryd/internal/adversarial"
	"recoveryd/internal/behavior"
	"recoveryd/internal/challenge"
	"recoveryd/internal/commitment"
	"recoveryd/internal/duress"
	"recoveryd/internal/security"
	"recoveryd/internal/store"
)

// Audit event types.
const (
	EventInitiated           = "recovery_initiated"
	EventChallengeCompleted  = "challenge_completed"
	EventChallengeFailed     = "challenge_failed"
	EventAdversarialDetected = "adversarial_detected"
	EventReplayDetected      = "replay_detected"
	EventTaskMismatch        = "challenge_task_mismatch"
	EventCompleted           = "recovery_completed"
	EventFailed              = "recovery_failed"
	EventAbandoned           = "recovery_abandoned"
	EventExpired             = "recovery_expired"
	EventCommitmentsCreated  = "commitments_created"
)

// Store is the persistence the orchestrator needs. *store.Store implements
// it.
type Store interface {
	challenge.Store
	InsertAttempt(ctx context.Context, a *store.Attempt, audit *store.AuditEntry) error
	GetAttempt(ctx context.Context, id string) (*store.Attempt, error)
	UpdateAttempt(ctx context.Context, a *store.Attempt, audit *store.AuditEntry) error
	GetChallenge(ctx context.Context, id string) (*store.Challenge, error)
	RecordEvaluation(ctx context.Context, c *store.Challenge, a *store.Attempt, audit *store.AuditEntry) error
	CompleteAttempt(ctx context.Context, a *store.Attempt, credentialHash string, audit *store.AuditEntry) error
	AppendAudit(ctx context.Context, e *store.AuditEntry) error
}

// UserDirectory resolves recovering users.
type UserDirectory interface {
	FindUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// AuditSink receives a copy of every audit entry after it is stored.
// Delivery is best effort.
type AuditSink interface {
	Emit(ctx context.Context, e *store.AuditEntry)
}

// AuditSinks fans an entry out to several sinks in order.
type AuditSinks []AuditSink

// Emit forwards e to every sink.
func (s AuditSinks) Emit(ctx context.Context, e *store.AuditEntry) {
	for _, sink := range s {
		sink.Emit(ctx, e)
	}
}

// ThresholdPolicy may override the similarity threshold for a user.
type ThresholdPolicy func(userID string, base float64) float64

// Policy holds the tunable recovery rules.
type Policy struct {
	TimelineDays        int
	ChallengesPerDay    int
	SimilarityThreshold float64
	// ExpiryGrace extends an attempt past its expected completion.
	ExpiryGrace time.Duration
	// RequireAllChallenges refuses completion until every challenge is
	// answered.
	RequireAllChallenges bool
	// RequireAdditionalVerificationOnDuress refuses completion of attempts
	// flagged by the duress scorer.
	RequireAdditionalVerificationOnDuress bool
}

// DefaultPolicy returns the production rules.
func DefaultPolicy() Policy {
	return Policy{
		TimelineDays:         5,
		ChallengesPerDay:     4,
		SimilarityThreshold:  0.87,
		RequireAllChallenges: true,
	}
}

// Options wires an orchestrator.
type Options struct {
	Store       Store
	Commitments *commitment.Service
	Challenges  *challenge.Generator
	Detector    *adversarial.Detector
	Duress      *duress.Scorer
	Audit       AuditSink
	Threshold   ThresholdPolicy
	Policy      Policy
	Logger      *slog.Logger
}

// Orchestrator drives the recovery state machine. It holds no per-attempt
// state; every operation reloads the attempt and writes it back under its
// version.
type Orchestrator struct {
	store       Store
	commitments *commitment.Service
	challenges  *challenge.Generator
	detector    *adversarial.Detector
	duress      *duress.Scorer
	audit       AuditSink
	threshold   ThresholdPolicy
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.RWMutex
	policy Policy
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scorer := opts.Duress
	if scorer == nil {
		scorer = duress.NewScorer()
	}
	return &Orchestrator{
		store:       opts.Store,
		commitments: opts.Commitments,
		challenges:  opts.Challenges,
		detector:    opts.Detector,
		duress:      scorer,
		audit:       opts.Audit,
		threshold:   opts.Threshold,
		policy:      opts.Policy,
		logger:      logger.With("component", "recovery"),
		now:         time.Now,
	}
}

// SetPolicy replaces the recovery rules. Attempts already started keep the
// threshold and challenge budget they were created with.
func (o *Orchestrator) SetPolicy(p Policy) {
	o.mu.Lock()
	o.policy = p
	o.mu.Unlock()
	o.logger.Info("recovery policy updated",
		"timeline_days", p.TimelineDays,
		"challenges_per_day", p.ChallengesPerDay,
		"threshold", p.SimilarityThreshold,
	)
}

// Policy returns the current rules.
func (o *Orchestrator) Policy() Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.policy
}

func (o *Orchestrator) emit(ctx context.Context, e *store.AuditEntry) {
	if o.audit != nil && e != nil {
		o.audit.Emit(ctx, e)
	}
}

// Initiation is the result of starting an attempt.
type Initiation struct {
	Attempt        *store.Attempt
	FirstChallenge *store.Challenge
}

// Initiate starts a recovery attempt for user.
func (o *Orchestrator) Initiate(ctx context.Context, user *store.User, sec store.SecurityContext) (*Initiation, error) {
	active, err := o.commitments.ListActive(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: user %s", ErrNoCommitments, user.ID)
	}

	p := o.Policy()
	threshold := p.SimilarityThreshold
	if o.threshold != nil {
		threshold = o.threshold(user.ID, threshold)
	}

	now := o.now().UTC()
	a := &store.Attempt{
		ID:                  uuid.NewString(),
		UserID:              user.ID,
		Email:               user.Email,
		StartedAt:           now,
		ExpectedCompletion:  now.Add(time.Duration(p.TimelineDays) * 24 * time.Hour),
		Stage:               store.StageInitiated,
		Status:              store.StatusInProgress,
		ChallengesTotal:     p.TimelineDays * p.ChallengesPerDay,
		SimilarityThreshold: threshold,
		SimilarityScores:    map[behavior.ChallengeType]float64{},
		Security:            sec,
	}
	if a.ChallengesTotal < 1 {
		a.ChallengesTotal = 1
	}

	audit := &store.AuditEntry{
		EventType: EventInitiated,
		AttemptID: a.ID,
		UserID:    user.ID,
		IP:        sec.IP,
		UserAgent: sec.UserAgent,
		Details: map[string]any{
			"timeline_days":        p.TimelineDays,
			"challenges_total":     a.ChallengesTotal,
			"similarity_threshold": threshold,
			"active_commitments":   len(active),
		},
	}
	if err := o.store.InsertAttempt(ctx, a, audit); err != nil {
		return nil, err
	}
	o.emit(ctx, audit)

	first, err := o.challenges.Next(ctx, a)
	if err != nil {
		return nil, err
	}

	o.logger.Info("recovery initiated",
		"attempt_id", a.ID,
		"user_id", user.ID,
		"challenges_total", a.ChallengesTotal,
		"threshold", threshold,
	)
	return &Initiation{Attempt: a, FirstChallenge: first}, nil
}

// load returns the attempt, expiring it first if its deadline has passed.
func (o *Orchestrator) load(ctx context.Context, attemptID string) (*store.Attempt, error) {
	a, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if a.Status != store.StatusInProgress {
		return a, nil
	}

	deadline := a.ExpectedCompletion.Add(o.Policy().ExpiryGrace)
	if !o.now().After(deadline) {
		return a, nil
	}

	a.Status = store.StatusExpired
	audit := &store.AuditEntry{
		EventType: EventExpired,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details: map[string]any{
			"expected_completion":  a.ExpectedCompletion,
			"challenges_completed": a.ChallengesCompleted,
		},
	}
	if err := o.store.UpdateAttempt(ctx, a, audit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return o.load(ctx, attemptID)
		}
		return nil, err
	}
	o.emit(ctx, audit)
	o.logger.Info("recovery attempt expired", "attempt_id", a.ID)
	return a, nil
}

// loadActive is load for operations that need an in-progress attempt.
func (o *Orchestrator) loadActive(ctx context.Context, attemptID string) (*store.Attempt, error) {
	a, err := o.load(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case store.StatusInProgress:
		return a, nil
	case store.StatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrAttemptExpired, a.ID)
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrAttemptClosed, a.ID, a.Status)
}

// Next returns the challenge the attempt should answer now, or nil when all
// challenges are done.
func (o *Orchestrator) Next(ctx context.Context, attemptID string) (*store.Challenge, error) {
	a, err := o.loadActive(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return o.challenges.Next(ctx, a)
}

// Evaluation is the outcome of a scored challenge response.
type Evaluation struct {
	ChallengeID         string
	Type                behavior.ChallengeType
	SimilarityScore     float64
	Passed              bool
	ChallengesCompleted int
	ChallengesTotal     int
	OverallSimilarity   float64
	Stage               store.Stage
	Duress              duress.Result
	NextChallenge       *store.Challenge
}

// Evaluate scores a response to challengeID. A blocked submission records
// no progress; the challenge is replaced with a fresh one for the same
// slot.
func (o *Orchestrator) Evaluate(ctx context.Context, attemptID, challengeID string, raw []byte) (*Evaluation, error) {
	a, err := o.loadActive(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	c, err := o.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c == nil || c.AttemptID != a.ID {
		return nil, fmt.Errorf("%w: %s", ErrChallengeNotFound, challengeID)
	}
	if c.Completed() {
		return nil, fmt.Errorf("%w: %s", ErrChallengeCompleted, challengeID)
	}

	data, err := behavior.DecodeData(raw)
	if err != nil {
		return nil, err
	}
	if _, err := data.Features(c.Type); err != nil {
		return nil, err
	}

	assessment, err := o.detector.Check(ctx, a.UserID, raw, data)
	if err != nil {
		return nil, err
	}
	if !assessment.Safe {
		return nil, o.reject(ctx, a, c, raw, assessment)
	}

	if err := challenge.VerifyAnswer(c, data); err != nil {
		return nil, o.mismatch(ctx, a, c, raw, err)
	}

	stress := o.duress.Score(data)

	cm, err := o.commitments.Active(ctx, a.UserID, c.Type)
	if err != nil {
		return nil, err
	}
	if cm == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCommitment, c.Type)
	}

	vec, err := behavior.ExtractData(c.Type, data)
	if err != nil {
		return nil, err
	}
	sim, err := o.commitments.VerifySimilarity(ctx, cm, vec, a.SimilarityThreshold)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	taken := now.Sub(c.CreatedAt).Seconds()
	c.Response = raw
	c.SimilarityScore = &sim.Score
	c.Passed = &sim.Passed
	c.CompletedAt = &now
	c.TimeTakenSeconds = &taken

	a.ChallengesCompleted++
	if a.SimilarityScores == nil {
		a.SimilarityScores = make(map[behavior.ChallengeType]float64)
	}
	a.SimilarityScores[c.Type] = sim.Score
	a.RecomputeOverall()
	a.Stage = challenge.StageFor(a.ChallengesCompleted, a.ChallengesTotal)
	if stress.IsDuress {
		a.RequiresAdditionalVerification = true
	}

	audit := &store.AuditEntry{
		EventType: EventChallengeCompleted,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details: map[string]any{
			"challenge_id":       c.ID,
			"challenge_type":     string(c.Type),
			"similarity_score":   sim.Score,
			"passed":             sim.Passed,
			"overall_similarity": a.OverallSimilarity,
			"stress_score":       stress.StressScore,
			"duress":             stress.IsDuress,
		},
	}
	if !sim.Passed {
		audit.EventType = EventChallengeFailed
	}
	if stress.IsDuress {
		audit.Severity = store.SeverityWarning
		audit.Details["duress_indicators"] = stress.Indicators
		audit.Details["recommendation"] = string(stress.Recommendation)
	}

	if err := o.store.RecordEvaluation(ctx, c, a, audit); err != nil {
		if errors.Is(err, store.ErrChallengeClosed) {
			return nil, fmt.Errorf("%w: %s", ErrChallengeCompleted, c.ID)
		}
		return nil, err
	}
	o.emit(ctx, audit)

	o.logger.Info("challenge evaluated",
		"attempt_id", a.ID,
		"challenge_id", c.ID,
		"type", c.Type,
		"score", sim.Score,
		"passed", sim.Passed,
		"completed", a.ChallengesCompleted,
		"total", a.ChallengesTotal,
	)

	ev := &Evaluation{
		ChallengeID:         c.ID,
		Type:                c.Type,
		SimilarityScore:     sim.Score,
		Passed:              sim.Passed,
		ChallengesCompleted: a.ChallengesCompleted,
		ChallengesTotal:     a.ChallengesTotal,
		OverallSimilarity:   a.OverallSimilarity,
		Stage:               a.Stage,
		Duress:              stress,
	}

	next, err := o.challenges.Next(ctx, a)
	switch {
	case errors.Is(err, challenge.ErrDailyQuota):
	case err != nil:
		o.logger.Warn("failed to issue next challenge", "attempt_id", a.ID, "error", err)
	default:
		ev.NextChallenge = next
	}
	return ev, nil
}

func (o *Orchestrator) reject(ctx context.Context, a *store.Attempt, c *store.Challenge, raw []byte, assessment *adversarial.Assessment) error {
	event := EventAdversarialDetected
	severity := store.SeverityWarning
	if assessment.Has(adversarial.KindReplay) {
		event = EventReplayDetected
		severity = store.SeverityCritical
	}

	issues := make([]map[string]any, 0, len(assessment.Issues))
	for _, is := range assessment.Issues {
		issues = append(issues, map[string]any{
			"kind":        string(is.Kind),
			"risk":        is.Risk,
			"description": is.Description,
		})
	}
	audit := &store.AuditEntry{
		EventType: event,
		Severity:  severity,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details: map[string]any{
			"challenge_id": c.ID,
			"reason":       assessment.Reason(),
			"overall_risk": assessment.OverallRisk,
			"issues":       issues,
		},
	}
	if err := o.store.AppendAudit(ctx, audit); err != nil {
		return err
	}
	o.emit(ctx, audit)

	o.logger.Warn("submission rejected",
		"attempt_id", a.ID,
		"challenge_id", c.ID,
		"reason", assessment.Reason(),
		"risk", assessment.OverallRisk,
	)

	c.Response = raw
	if _, err := o.challenges.Retry(ctx, a, c); err != nil && !errors.Is(err, store.ErrChallengeClosed) {
		return err
	}
	return &SecurityRejectedError{
		Reason: assessment.Reason(),
		Risk:   assessment.OverallRisk,
		Issues: assessment.Issues,
	}
}

func (o *Orchestrator) mismatch(ctx context.Context, a *store.Attempt, c *store.Challenge, raw []byte, cause error) error {
	audit := &store.AuditEntry{
		EventType: EventTaskMismatch,
		Severity:  store.SeverityWarning,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details: map[string]any{
			"challenge_id":   c.ID,
			"challenge_type": string(c.Type),
		},
	}
	if err := o.store.AppendAudit(ctx, audit); err != nil {
		return err
	}
	o.emit(ctx, audit)

	c.Response = raw
	if _, err := o.challenges.Retry(ctx, a, c); err != nil && !errors.Is(err, store.ErrChallengeClosed) {
		return err
	}
	return cause
}

// Complete resets the user's credential if the attempt met its threshold.
// Falling short of the threshold ends the attempt.
func (o *Orchestrator) Complete(ctx context.Context, attemptID, newSecret string) (*store.Attempt, error) {
	a, err := o.loadActive(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	if len(a.SimilarityScores) == 0 || a.OverallSimilarity < a.SimilarityThreshold {
		return nil, o.failThreshold(ctx, a)
	}
	p := o.Policy()
	if p.RequireAllChallenges && a.ChallengesCompleted < a.ChallengesTotal {
		return nil, fmt.Errorf("%w: %d of %d answered", ErrChallengesIncomplete, a.ChallengesCompleted, a.ChallengesTotal)
	}
	if p.RequireAdditionalVerificationOnDuress && a.RequiresAdditionalVerification {
		return nil, ErrAdditionalVerificationRequired
	}

	hash, err := security.HashCredential(newSecret)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	a.Status = store.StatusCompleted
	a.Stage = store.StageCompleted
	a.CompletedAt = &now
	audit := &store.AuditEntry{
		EventType: EventCompleted,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details: map[string]any{
			"overall_similarity":   a.OverallSimilarity,
			"similarity_threshold": a.SimilarityThreshold,
			"challenges_completed": a.ChallengesCompleted,
		},
	}

	if err := o.store.CompleteAttempt(ctx, a, hash, audit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		o.markFailed(ctx, attemptID, "credential_reset_failed", err)
		return nil, fmt.Errorf("credential reset: %w", err)
	}
	o.emit(ctx, audit)

	o.logger.Info("recovery completed", "attempt_id", a.ID, "user_id", a.UserID)
	return a, nil
}

func (o *Orchestrator) failThreshold(ctx context.Context, a *store.Attempt) error {
	a.Status = store.StatusFailed
	audit := &store.AuditEntry{
		EventType: EventFailed,
		Severity:  store.SeverityWarning,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details: map[string]any{
			"reason":               "threshold_not_met",
			"overall_similarity":   a.OverallSimilarity,
			"similarity_threshold": a.SimilarityThreshold,
		},
	}
	if err := o.store.UpdateAttempt(ctx, a, audit); err != nil {
		return err
	}
	o.emit(ctx, audit)
	return fmt.Errorf("%w: %.3f < %.3f", ErrThresholdNotMet, a.OverallSimilarity, a.SimilarityThreshold)
}

// markFailed reloads the attempt and forces it to failed. The caller's copy
// may be stale after a rolled back transaction.
func (o *Orchestrator) markFailed(ctx context.Context, attemptID, reason string, cause error) {
	a, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil || a == nil {
		o.logger.Error("cannot load attempt to mark failed", "attempt_id", attemptID, "error", err, "cause", cause)
		return
	}
	a.Status = store.StatusFailed
	audit := &store.AuditEntry{
		EventType: EventFailed,
		Severity:  store.SeverityCritical,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details:   map[string]any{"reason": reason, "error": cause.Error()},
	}
	if err := o.store.UpdateAttempt(ctx, a, audit); err != nil {
		o.logger.Error("cannot mark attempt failed", "attempt_id", attemptID, "error", err, "cause", cause)
		return
	}
	o.emit(ctx, audit)
	o.logger.Error("recovery failed", "attempt_id", attemptID, "reason", reason, "error", cause)
}

// Abandon ends an attempt at the user's request.
func (o *Orchestrator) Abandon(ctx context.Context, attemptID string) error {
	a, err := o.loadActive(ctx, attemptID)
	if err != nil {
		return err
	}
	a.Status = store.StatusAbandoned
	audit := &store.AuditEntry{
		EventType: EventAbandoned,
		AttemptID: a.ID,
		UserID:    a.UserID,
		Details:   map[string]any{"challenges_completed": a.ChallengesCompleted},
	}
	if err := o.store.UpdateAttempt(ctx, a, audit); err != nil {
		return err
	}
	o.emit(ctx, audit)
	return nil
}

// Status is a read-only view of an attempt.
type Status struct {
	Attempt       *store.Attempt
	DaysRemaining int
	Progress      float64
}

// Status returns the attempt's current state. Reading an attempt past its
// deadline expires it.
func (o *Orchestrator) Status(ctx context.Context, attemptID string) (*Status, error) {
	a, err := o.load(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	st := &Status{Attempt: a}
	if a.Status == store.StatusInProgress {
		if left := a.ExpectedCompletion.Sub(o.now()); left > 0 {
			st.DaysRemaining = int((left + 24*time.Hour - 1) / (24 * time.Hour))
		}
	}
	if a.ChallengesTotal > 0 {
		st.Progress = float64(a.ChallengesCompleted) / float64(a.ChallengesTotal)
	}
	return st, nil
}
