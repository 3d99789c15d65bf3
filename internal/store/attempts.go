package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"recoveryd/internal/behavior"
)

const attemptColumns = `id, user_id, contact_email, started_at, expected_completion, completed_at,
	current_stage, status, challenges_completed, challenges_total, similarity_threshold,
	similarity_scores, overall_similarity, requires_additional_verification, security_context, version`

const challengeColumns = `id, attempt_id, challenge_type, slot_index, attempt_number, payload,
	answer_digest, response_payload, similarity_score, passed, created_at, completed_at, time_taken_seconds`

// InsertAttempt stores a new attempt at version 1, together with its
// opening audit entry.
func (s *Store) InsertAttempt(ctx context.Context, a *Attempt, audit *AuditEntry) error {
	a.RecomputeOverall()
	a.Version = 1

	scores, err := json.Marshal(a.SimilarityScores)
	if err != nil {
		return fmt.Errorf("marshal similarity scores: %w", err)
	}
	sec, err := json.Marshal(a.Security)
	if err != nil {
		return fmt.Errorf("marshal security context: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_attempts (`+attemptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, nullString(a.UserID), a.Email, nanos(a.StartedAt), nanos(a.ExpectedCompletion),
			nullNanos(a.CompletedAt), string(a.Stage), string(a.Status), a.ChallengesCompleted,
			a.ChallengesTotal, a.SimilarityThreshold, string(scores), a.OverallSimilarity,
			boolInt(a.RequiresAdditionalVerification), string(sec), a.Version,
		); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

// GetAttempt returns the attempt with id, or nil.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+attemptColumns+" FROM recovery_attempts WHERE id = ?", id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// UpdateAttempt writes a's mutable fields if the stored version still
// equals a.Version, then bumps the version. A lost race returns ErrConflict.
// audit, when non-nil, is appended in the same transaction.
func (s *Store) UpdateAttempt(ctx context.Context, a *Attempt, audit *AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

func (s *Store) updateAttempt(ctx context.Context, ex execer, a *Attempt) error {
	a.RecomputeOverall()

	scores, err := json.Marshal(a.SimilarityScores)
	if err != nil {
		return fmt.Errorf("marshal similarity scores: %w", err)
	}

	res, err := ex.ExecContext(ctx, `
		UPDATE recovery_attempts
		SET user_id = ?, completed_at = ?, current_stage = ?, status = ?, challenges_completed = ?,
			similarity_scores = ?, overall_similarity = ?, requires_additional_verification = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		nullString(a.UserID), nullNanos(a.CompletedAt), string(a.Stage), string(a.Status),
		a.ChallengesCompleted, string(scores), a.OverallSimilarity,
		boolInt(a.RequiresAdditionalVerification), a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: attempt %s at version %d", ErrConflict, a.ID, a.Version)
	}
	a.Version++
	return nil
}

// InsertChallenge stores a newly issued challenge.
func (s *Store) InsertChallenge(ctx context.Context, c *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO behavioral_challenges (`+challengeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, NULL, NULL)`,
		c.ID, c.AttemptID, string(c.Type), c.Slot, c.AttemptNumber, string(c.Payload),
		c.AnswerDigest, nanos(c.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: challenge slot %d attempt %d", ErrDuplicate, c.Slot, c.AttemptNumber)
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge returns the challenge with id, or nil.
func (s *Store) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+challengeColumns+" FROM behavioral_challenges WHERE id = ?", id)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return c, nil
}

// OpenChallenge returns the most recent unanswered challenge of an attempt,
// or nil.
func (s *Store) OpenChallenge(ctx context.Context, attemptID string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+` FROM behavioral_challenges
		WHERE attempt_id = ? AND completed_at IS NULL
		ORDER BY created_at DESC, attempt_number DESC LIMIT 1`,
		attemptID,
	)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open challenge: %w", err)
	}
	return c, nil
}

// ListChallenges returns every challenge of an attempt in issue order.
func (s *Store) ListChallenges(ctx context.Context, attemptID string) ([]*Challenge, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+challengeColumns+" FROM behavioral_challenges WHERE attempt_id = ? ORDER BY slot_index, attempt_number",
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	defer rows.Close()

	var out []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxAttemptNumber returns the highest attempt number issued for a slot,
// or 0 when the slot has never been issued.
func (s *Store) MaxAttemptNumber(ctx context.Context, attemptID string, slot int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(attempt_number), 0) FROM behavioral_challenges WHERE attempt_id = ? AND slot_index = ?",
		attemptID, slot,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max attempt number: %w", err)
	}
	return n, nil
}

// CloseChallenge marks an open challenge as completed without a score, so a
// retry can be issued for its slot. The response is kept for audit.
func (s *Store) CloseChallenge(ctx context.Context, c *Challenge) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE behavioral_challenges
		SET response_payload = ?, passed = 0, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		nullRaw(c.Response), nanos(now), c.ID,
	)
	if err != nil {
		return fmt.Errorf("close challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close challenge: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrChallengeClosed, c.ID)
	}
	c.CompletedAt = &now
	return nil
}

// RecordEvaluation atomically stores a scored challenge response and the
// attempt progress it produced. The challenge write is conditioned on
// completed_at IS NULL and the attempt write on its version.
func (s *Store) RecordEvaluation(ctx context.Context, c *Challenge, a *Attempt, audit *AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE behavioral_challenges
			SET response_payload = ?, similarity_score = ?, passed = ?, completed_at = ?, time_taken_seconds = ?
			WHERE id = ? AND completed_at IS NULL`,
			nullRaw(c.Response), c.SimilarityScore, c.Passed, nullNanos(c.CompletedAt), c.TimeTakenSeconds, c.ID,
		)
		if err != nil {
			return fmt.Errorf("record challenge response: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record challenge response: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrChallengeClosed, c.ID)
		}

		if err := s.updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

// CompleteAttempt resets the user's credential and finalizes the attempt as
// a single commit point. Either both happen or neither does.
func (s *Store) CompleteAttempt(ctx context.Context, a *Attempt, credentialHash string, audit *AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.resetCredential(ctx, tx, a.UserID, credentialHash); err != nil {
			return err
		}
		if err := s.updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

func nullRaw(r json.RawMessage) sql.NullString {
	return sql.NullString{String: string(r), Valid: len(r) > 0}
}

func scanAttempt(row scanner) (*Attempt, error) {
	var a Attempt
	var userID sql.NullString
	var started, expected int64
	var completed sql.NullInt64
	var stage, status, scores, sec string
	var extra int

	err := row.Scan(
		&a.ID, &userID, &a.Email, &started, &expected, &completed,
		&stage, &status, &a.ChallengesCompleted, &a.ChallengesTotal, &a.SimilarityThreshold,
		&scores, &a.OverallSimilarity, &extra, &sec, &a.Version,
	)
	if err != nil {
		return nil, err
	}

	a.UserID = userID.String
	a.StartedAt = fromNanos(started)
	a.ExpectedCompletion = fromNanos(expected)
	a.CompletedAt = timePtr(completed)
	a.Stage = Stage(stage)
	a.Status = AttemptStatus(status)
	a.RequiresAdditionalVerification = extra != 0

	a.SimilarityScores = make(map[behavior.ChallengeType]float64)
	if err := json.Unmarshal([]byte(scores), &a.SimilarityScores); err != nil {
		return nil, fmt.Errorf("decode similarity scores: %w", err)
	}
	if err := json.Unmarshal([]byte(sec), &a.Security); err != nil {
		return nil, fmt.Errorf("decode security context: %w", err)
	}
	return &a, nil
}

func scanChallenge(row scanner) (*Challenge, error) {
	var c Challenge
	var typ, payload string
	var response sql.NullString
	var score, taken sql.NullFloat64
	var passed sql.NullBool
	var created int64
	var completed sql.NullInt64

	err := row.Scan(
		&c.ID, &c.AttemptID, &typ, &c.Slot, &c.AttemptNumber, &payload,
		&c.AnswerDigest, &response, &score, &passed, &created, &completed, &taken,
	)
	if err != nil {
		return nil, err
	}

	c.Type = behavior.ChallengeType(typ)
	c.Payload = json.RawMessage(payload)
	if response.Valid {
		c.Response = json.RawMessage(response.String)
	}
	if score.Valid {
		c.SimilarityScore = &score.Float64
	}
	if passed.Valid {
		c.Passed = &passed.Bool
	}
	if taken.Valid {
		c.TimeTakenSeconds = &taken.Float64
	}
	c.CreatedAt = fromNanos(created)
	c.CompletedAt = timePtr(completed)
	return &c, nil
}
