package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recoveryd/internal/behavior"
)

const commitmentColumns = `id, user_id, challenge_type, encrypted_embedding, algorithm, public_key,
	wrapped_private_key, is_quantum_protected, unlock_conditions, active, revoked_at, superseded_by,
	sample_count, created_at, last_verified_at, commitment_hash, anchored, anchored_at`

// InsertCommitments stores a set of new commitments in one transaction. Any
// active commitment for the same (user, type) is revoked and marked as
// superseded, and each new commitment hash is queued for anchoring.
func (s *Store) InsertCommitments(ctx context.Context, cs []*Commitment) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE behavioral_commitments
				SET active = 0, revoked_at = ?, superseded_by = ?
				WHERE user_id = ? AND challenge_type = ? AND active = 1`,
				nanos(now), c.ID, c.UserID, string(c.Type),
			); err != nil {
				return fmt.Errorf("supersede commitment: %w", err)
			}

			unlock, err := json.Marshal(c.Unlock)
			if err != nil {
				return fmt.Errorf("marshal unlock conditions: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO behavioral_commitments (`+commitmentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL, NULL, ?, ?, NULL, ?, 0, NULL)`,
				c.ID, c.UserID, string(c.Type), c.EncryptedEmbedding, c.Algorithm, c.PublicKey,
				c.WrappedPrivateKey, boolInt(c.QuantumProtected), string(unlock),
				c.SampleCount, nanos(c.CreatedAt), c.CommitmentHash[:],
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: commitment %s", ErrDuplicate, c.ID)
				}
				return fmt.Errorf("insert commitment: %w", err)
			}
			c.Active = true

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pending_commitments (commitment_id, commitment_hash, enqueued_at, attempts, next_attempt_at, status)
				VALUES (?, ?, ?, 0, ?, ?)`,
				c.ID, c.CommitmentHash[:], nanos(now), nanos(now), PendingStatusPending,
			); err != nil {
				return fmt.Errorf("enqueue commitment: %w", err)
			}
		}
		return nil
	})
}

// GetCommitment returns the commitment with id, or nil.
func (s *Store) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+commitmentColumns+" FROM behavioral_commitments WHERE id = ?", id)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get commitment: %w", err)
	}
	return c, nil
}

// ActiveCommitment returns the active commitment for (user, type), or nil.
func (s *Store) ActiveCommitment(ctx context.Context, userID string, t behavior.ChallengeType) (*Commitment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+commitmentColumns+" FROM behavioral_commitments WHERE user_id = ? AND challenge_type = ? AND active = 1",
		userID, string(t),
	)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active commitment: %w", err)
	}
	return c, nil
}

// ActiveCommitments returns every active commitment of a user.
func (s *Store) ActiveCommitments(ctx context.Context, userID string) ([]*Commitment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+commitmentColumns+" FROM behavioral_commitments WHERE user_id = ? AND active = 1 ORDER BY created_at, challenge_type",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RevokeCommitment flips an active commitment to revoked.
func (s *Store) RevokeCommitment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE behavioral_commitments SET active = 0, revoked_at = ? WHERE id = ? AND active = 1",
		nanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("revoke commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke commitment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: active commitment %s", ErrNotFound, id)
	}
	return nil
}

// TouchCommitmentVerified records that a commitment was just used.
func (s *Store) TouchCommitmentVerified(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE behavioral_commitments SET last_verified_at = ? WHERE id = ?",
		nanos(at), id,
	); err != nil {
		return fmt.Errorf("touch commitment: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row scanner) (*Commitment, error) {
	var c Commitment
	var typ, unlock string
	var quantum, active, anchored int
	var revokedAt, lastVerified, anchoredAt sql.NullInt64
	var superseded sql.NullString
	var created int64
	var hash []byte

	err := row.Scan(
		&c.ID, &c.UserID, &typ, &c.EncryptedEmbedding, &c.Algorithm, &c.PublicKey,
		&c.WrappedPrivateKey, &quantum, &unlock, &active, &revokedAt, &superseded,
		&c.SampleCount, &created, &lastVerified, &hash, &anchored, &anchoredAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = behavior.ChallengeType(typ)
	c.QuantumProtected = quantum != 0
	c.Active = active != 0
	c.Anchored = anchored != 0
	c.RevokedAt = timePtr(revokedAt)
	c.SupersededBy = superseded.String
	c.CreatedAt = fromNanos(created)
	c.LastVerifiedAt = timePtr(lastVerified)
	c.AnchoredAt = timePtr(anchoredAt)
	c.CommitmentHash = hash32(hash)
	if err := json.Unmarshal([]byte(unlock), &c.Unlock); err != nil {
		return nil, fmt.Errorf("decode unlock conditions: %w", err)
	}
	return &c, nil
}
