package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DuePending returns up to limit pending outbox rows whose next attempt is
// due, oldest first.
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]*PendingCommitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commitment_id, commitment_hash, enqueued_at, attempts, next_attempt_at, last_error, status
		FROM pending_commitments
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY enqueued_at, commitment_id
		LIMIT ?`,
		PendingStatusPending, nanos(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*PendingCommitment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PendingByStatus lists outbox rows in a given status.
func (s *Store) PendingByStatus(ctx context.Context, status string) ([]*PendingCommitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commitment_id, commitment_hash, enqueued_at, attempts, next_attempt_at, last_error, status
		FROM pending_commitments WHERE status = ? ORDER BY enqueued_at, commitment_id`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*PendingCommitment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPending(rows *sql.Rows) (*PendingCommitment, error) {
	var p PendingCommitment
	var hash []byte
	var enqueued, next int64
	var lastErr sql.NullString
	if err := rows.Scan(&p.CommitmentID, &hash, &enqueued, &p.Attempts, &next, &lastErr, &p.Status); err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	p.CommitmentHash = hash32(hash)
	p.EnqueuedAt = fromNanos(enqueued)
	p.NextAttemptAt = fromNanos(next)
	p.LastError = lastErr.String
	return &p, nil
}

// RecordAnchor persists a submitted batch: the anchor row, one proof per
// commitment, the anchored flags, and removal from the outbox, all in one
// transaction.
func (s *Store) RecordAnchor(ctx context.Context, a *Anchor, proofs []*MerkleProof) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blockchain_anchors (id, merkle_root, root_signature, tx_ref, block_ref, network, batch_size, cost_metadata, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MerkleRoot[:], a.RootSignature, a.TxRef, nullString(a.BlockRef), a.Network,
			a.BatchSize, nullRaw(a.Cost), nanos(a.SubmittedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: anchor root %x", ErrDuplicate, a.MerkleRoot)
			}
			return fmt.Errorf("insert anchor: %w", err)
		}

		for _, p := range proofs {
			siblings, err := json.Marshal(p.Siblings)
			if err != nil {
				return fmt.Errorf("marshal proof: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO merkle_proofs (commitment_id, anchor_id, merkle_root, siblings, leaf_index, leaf_hash)
				VALUES (?, ?, ?, ?, ?, ?)`,
				p.CommitmentID, a.ID, p.MerkleRoot[:], string(siblings), p.LeafIndex, p.LeafHash[:],
			); err != nil {
				return fmt.Errorf("insert proof: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE behavioral_commitments SET anchored = 1, anchored_at = ? WHERE id = ?",
				nanos(a.SubmittedAt), p.CommitmentID,
			); err != nil {
				return fmt.Errorf("mark anchored: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM pending_commitments WHERE commitment_id = ?",
				p.CommitmentID,
			); err != nil {
				return fmt.Errorf("dequeue commitment: %w", err)
			}
		}
		return nil
	})
}

// DeferPending records a failed anchoring attempt for the given rows. Rows
// whose attempt count exceeds maxRetries are marked failed and their ids
// returned; the rest are rescheduled at now plus backoff(attempts).
func (s *Store) DeferPending(ctx context.Context, ids []string, cause string, now time.Time, maxRetries int, backoff func(attempts int) time.Duration) ([]string, error) {
	var failed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		failed = failed[:0]
		for _, id := range ids {
			var attempts int
			err := tx.QueryRowContext(ctx,
				"SELECT attempts FROM pending_commitments WHERE commitment_id = ?", id,
			).Scan(&attempts)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read pending: %w", err)
			}

			attempts++
			status := PendingStatusPending
			if attempts > maxRetries {
				status = PendingStatusFailed
				failed = append(failed, id)
			}
			next := now.Add(backoff(attempts))

			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_commitments
				SET attempts = ?, next_attempt_at = ?, last_error = ?, status = ?
				WHERE commitment_id = ?`,
				attempts, nanos(next), cause, status, id,
			); err != nil {
				return fmt.Errorf("defer pending: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ProofForCommitment returns the stored proof and its anchor, or nils if
// the commitment has not been anchored.
func (s *Store) ProofForCommitment(ctx context.Context, commitmentID string) (*MerkleProof, *Anchor, error) {
	var p MerkleProof
	var a Anchor
	var proofRoot, leaf, anchorRoot []byte
	var siblings string
	var blockRef, cost sql.NullString
	var submitted int64

	err := s.db.QueryRowContext(ctx, `
		SELECT p.commitment_id, p.anchor_id, p.merkle_root, p.siblings, p.leaf_index, p.leaf_hash,
			a.id, a.merkle_root, a.root_signature, a.tx_ref, a.block_ref, a.network, a.batch_size, a.cost_metadata, a.submitted_at
		FROM merkle_proofs p JOIN blockchain_anchors a ON a.id = p.anchor_id
		WHERE p.commitment_id = ?`,
		commitmentID,
	).Scan(
		&p.CommitmentID, &p.AnchorID, &proofRoot, &siblings, &p.LeafIndex, &leaf,
		&a.ID, &anchorRoot, &a.RootSignature, &a.TxRef, &blockRef, &a.Network, &a.BatchSize, &cost, &submitted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get proof: %w", err)
	}

	p.MerkleRoot = hash32(proofRoot)
	p.LeafHash = hash32(leaf)
	if err := json.Unmarshal([]byte(siblings), &p.Siblings); err != nil {
		return nil, nil, fmt.Errorf("decode proof: %w", err)
	}
	a.MerkleRoot = hash32(anchorRoot)
	a.BlockRef = blockRef.String
	if cost.Valid {
		a.Cost = json.RawMessage(cost.String)
	}
	a.SubmittedAt = fromNanos(submitted)
	return &p, &a, nil
}

// ListAnchors returns anchors newest first.
func (s *Store) ListAnchors(ctx context.Context, limit int) ([]*Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, merkle_root, root_signature, tx_ref, block_ref, network, batch_size, cost_metadata, submitted_at
		FROM blockchain_anchors ORDER BY submitted_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []*Anchor
	for rows.Next() {
		var a Anchor
		var root []byte
		var blockRef, cost sql.NullString
		var submitted int64
		if err := rows.Scan(&a.ID, &root, &a.RootSignature, &a.TxRef, &blockRef, &a.Network, &a.BatchSize, &cost, &submitted); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		a.MerkleRoot = hash32(root)
		a.BlockRef = blockRef.String
		if cost.Valid {
			a.Cost = json.RawMessage(cost.String)
		}
		a.SubmittedAt = fromNanos(submitted)
		out = append(out, &a)
	}
	return out, rows.Err()
}
