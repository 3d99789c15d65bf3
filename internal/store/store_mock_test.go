package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryd/internal/behavior"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestUpdateAttemptConflictRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	a := newTestAttempt("user-1")
	a.Version = 3
	a.SimilarityScores[behavior.TypeTyping] = 0.5

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recovery_attempts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.UpdateAttempt(context.Background(), a, &AuditEntry{EventType: "challenge_completed"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(3), a.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAttemptResetFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	a := newTestAttempt("user-1")
	a.Version = 1

	boom := errors.New("disk I/O error")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET credential_hash = ?, updated_at = ? WHERE id = ?")).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := s.CompleteAttempt(context.Background(), a, "hash", nil)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAnchorFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO blockchain_anchors")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO merkle_proofs")).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := s.RecordAnchor(context.Background(), &Anchor{ID: "a1"}, []*MerkleProof{{CommitmentID: "c1"}})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCommitmentsCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)
	c := newTestCommitment("user-1", behavior.TypeTyping)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE behavioral_commitments")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO behavioral_commitments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pending_commitments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.InsertCommitments(context.Background(), []*Commitment{c})
	assert.ErrorContains(t, err, "commit")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttemptNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM recovery_attempts WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	a, err := s.GetAttempt(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, a)
	require.NoError(t, mock.ExpectationsWereMet())
}
