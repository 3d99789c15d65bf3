package anchors

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryd/internal/behavior"
	"recoveryd/internal/store"
)

type failingTransport struct{ calls int }

func (f *failingTransport) Name() string { return "failing" }

func (f *failingTransport) SubmitBatch(ctx context.Context, root [32]byte, batchSize int) (*Submission, error) {
	f.calls++
	return nil, errors.New("settlement layer unreachable")
}

func openBatchStore(t *testing.T, commitments int) (*store.Store, []string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "anchors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var ids []string
	for i := 0; i < commitments; i++ {
		u, err := s.CreateUser(ctx, fmt.Sprintf("user%d@example.com", i), "hash")
		require.NoError(t, err)
		id := uuid.NewString()
		c := &store.Commitment{
			ID:                 id,
			UserID:             u.ID,
			Type:               behavior.TypeTyping,
			EncryptedEmbedding: []byte(`{}`),
			Algorithm:          "test",
			PublicKey:          []byte("pub"),
			WrappedPrivateKey:  []byte("wrapped"),
			Unlock:             store.UnlockConditions{SimilarityThreshold: 0.87},
			SampleCount:        1,
			CreatedAt:          time.Now().UTC().Add(-time.Minute),
			CommitmentHash:     sha256.Sum256([]byte(id)),
		}
		require.NoError(t, s.InsertCommitments(ctx, []*store.Commitment{c}))
		ids = append(ids, id)
	}
	return s, ids
}

func TestBatcherAnchorsPendingCommitments(t *testing.T) {
	ctx := context.Background()
	s, ids := openBatchStore(t, 5)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	config := DefaultBatcherConfig()
	config.SubmitsPerMinute = 0
	ledger := NewLocalLedger()
	b := NewBatcher(s, ledger, priv, config, nil)

	result, err := b.Flush(ctx)
	require.NoError(t, err)
	require.True(t, result.Submitted)
	assert.Equal(t, 5, result.Anchored)
	assert.Equal(t, 5, result.Anchor.BatchSize)

	_, ok := ledger.Lookup(result.Anchor.MerkleRoot)
	assert.True(t, ok)

	for _, id := range ids {
		proof, anchor, err := s.ProofForCommitment(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, proof, "commitment %s has no proof", id)
		assert.Equal(t, result.Anchor.MerkleRoot, anchor.MerkleRoot)

		ok, err := VerifyStoredProof(proof, anchor, pub)
		require.NoError(t, err)
		assert.True(t, ok)

		c, err := s.GetCommitment(ctx, id)
		require.NoError(t, err)
		assert.True(t, c.Anchored)
	}

	pending, err := s.DuePending(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing left to anchor.
	again, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, again.Submitted)
}

func TestBatcherDefersThenFails(t *testing.T) {
	ctx := context.Background()
	s, ids := openBatchStore(t, 2)

	config := DefaultBatcherConfig()
	config.SubmitsPerMinute = 0
	config.MaxRetries = 1
	transport := &failingTransport{}
	b := NewBatcher(s, transport, nil, config, nil)

	clock := time.Now()
	b.now = func() time.Time { return clock }

	result, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, result.Submitted)
	assert.Equal(t, 2, result.Deferred)
	assert.Empty(t, result.Failed)

	// Rescheduled into the future.
	result, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deferred)
	assert.Equal(t, 1, transport.calls)

	clock = clock.Add(2 * time.Hour)
	result, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, result.Failed)

	failed, err := s.PendingByStatus(ctx, store.PendingStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, "settlement layer unreachable", failed[0].LastError)
}

func TestBatcherBackoff(t *testing.T) {
	b := NewBatcher(nil, NewLocalLedger(), nil, BatcherConfig{
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   10 * time.Second,
		RetryMultiplier: 2,
	}, nil)

	assert.Equal(t, time.Second, b.Backoff(1))
	assert.Equal(t, 2*time.Second, b.Backoff(2))
	assert.Equal(t, 8*time.Second, b.Backoff(4))
	assert.Equal(t, 10*time.Second, b.Backoff(5))
	assert.Equal(t, 10*time.Second, b.Backoff(50))
}

func TestBatcherRunStopsOnCancel(t *testing.T) {
	s, _ := openBatchStore(t, 1)
	config := DefaultBatcherConfig()
	config.Interval = 10 * time.Millisecond
	config.SubmitsPerMinute = 0
	b := NewBatcher(s, NewLocalLedger(), nil, config, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := b.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	anchors, err := s.ListAnchors(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, anchors, 1)
}
