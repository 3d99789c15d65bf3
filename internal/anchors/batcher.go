package anchors

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"recoveryd/internal/signer"
	"recoveryd/internal/store"
)

// BatchStore is the persistence the batcher drains and writes to.
type BatchStore interface {
	DuePending(ctx context.Context, now time.Time, limit int) ([]*store.PendingCommitment, error)
	RecordAnchor(ctx context.Context, a *store.Anchor, proofs []*store.MerkleProof) error
	DeferPending(ctx context.Context, ids []string, cause string, now time.Time, maxRetries int, backoff func(attempts int) time.Duration) ([]string, error)
}

// BatcherConfig configures the anchoring job.
type BatcherConfig struct {
	Interval     time.Duration
	MaxBatchSize int

	// Retry configuration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64

	// Submissions per minute allowed towards the transport.
	SubmitsPerMinute float64
	SubmitBurst      int
}

// DefaultBatcherConfig returns production defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Interval:         time.Minute,
		MaxBatchSize:     256,
		MaxRetries:       8,
		RetryBaseDelay:   30 * time.Second,
		RetryMaxDelay:    time.Hour,
		RetryMultiplier:  2.0,
		SubmitsPerMinute: 6,
		SubmitBurst:      1,
	}
}

// FlushResult summarizes one drain of the outbox.
type FlushResult struct {
	Anchor    *store.Anchor
	Anchored  int
	Deferred  int
	Failed    []string
	Submitted bool
}

// Batcher periodically drains pending commitments into signed, anchored
// Merkle batches.
type Batcher struct {
	store     BatchStore
	transport Transport
	key       ed25519.PrivateKey
	config    BatcherConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewBatcher creates a batcher. key may be nil, in which case roots are not
// signed.
func NewBatcher(st BatchStore, transport Transport, key ed25519.PrivateKey, config BatcherConfig, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultBatcherConfig().MaxBatchSize
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = 2.0
	}
	limit := rate.Inf
	if config.SubmitsPerMinute > 0 {
		limit = rate.Limit(config.SubmitsPerMinute / 60)
	}
	burst := config.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Batcher{
		store:     st,
		transport: transport,
		key:       key,
		config:    config,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.With("component", "anchors"),
		now:       time.Now,
	}
}

// Run flushes on every tick until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) error {
	interval := b.config.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("anchoring batcher started", "interval", interval, "transport", b.transport.Name())
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("anchoring batcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("anchoring flush failed", "error", err)
			}
		}
	}
}

// Backoff returns the delay before the given retry attempt:
// min(base * multiplier^(attempts-1), max).
func (b *Batcher) Backoff(attempts int) time.Duration {
	delay := b.config.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * b.config.RetryMultiplier)
		if b.config.RetryMaxDelay > 0 && delay > b.config.RetryMaxDelay {
			return b.config.RetryMaxDelay
		}
	}
	if b.config.RetryMaxDelay > 0 && delay > b.config.RetryMaxDelay {
		delay = b.config.RetryMaxDelay
	}
	return delay
}

// Flush anchors one batch of due commitments. Transport failures are
// absorbed: the rows are rescheduled and the error is only logged.
func (b *Batcher) Flush(ctx context.Context) (*FlushResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	pending, err := b.store.DuePending(ctx, now, b.config.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	result := &FlushResult{}
	if len(pending) == 0 {
		return result, nil
	}

	leaves := make([][32]byte, len(pending))
	ids := make([]string, len(pending))
	for i, p := range pending {
		leaves[i] = p.CommitmentHash
		ids[i] = p.CommitmentID
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, err
	}

	var sig []byte
	if b.key != nil {
		sig = signer.SignRoot(b.key, tree.Root)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	sub, err := b.transport.SubmitBatch(ctx, tree.Root, len(leaves))
	if err != nil {
		return b.deferBatch(ctx, ids, err, result)
	}

	anchor := &store.Anchor{
		ID:            uuid.NewString(),
		MerkleRoot:    tree.Root,
		RootSignature: sig,
		TxRef:         sub.TxRef,
		BlockRef:      sub.BlockRef,
		Network:       sub.Network,
		BatchSize:     len(leaves),
		Cost:          sub.Cost,
		SubmittedAt:   b.now().UTC(),
	}

	proofs := make([]*store.MerkleProof, len(pending))
	for i, p := range pending {
		siblings, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		proofs[i] = &store.MerkleProof{
			CommitmentID: p.CommitmentID,
			AnchorID:     anchor.ID,
			MerkleRoot:   tree.Root,
			Siblings:     EncodeProof(siblings),
			LeafIndex:    i,
			LeafHash:     p.CommitmentHash,
		}
	}

	if err := b.store.RecordAnchor(ctx, anchor, proofs); err != nil {
		return b.deferBatch(ctx, ids, err, result)
	}

	b.logger.Info("anchored commitment batch",
		"anchor_id", anchor.ID,
		"root", fmt.Sprintf("%x", tree.Root),
		"batch_size", len(leaves),
		"tx_ref", sub.TxRef,
		"network", sub.Network,
	)
	result.Anchor = anchor
	result.Anchored = len(leaves)
	result.Submitted = true
	return result, nil
}

func (b *Batcher) deferBatch(ctx context.Context, ids []string, cause error, result *FlushResult) (*FlushResult, error) {
	failed, err := b.store.DeferPending(ctx, ids, cause.Error(), b.now(), b.config.MaxRetries, b.Backoff)
	if err != nil {
		return nil, fmt.Errorf("defer pending after %v: %w", cause, err)
	}

	result.Failed = failed
	result.Deferred = len(ids) - len(failed)
	b.logger.Warn("anchoring submission failed, rescheduled",
		"error", cause,
		"batch_size", len(ids),
		"deferred", result.Deferred,
	)
	for _, id := range failed {
		b.logger.Error("commitment anchoring exhausted retries",
			"commitment_id", id,
			"max_retries", b.config.MaxRetries,
			"error", cause,
		)
	}
	return result, nil
}
