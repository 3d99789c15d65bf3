package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"recoveryd/internal/behavior"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, email string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash-v1")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func newTestCommitment(userID string, typ behavior.ChallengeType) *Commitment {
	id := uuid.NewString()
	return &Commitment{
		ID:                 id,
		UserID:             userID,
		Type:               typ,
		EncryptedEmbedding: []byte(`{"algorithm":"test"}`),
		Algorithm:          "test",
		PublicKey:          []byte("pub"),
		WrappedPrivateKey:  []byte("wrapped"),
		QuantumProtected:   true,
		Unlock:             UnlockConditions{SimilarityThreshold: 0.87},
		SampleCount:        3,
		CreatedAt:          time.Now().UTC(),
		CommitmentHash:     sha256.Sum256([]byte(id)),
	}
}

func newTestAttempt(userID string) *Attempt {
	now := time.Now().UTC()
	return &Attempt{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Email:               "user@example.com",
		StartedAt:           now,
		ExpectedCompletion:  now.Add(5 * 24 * time.Hour),
		Stage:               StageInitiated,
		Status:              StatusInProgress,
		ChallengesTotal:     20,
		SimilarityThreshold: 0.87,
		SimilarityScores:    map[behavior.ChallengeType]float64{},
		Security:            SecurityContext{IP: "203.0.113.7", UserAgent: "test"},
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != len(migrations) || len(status.Pending) != 0 {
		t.Errorf("expected fully migrated, got current=%d pending=%d", status.CurrentVersion, len(status.Pending))
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected missing tables after rollback")
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema after re-migrate: %v", err)
	}
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s, "  Alice@Example.COM ")
	if u.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}

	found, err := s.FindUserByEmail(ctx, "ALICE@example.com")
	if err != nil || found == nil {
		t.Fatalf("FindUserByEmail: %v %v", found, err)
	}
	if found.ID != u.ID {
		t.Errorf("found wrong user")
	}

	missing, err := s.FindUserByEmail(ctx, "nobody@example.com")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown email; got %v, %v", missing, err)
	}

	if _, err := s.CreateUser(ctx, "alice@example.com", "x"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	if err := s.ResetCredential(ctx, u.ID, "hash-v2"); err != nil {
		t.Fatalf("ResetCredential failed: %v", err)
	}
	got, _ := s.GetUser(ctx, u.ID)
	if got.CredentialHash != "hash-v2" {
		t.Errorf("credential not reset: %q", got.CredentialHash)
	}

	if err := s.ResetCredential(ctx, "no-such-user", "h"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitmentsSupersedeAndQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "bob@example.com")

	first := newTestCommitment(u.ID, behavior.TypeTyping)
	mouse := newTestCommitment(u.ID, behavior.TypeMouse)
	if err := s.InsertCommitments(ctx, []*Commitment{first, mouse}); err != nil {
		t.Fatalf("InsertCommitments failed: %v", err)
	}

	second := newTestCommitment(u.ID, behavior.TypeTyping)
	if err := s.InsertCommitments(ctx, []*Commitment{second}); err != nil {
		t.Fatalf("InsertCommitments (replacement) failed: %v", err)
	}

	active, err := s.ActiveCommitment(ctx, u.ID, behavior.TypeTyping)
	if err != nil || active == nil {
		t.Fatalf("ActiveCommitment: %v %v", active, err)
	}
	if active.ID != second.ID {
		t.Errorf("expected replacement to be active")
	}

	old, _ := s.GetCommitment(ctx, first.ID)
	if old.Active || old.RevokedAt == nil || old.SupersededBy != second.ID {
		t.Errorf("old commitment not superseded: %+v", old)
	}

	all, err := s.ActiveCommitments(ctx, u.ID)
	if err != nil {
		t.Fatalf("ActiveCommitments failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 active commitments, got %d", len(all))
	}

	pending, err := s.DuePending(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DuePending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("expected 3 queued hashes, got %d", len(pending))
	}
}

func TestCommitmentsAreNeverDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "carol@example.com")

	c := newTestCommitment(u.ID, behavior.TypeTyping)
	if err := s.InsertCommitments(ctx, []*Commitment{c}); err != nil {
		t.Fatalf("InsertCommitments failed: %v", err)
	}

	if _, err := s.DB().Exec("DELETE FROM behavioral_commitments WHERE id = ?", c.ID); err == nil {
		t.Error("expected delete to be rejected")
	}
	if _, err := s.DB().Exec("UPDATE behavioral_commitments SET encrypted_embedding = x'00' WHERE id = ?", c.ID); err == nil {
		t.Error("expected content update to be rejected")
	}

	if err := s.RevokeCommitment(ctx, c.ID); err != nil {
		t.Fatalf("RevokeCommitment failed: %v", err)
	}
	if err := s.RevokeCommitment(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second revoke, got %v", err)
	}
	if _, err := s.DB().Exec("UPDATE behavioral_commitments SET active = 1 WHERE id = ?", c.ID); err == nil {
		t.Error("expected reactivation to be rejected")
	}
}

func TestAttemptVersionCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "dave@example.com")

	a := newTestAttempt(u.ID)
	if err := s.InsertAttempt(ctx, a, &AuditEntry{EventType: "recovery_initiated", AttemptID: a.ID}); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}

	stale, _ := s.GetAttempt(ctx, a.ID)
	fresh, _ := s.GetAttempt(ctx, a.ID)

	fresh.SimilarityScores[behavior.TypeTyping] = 0.9
	fresh.SimilarityScores[behavior.TypeMouse] = 0.7
	fresh.OverallSimilarity = 0.1 // ignored: always recomputed
	if err := s.UpdateAttempt(ctx, fresh, nil); err != nil {
		t.Fatalf("UpdateAttempt failed: %v", err)
	}

	stale.ChallengesCompleted = 1
	if err := s.UpdateAttempt(ctx, stale, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetAttempt(ctx, a.ID)
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	if got.OverallSimilarity < 0.7999 || got.OverallSimilarity > 0.8001 {
		t.Errorf("overall similarity should be the mean 0.8, got %f", got.OverallSimilarity)
	}
	if got.Security.IP != "203.0.113.7" {
		t.Errorf("security context not persisted: %+v", got.Security)
	}
}

func TestRecordEvaluationIsCompareAndSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "erin@example.com")

	a := newTestAttempt(u.ID)
	if err := s.InsertAttempt(ctx, a, nil); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}

	c := &Challenge{
		ID:            uuid.NewString(),
		AttemptID:     a.ID,
		Type:          behavior.TypeTyping,
		Slot:          0,
		AttemptNumber: 1,
		Payload:       json.RawMessage(`{"prompt":"type this"}`),
		AnswerDigest:  []byte{1, 2, 3},
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.InsertChallenge(ctx, c); err != nil {
		t.Fatalf("InsertChallenge failed: %v", err)
	}

	open, err := s.OpenChallenge(ctx, a.ID)
	if err != nil || open == nil || open.ID != c.ID {
		t.Fatalf("OpenChallenge: %v %v", open, err)
	}

	now := time.Now().UTC()
	score, passed, taken := 0.92, true, 12.5
	c.Response = json.RawMessage(`{"typing":{}}`)
	c.SimilarityScore, c.Passed, c.CompletedAt, c.TimeTakenSeconds = &score, &passed, &now, &taken
	a.ChallengesCompleted = 1
	a.SimilarityScores[behavior.TypeTyping] = score

	if err := s.RecordEvaluation(ctx, c, a, &AuditEntry{EventType: "challenge_completed", AttemptID: a.ID}); err != nil {
		t.Fatalf("RecordEvaluation failed: %v", err)
	}

	// Second write to the same challenge is rejected and changes nothing.
	a.ChallengesCompleted = 2
	err = s.RecordEvaluation(ctx, c, a, &AuditEntry{EventType: "challenge_completed", AttemptID: a.ID})
	if !errors.Is(err, ErrChallengeClosed) {
		t.Fatalf("expected ErrChallengeClosed, got %v", err)
	}

	got, _ := s.GetAttempt(ctx, a.ID)
	if got.ChallengesCompleted != 1 {
		t.Errorf("expected 1 completed, got %d", got.ChallengesCompleted)
	}

	stored, _ := s.GetChallenge(ctx, c.ID)
	if !stored.Completed() || *stored.SimilarityScore != 0.92 || !*stored.Passed {
		t.Errorf("challenge not recorded: %+v", stored)
	}

	if open, _ := s.OpenChallenge(ctx, a.ID); open != nil {
		t.Error("expected no open challenge")
	}

	entries, err := s.ListAudit(ctx, AuditFilter{AttemptID: a.ID})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one audit entry, got %d", len(entries))
	}
}

func TestCloseChallengeAndRetrySlot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "frank@example.com")
	a := newTestAttempt(u.ID)
	if err := s.InsertAttempt(ctx, a, nil); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}

	c := &Challenge{ID: uuid.NewString(), AttemptID: a.ID, Type: behavior.TypeTyping, Slot: 0, AttemptNumber: 1, Payload: json.RawMessage(`{}`), CreatedAt: time.Now().UTC()}
	if err := s.InsertChallenge(ctx, c); err != nil {
		t.Fatalf("InsertChallenge failed: %v", err)
	}
	if err := s.CloseChallenge(ctx, c); err != nil {
		t.Fatalf("CloseChallenge failed: %v", err)
	}
	if err := s.CloseChallenge(ctx, c); !errors.Is(err, ErrChallengeClosed) {
		t.Errorf("expected ErrChallengeClosed, got %v", err)
	}

	n, err := s.MaxAttemptNumber(ctx, a.ID, 0)
	if err != nil || n != 1 {
		t.Errorf("MaxAttemptNumber = %d, %v", n, err)
	}

	dup := &Challenge{ID: uuid.NewString(), AttemptID: a.ID, Type: behavior.TypeTyping, Slot: 0, AttemptNumber: 1, Payload: json.RawMessage(`{}`), CreatedAt: time.Now().UTC()}
	if err := s.InsertChallenge(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for reused slot/attempt number, got %v", err)
	}

	if _, err := s.DB().Exec("UPDATE behavioral_challenges SET similarity_score = 1 WHERE id = ?", c.ID); err == nil {
		t.Error("expected update of completed challenge to be rejected")
	}
}

func TestCompleteAttemptAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "gina@example.com")
	a := newTestAttempt(u.ID)
	if err := s.InsertAttempt(ctx, a, nil); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}

	stale := *a
	now := time.Now().UTC()
	a.Status, a.Stage, a.CompletedAt = StatusCompleted, StageCompleted, &now
	if err := s.CompleteAttempt(ctx, a, "hash-new", &AuditEntry{EventType: "recovery_completed", Severity: SeverityCritical}); err != nil {
		t.Fatalf("CompleteAttempt failed: %v", err)
	}

	// A stale attempt version must not reset the credential again.
	stale.Status = StatusCompleted
	if err := s.CompleteAttempt(ctx, &stale, "hash-other", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if got.CredentialHash != "hash-new" {
		t.Errorf("credential hash = %q, want hash-new", got.CredentialHash)
	}
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &AuditEntry{EventType: "replay_detected", Severity: SeverityWarning, Details: map[string]any{"risk": 0.9}}
	if err := s.AppendAudit(ctx, e); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}
	if e.ID == 0 {
		t.Error("expected id to be assigned")
	}

	if _, err := s.DB().Exec("UPDATE recovery_audit_log SET severity = 'info'"); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := s.DB().Exec("DELETE FROM recovery_audit_log"); err == nil {
		t.Error("expected delete to be rejected")
	}

	entries, err := s.ListAudit(ctx, AuditFilter{EventType: "replay_detected"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListAudit: %d entries, %v", len(entries), err)
	}
	if entries[0].Details["risk"] != 0.9 {
		t.Errorf("details not round-tripped: %v", entries[0].Details)
	}
}

func TestAnchoringOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "hank@example.com")

	var cs []*Commitment
	for _, typ := range behavior.Schedule {
		cs = append(cs, newTestCommitment(u.ID, typ))
	}
	if err := s.InsertCommitments(ctx, cs); err != nil {
		t.Fatalf("InsertCommitments failed: %v", err)
	}

	now := time.Now().Add(time.Second)
	backoff := func(attempts int) time.Duration { return time.Duration(attempts) * time.Minute }

	failed, err := s.DeferPending(ctx, []string{cs[0].ID, cs[1].ID}, "transport down", now, 1, backoff)
	if err != nil {
		t.Fatalf("DeferPending failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected no failures yet, got %v", failed)
	}

	due, _ := s.DuePending(ctx, now, 10)
	if len(due) != 2 {
		t.Errorf("expected 2 due rows while 2 are deferred, got %d", len(due))
	}

	failed, err = s.DeferPending(ctx, []string{cs[0].ID}, "transport down", now.Add(time.Hour), 1, backoff)
	if err != nil {
		t.Fatalf("DeferPending failed: %v", err)
	}
	if len(failed) != 1 || failed[0] != cs[0].ID {
		t.Errorf("expected %s to fail, got %v", cs[0].ID, failed)
	}
	failedRows, _ := s.PendingByStatus(ctx, PendingStatusFailed)
	if len(failedRows) != 1 || failedRows[0].LastError != "transport down" {
		t.Errorf("unexpected failed rows: %+v", failedRows)
	}

	root := sha256.Sum256([]byte("root"))
	anchor := &Anchor{
		ID:          uuid.NewString(),
		MerkleRoot:  root,
		TxRef:       "tx",
		Network:     "local",
		BatchSize:   1,
		Cost:        json.RawMessage(`{"fee":0}`),
		SubmittedAt: time.Now().UTC(),
	}
	proof := &MerkleProof{CommitmentID: cs[2].ID, MerkleRoot: root, Siblings: []string{"ab"}, LeafIndex: 0, LeafHash: cs[2].CommitmentHash}
	if err := s.RecordAnchor(ctx, anchor, []*MerkleProof{proof}); err != nil {
		t.Fatalf("RecordAnchor failed: %v", err)
	}

	gotProof, gotAnchor, err := s.ProofForCommitment(ctx, cs[2].ID)
	if err != nil || gotProof == nil {
		t.Fatalf("ProofForCommitment: %v %v", gotProof, err)
	}
	if gotAnchor.MerkleRoot != root || gotProof.Siblings[0] != "ab" {
		t.Errorf("proof/anchor mismatch: %+v %+v", gotProof, gotAnchor)
	}

	c, _ := s.GetCommitment(ctx, cs[2].ID)
	if !c.Anchored || c.AnchoredAt == nil {
		t.Error("commitment not marked anchored")
	}

	missing, _, err := s.ProofForCommitment(ctx, cs[3].ID)
	if err != nil || missing != nil {
		t.Errorf("expected no proof for unanchored commitment, got %v %v", missing, err)
	}

	anchors, err := s.ListAnchors(ctx, 10)
	if err != nil || len(anchors) != 1 {
		t.Errorf("ListAnchors: %d, %v", len(anchors), err)
	}
}

func TestSeenReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	window := time.Hour
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	first, dup, err := s.SeenReplay(ctx, "u1:abc", t0, window)
	if err != nil || dup || !first.Equal(t0) {
		t.Fatalf("first sighting: first=%v dup=%v err=%v", first, dup, err)
	}

	first, dup, err = s.SeenReplay(ctx, "u1:abc", t0.Add(time.Minute), window)
	if err != nil || !dup || !first.Equal(t0) {
		t.Errorf("second sighting: first=%v dup=%v err=%v", first, dup, err)
	}

	if _, dup, _ := s.SeenReplay(ctx, "u2:abc", t0.Add(time.Minute), window); dup {
		t.Error("keys must not collide across users")
	}

	later := t0.Add(window + time.Minute)
	first, dup, err = s.SeenReplay(ctx, "u1:abc", later, window)
	if err != nil || dup || !first.Equal(later) {
		t.Errorf("entry outside the window should be replaced: first=%v dup=%v err=%v", first, dup, err)
	}

	if err := s.ForgetReplay(ctx, "u1:abc"); err != nil {
		t.Fatalf("ForgetReplay failed: %v", err)
	}
	if _, dup, _ := s.SeenReplay(ctx, "u1:abc", later, window); dup {
		t.Error("forgotten key reported as seen")
	}

	n, err := s.PurgeReplay(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PurgeReplay failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the u2 entry to be purged, removed %d", n)
	}
}
