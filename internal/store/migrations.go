// Package store provides SQLite-based persistence for recoveryd.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with users and behavioral commitments",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add recovery attempts and behavioral challenges",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add append-only recovery audit log",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Add anchoring outbox, anchors and merkle proofs",
		Up:          migrationV4Up,
		Down:        migrationV4Down,
	},
	{
		Version:     5,
		Description: "Add replay hash cache",
		Up:          migrationV5Up,
		Down:        migrationV5Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    email           TEXT NOT NULL UNIQUE,
    credential_hash TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS behavioral_commitments (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL REFERENCES users(id),
    challenge_type       TEXT NOT NULL CHECK (challenge_type IN ('typing','mouse','cognitive','navigation','semantic','combined')),
    encrypted_embedding  BLOB NOT NULL,
    algorithm            TEXT NOT NULL,
    public_key           BLOB NOT NULL,
    wrapped_private_key  BLOB NOT NULL,
    is_quantum_protected INTEGER NOT NULL,
    unlock_conditions    TEXT NOT NULL,
    active               INTEGER NOT NULL DEFAULT 1,
    revoked_at           INTEGER,
    superseded_by        TEXT,
    sample_count         INTEGER NOT NULL,
    created_at           INTEGER NOT NULL,
    last_verified_at     INTEGER,
    commitment_hash      BLOB NOT NULL,
    anchored             INTEGER NOT NULL DEFAULT 0,
    anchored_at          INTEGER
);

-- At most one active commitment per (user, type)
CREATE UNIQUE INDEX IF NOT EXISTS idx_commitments_active
    ON behavioral_commitments(user_id, challenge_type) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_commitments_user ON behavioral_commitments(user_id);

CREATE TRIGGER IF NOT EXISTS trg_commitments_no_delete
BEFORE DELETE ON behavioral_commitments
BEGIN
    SELECT RAISE(ABORT, 'behavioral commitments are never deleted');
END;

CREATE TRIGGER IF NOT EXISTS trg_commitments_immutable
BEFORE UPDATE OF id, user_id, challenge_type, encrypted_embedding, algorithm, public_key,
    wrapped_private_key, is_quantum_protected, sample_count, created_at, commitment_hash
ON behavioral_commitments
BEGIN
    SELECT RAISE(ABORT, 'behavioral commitment content is immutable');
END;

CREATE TRIGGER IF NOT EXISTS trg_commitments_no_reactivate
BEFORE UPDATE OF active ON behavioral_commitments
WHEN OLD.active = 0 AND NEW.active = 1
BEGIN
    SELECT RAISE(ABORT, 'revoked commitments cannot be reactivated');
END;
`

const migrationV1Down = `
DROP TRIGGER IF EXISTS trg_commitments_no_reactivate;
DROP TRIGGER IF EXISTS trg_commitments_immutable;
DROP TRIGGER IF EXISTS trg_commitments_no_delete;
DROP INDEX IF EXISTS idx_commitments_user;
DROP INDEX IF EXISTS idx_commitments_active;
DROP TABLE IF EXISTS behavioral_commitments;
DROP TABLE IF EXISTS users;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS recovery_attempts (
    id                               TEXT PRIMARY KEY,
    user_id                          TEXT REFERENCES users(id),
    contact_email                    TEXT NOT NULL,
    started_at                       INTEGER NOT NULL,
    expected_completion              INTEGER NOT NULL,
    completed_at                     INTEGER,
    current_stage                    TEXT NOT NULL,
    status                           TEXT NOT NULL,
    challenges_completed             INTEGER NOT NULL DEFAULT 0,
    challenges_total                 INTEGER NOT NULL,
    similarity_threshold             REAL NOT NULL,
    similarity_scores                TEXT NOT NULL DEFAULT '{}',
    overall_similarity               REAL NOT NULL DEFAULT 0,
    requires_additional_verification INTEGER NOT NULL DEFAULT 0,
    security_context                 TEXT NOT NULL DEFAULT '{}',
    version                          INTEGER NOT NULL DEFAULT 1,
    CHECK (challenges_completed <= challenges_total)
);

CREATE INDEX IF NOT EXISTS idx_attempts_user ON recovery_attempts(user_id, started_at);

CREATE TABLE IF NOT EXISTS behavioral_challenges (
    id                 TEXT PRIMARY KEY,
    attempt_id         TEXT NOT NULL REFERENCES recovery_attempts(id),
    challenge_type     TEXT NOT NULL,
    slot_index         INTEGER NOT NULL,
    attempt_number     INTEGER NOT NULL DEFAULT 1,
    payload            TEXT NOT NULL,
    answer_digest      BLOB,
    response_payload   TEXT,
    similarity_score   REAL,
    passed             INTEGER,
    created_at         INTEGER NOT NULL,
    completed_at       INTEGER,
    time_taken_seconds REAL,
    UNIQUE (attempt_id, slot_index, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_challenges_attempt ON behavioral_challenges(attempt_id, created_at);

-- A scored challenge is immutable
CREATE TRIGGER IF NOT EXISTS trg_challenges_immutable
BEFORE UPDATE ON behavioral_challenges
WHEN OLD.completed_at IS NOT NULL
BEGIN
    SELECT RAISE(ABORT, 'completed challenges are immutable');
END;
`

const migrationV2Down = `
DROP TRIGGER IF EXISTS trg_challenges_immutable;
DROP INDEX IF EXISTS idx_challenges_attempt;
DROP TABLE IF EXISTS behavioral_challenges;
DROP INDEX IF EXISTS idx_attempts_user;
DROP TABLE IF EXISTS recovery_attempts;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS recovery_audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL CHECK (severity IN ('info','warning','critical')),
    attempt_id  TEXT,
    user_id     TEXT,
    ip          TEXT,
    user_agent  TEXT,
    details     TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_attempt ON recovery_audit_log(attempt_id, id);
CREATE INDEX IF NOT EXISTS idx_audit_user ON recovery_audit_log(user_id, id);

CREATE TRIGGER IF NOT EXISTS trg_audit_no_update
BEFORE UPDATE ON recovery_audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_audit_no_delete
BEFORE DELETE ON recovery_audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit log is append-only');
END;
`

const migrationV3Down = `
DROP TRIGGER IF EXISTS trg_audit_no_delete;
DROP TRIGGER IF EXISTS trg_audit_no_update;
DROP INDEX IF EXISTS idx_audit_user;
DROP INDEX IF EXISTS idx_audit_attempt;
DROP TABLE IF EXISTS recovery_audit_log;
`

const migrationV4Up = `
CREATE TABLE IF NOT EXISTS pending_commitments (
    commitment_id   TEXT PRIMARY KEY REFERENCES behavioral_commitments(id),
    commitment_hash BLOB NOT NULL,
    enqueued_at     INTEGER NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL,
    last_error      TEXT,
    status          TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_pending_due ON pending_commitments(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS blockchain_anchors (
    id              TEXT PRIMARY KEY,
    merkle_root     BLOB NOT NULL UNIQUE,
    root_signature  BLOB,
    tx_ref          TEXT NOT NULL,
    block_ref       TEXT,
    network         TEXT NOT NULL,
    batch_size      INTEGER NOT NULL,
    cost_metadata   TEXT,
    submitted_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS merkle_proofs (
    commitment_id   TEXT PRIMARY KEY REFERENCES behavioral_commitments(id),
    anchor_id       TEXT NOT NULL REFERENCES blockchain_anchors(id),
    merkle_root     BLOB NOT NULL,
    siblings        TEXT NOT NULL,
    leaf_index      INTEGER NOT NULL,
    leaf_hash       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proofs_anchor ON merkle_proofs(anchor_id);
`

const migrationV4Down = `
DROP INDEX IF EXISTS idx_proofs_anchor;
DROP TABLE IF EXISTS merkle_proofs;
DROP TABLE IF EXISTS blockchain_anchors;
DROP INDEX IF EXISTS idx_pending_due;
DROP TABLE IF EXISTS pending_commitments;
`

const migrationV5Up = `
CREATE TABLE IF NOT EXISTS replay_hashes (
    cache_key TEXT PRIMARY KEY,
    seen_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replay_seen ON replay_hashes(seen_at);
`

const migrationV5Down = `
DROP INDEX IF EXISTS idx_replay_seen;
DROP TABLE IF EXISTS replay_hashes;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"users",
		"behavioral_commitments",
		"recovery_attempts",
		"behavioral_challenges",
		"recovery_audit_log",
		"pending_commitments",
		"blockchain_anchors",
		"merkle_proofs",
		"replay_hashes",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
