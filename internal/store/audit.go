package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// AppendAudit writes one audit entry. Entries are never updated or deleted.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	return s.appendAudit(ctx, s.db, e)
}

func (s *Store) appendAudit(ctx context.Context, ex execer, e *AuditEntry) error {
	if e == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO recovery_audit_log (event_type, severity, attempt_id, user_id, ip, user_agent, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, string(e.Severity), nullString(e.AttemptID), nullString(e.UserID),
		nullString(e.IP), nullString(e.UserAgent), string(details), nanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAudit returns audit entries in insertion order.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any
	if f.AttemptID != "" {
		where = append(where, "attempt_id = ?")
		args = append(args, f.AttemptID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}

	query := "SELECT id, event_type, severity, attempt_id, user_id, ip, user_agent, details, created_at FROM recovery_audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var severity, details string
		var attemptID, userID, ip, ua sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.EventType, &severity, &attemptID, &userID, &ip, &ua, &details, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Severity = Severity(severity)
		e.AttemptID = attemptID.String
		e.UserID = userID.String
		e.IP = ip.String
		e.UserAgent = ua.String
		e.CreatedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
