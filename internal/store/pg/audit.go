package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"consoleguard.io/internal/audit"
)

// AuditSink appends to audit_entries. The table has no update or delete path.
type AuditSink struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditSink)(nil)

const auditColumns = `id, session_id, actor_id, tenant_id, action, action_type, resource, resource_id,
	description, origin_ip, user_agent, ts, success, error, severity, metadata`

func (s *AuditSink) Append(ctx context.Context, e audit.Entry) error {
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_entries(`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		on conflict (id) do nothing
	`, e.ID, nullString(e.SessionID), e.ActorID, e.TenantID, e.Action, string(e.ActionType), e.Resource, e.ResourceID,
		e.Description, e.OriginIP, e.UserAgent, e.Timestamp.UTC(), e.Success, e.Error, string(e.Severity), md)
	return err
}

func (s *AuditSink) Page(ctx context.Context, f audit.Filter, after audit.Cursor, limit int) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		where = append(where, "ts < "+arg(f.To.UTC()))
	}
	if !after.Timestamp.IsZero() || after.ID != "" {
		where = append(where, fmt.Sprintf("(ts, id) > (%s, %s)", arg(after.Timestamp.UTC()), arg(after.ID)))
	}
	query := `select ` + auditColumns + ` from audit_entries`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by ts asc, id asc"
	if limit > 0 {
		query += " limit " + arg(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e          audit.Entry
			sessionID  sql.NullString
			actionType string
			severity   string
			md         []byte
		)
		if err := rows.Scan(&e.ID, &sessionID, &e.ActorID, &e.TenantID, &e.Action, &actionType, &e.Resource, &e.ResourceID,
			&e.Description, &e.OriginIP, &e.UserAgent, &e.Timestamp, &e.Success, &e.Error, &severity, &md); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.ActionType = audit.ActionType(actionType)
		e.Severity = audit.Severity(severity)
		e.Timestamp = e.Timestamp.UTC()
		if len(md) > 0 {
			if err := json.Unmarshal(md, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
