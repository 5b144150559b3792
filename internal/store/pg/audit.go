package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"chatguard.org/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

// Append inserts an audit entry. The table has no update or delete path.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, tenant_id, user_id, action, resource, resource_type, details, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, nullIfEmpty(e.UserID), e.Action, e.Resource, e.ResourceType, details,
		nullIfEmpty(e.RequestID), e.Timestamp.UTC())
	return err
}

// ListAudit returns a tenant's latest entries, newest first.
func (s *Store) ListAudit(ctx context.Context, tenantID string, limit int) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, coalesce(user_id, ''), action, resource, resource_type, details,
		       coalesce(request_id, ''), created_at
		from audit_log
		where tenant_id = $1
		order by created_at desc, id desc
		limit $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.Resource, &e.ResourceType, &raw, &e.RequestID, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
