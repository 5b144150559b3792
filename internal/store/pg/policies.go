package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"chatguard.org/internal/policy"
)

var _ policy.Loader = (*Store)(nil)

// LoadPolicies returns every enabled policy, ordered by tenant and priority.
func (s *Store) LoadPolicies(ctx context.Context) ([]policy.Policy, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, resource_type, action, effect, conditions, priority, enabled
		from policies
		where enabled
		order by tenant_id, priority desc, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var (
			p      policy.Policy
			effect string
			conds  []byte
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.ResourceType, &p.Action, &effect, &conds, &p.Priority, &p.Enabled); err != nil {
			return nil, err
		}
		p.Effect = policy.Effect(effect)
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &p.Conditions); err != nil {
				return nil, fmt.Errorf("decode conditions of policy %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertPolicy inserts or replaces a policy by id.
func (s *Store) UpsertPolicy(ctx context.Context, p policy.Policy) error {
	if s.db == nil {
		return errNoDB
	}
	if !p.Valid() || p.ID == "" {
		return fmt.Errorf("invalid policy %q", p.ID)
	}
	conds, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into policies (id, tenant_id, resource_type, action, effect, conditions, priority, enabled)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (id) do update set
			tenant_id = excluded.tenant_id,
			resource_type = excluded.resource_type,
			action = excluded.action,
			effect = excluded.effect,
			conditions = excluded.conditions,
			priority = excluded.priority,
			enabled = excluded.enabled
	`, p.ID, p.TenantID, p.ResourceType, p.Action, string(p.Effect), conds, p.Priority, p.Enabled)
	return err
}
