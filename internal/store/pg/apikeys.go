package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatguard.org/internal/auth"
)

var _ auth.APIKeyStore = (*Store)(nil)

func (s *Store) FindAPIKey(ctx context.Context, id string) (auth.APIKey, error) {
	if s.db == nil {
		return auth.APIKey{}, errNoDB
	}
	var (
		k     auth.APIKey
		user  sql.NullString
		roles []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, user_id, roles, hash, revoked_at is not null
		from api_keys
		where id = $1
	`, id).Scan(&k.ID, &k.TenantID, &user, &roles, &k.Hash, &k.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.APIKey{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.APIKey{}, err
	}
	k.UserID = user.String
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &k.Roles); err != nil {
			return auth.APIKey{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	return k, nil
}

// CreateAPIKey stores a key produced by auth.GenerateAPIKey.
func (s *Store) CreateAPIKey(ctx context.Context, k auth.APIKey) error {
	if s.db == nil {
		return errNoDB
	}
	roles, err := json.Marshal(k.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into api_keys (id, tenant_id, user_id, roles, hash)
		values ($1, $2, $3, $4, $5)
	`, k.ID, k.TenantID, nullIfEmpty(k.UserID), roles, k.Hash)
	return err
}

// RevokeAPIKey marks a key unusable. Revoking twice is not an error.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update api_keys set revoked_at = coalesce(revoked_at, now()) where id = $1
	`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
