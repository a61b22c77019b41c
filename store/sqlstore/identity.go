package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/credledger/identity"
	"github.com/google/uuid"
)

// IdentityStore is an identity.Store on SQL.
type IdentityStore struct {
	db  *DB
	now func() time.Time
}

var _ identity.Store = (*IdentityStore)(nil)

// NewIdentityStore returns an IdentityStore on db.
func NewIdentityStore(db *DB) *IdentityStore {
	return &IdentityStore{db: db, now: time.Now}
}

func identityUnavailable(err error) error {
	return fmt.Errorf("%w: %v", identity.ErrStoreUnavailable, err)
}

func nullableKey(v string) sql.NullString {
	key := identity.NormalizeLogin(v)
	return sql.NullString{String: key, Valid: key != ""}
}

func (s *IdentityStore) Create(ctx context.Context, id identity.Identity, passwordHash string) (identity.Identity, error) {
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	roles, err := json.Marshal(nonNilRoles(id.Roles))
	if err != nil {
		return identity.Identity{}, err
	}

	usernameKey := identity.NormalizeLogin(id.Username)
	emailKey := nullableKey(id.Email)

	err = withTx(ctx, s.db.sql, func(ctx context.Context, tx DBTX) error {
		// Usernames and emails share one login namespace.
		var taken int
		err := tx.QueryRowContext(ctx, s.db.q(`
			SELECT COUNT(*) FROM identities
			WHERE username_key = ? OR email_key = ? OR username_key = ? OR email_key = ?
		`), usernameKey, usernameKey, emailKey, emailKey).Scan(&taken)
		if err != nil {
			return err
		}
		if taken > 0 {
			return identity.ErrExists
		}

		_, err = tx.ExecContext(ctx, s.db.q(`
			INSERT INTO identities (id, username, username_key, email, email_key, tenant_id, roles, password_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), id.ID, id.Username, usernameKey, id.Email, emailKey, id.TenantID, string(roles), passwordHash,
			millis(id.CreatedAt), millis(id.CreatedAt))
		return err
	})
	switch {
	case err == nil:
		return id.Clone(), nil
	case errors.Is(err, identity.ErrExists), isUniqueViolation(err):
		return identity.Identity{}, identity.ErrExists
	default:
		return identity.Identity{}, identityUnavailable(err)
	}
}

func (s *IdentityStore) FindByLogin(ctx context.Context, login string) (identity.Identity, string, error) {
	key := identity.NormalizeLogin(login)
	return s.findOne(ctx, `username_key = ? OR email_key = ?`, key, key)
}

func (s *IdentityStore) FindByID(ctx context.Context, id string) (identity.Identity, string, error) {
	return s.findOne(ctx, `id = ?`, id)
}

func (s *IdentityStore) findOne(ctx context.Context, cond string, args ...any) (identity.Identity, string, error) {
	var (
		out          identity.Identity
		roles        string
		passwordHash string
		createdAt    int64
	)
	err := s.db.sql.QueryRowContext(ctx, s.db.q(`
		SELECT id, username, email, tenant_id, roles, password_hash, created_at
		FROM identities WHERE `+cond+` LIMIT 1`,
	), args...).Scan(&out.ID, &out.Username, &out.Email, &out.TenantID, &roles, &passwordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, "", identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, "", identityUnavailable(err)
	}

	if err := json.Unmarshal([]byte(roles), &out.Roles); err != nil {
		return identity.Identity{}, "", identityUnavailable(err)
	}
	out.CreatedAt = fromMillis(createdAt)
	return out, passwordHash, nil
}

func (s *IdentityStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	result, err := s.db.sql.ExecContext(ctx, s.db.q(`
		UPDATE identities SET password_hash = ?, updated_at = ? WHERE id = ?
	`), passwordHash, millis(s.now()), id)
	if err != nil {
		return identityUnavailable(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return identityUnavailable(err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
