package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/credledger/internal"
	"github.com/MrEthical07/credledger/refresh"
)

// maxRotateAttempts bounds re-evaluation after a lost conditional update.
const maxRotateAttempts = 3

var errLostRace = errors.New("conditional update lost")

// RefreshStore is a refresh.Store on SQL.
type RefreshStore struct {
	db *DB
}

var _ refresh.Store = (*RefreshStore)(nil)

// NewRefreshStore returns a RefreshStore on db.
func NewRefreshStore(db *DB) *RefreshStore {
	return &RefreshStore{db: db}
}

func refreshUnavailable(err error) error {
	return fmt.Errorf("%w: %v", refresh.ErrStoreUnavailable, err)
}

// Create implements refresh.Store.
func (s *RefreshStore) Create(ctx context.Context, rec refresh.Record) error {
	return s.insert(ctx, s.db.sql, rec)
}

func (s *RefreshStore) insert(ctx context.Context, db DBTX, rec refresh.Record) error {
	_, err := db.ExecContext(ctx, s.db.q(`
		INSERT INTO refresh_tokens (id, identity_id, secret_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`), rec.ID, rec.IdentityID, internal.HashHex(rec.SecretHash), millis(rec.CreatedAt), millis(rec.ExpiresAt))
	if isUniqueViolation(err) {
		return refresh.ErrDuplicate
	}
	if err != nil {
		return refreshUnavailable(err)
	}
	return nil
}

// Rotate implements refresh.Store in a single transaction.
func (s *RefreshStore) Rotate(ctx context.Context, presented [32]byte, next refresh.Record, now time.Time) (refresh.RotateResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.rotateOnce(ctx, presented, next, now)
		if !errors.Is(err, errLostRace) {
			return res, err
		}
		if attempt >= maxRotateAttempts {
			return refresh.RotateResult{}, refreshUnavailable(err)
		}
	}
}

func (s *RefreshStore) rotateOnce(ctx context.Context, presented [32]byte, next refresh.Record, now time.Time) (refresh.RotateResult, error) {
	var res refresh.RotateResult

	err := withTx(ctx, s.db.sql, func(ctx context.Context, tx DBTX) error {
		rec, err := s.selectByHash(ctx, tx, presented, true)
		if errors.Is(err, refresh.ErrNotFound) {
			res = refresh.RotateResult{Outcome: refresh.OutcomeNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		switch rec.StateAt(now) {
		case refresh.StateRevoked:
			res = refresh.RotateResult{Outcome: refresh.OutcomeRevoked, Presented: rec}
			return nil
		case refresh.StateRotated:
			revoked, err := s.revokeChain(ctx, tx, rec.ReplacedBy, now)
			if err != nil {
				return err
			}
			res = refresh.RotateResult{Outcome: refresh.OutcomeReuseDetected, Presented: rec, ChainRevoked: revoked}
			return nil
		case refresh.StateExpired:
			res = refresh.RotateResult{Outcome: refresh.OutcomeExpired, Presented: rec}
			return nil
		}

		result, err := tx.ExecContext(ctx, s.db.q(`
			UPDATE refresh_tokens
			SET revoked_at = ?, replaced_by = ?
			WHERE id = ? AND revoked_at IS NULL
		`), millis(now), next.ID, rec.ID)
		if err != nil {
			return refreshUnavailable(err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return refreshUnavailable(err)
		} else if n != 1 {
			return errLostRace
		}

		next.IdentityID = rec.IdentityID
		if err := s.insert(ctx, tx, next); err != nil {
			return err
		}

		res = refresh.RotateResult{Outcome: refresh.OutcomeRotated, Presented: rec}
		return nil
	})
	if err != nil {
		return refresh.RotateResult{}, s.txError(err)
	}
	return res, nil
}

// txError keeps sentinel errors intact and wraps driver failures.
func (s *RefreshStore) txError(err error) error {
	switch {
	case errors.Is(err, errLostRace),
		errors.Is(err, refresh.ErrDuplicate),
		errors.Is(err, refresh.ErrStoreUnavailable):
		return err
	default:
		return refreshUnavailable(err)
	}
}

func (s *RefreshStore) revokeChain(ctx context.Context, tx DBTX, from string, now time.Time) (int, error) {
	revoked := 0
	seen := make(map[string]struct{})
	for id := from; id != ""; {
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}

		var (
			revokedAt  sql.NullInt64
			replacedBy sql.NullString
		)
		err := tx.QueryRowContext(ctx, s.db.q(`
			SELECT revoked_at, replaced_by FROM refresh_tokens WHERE id = ?`+s.db.dialect.lockRow,
		), id).Scan(&revokedAt, &replacedBy)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return revoked, refreshUnavailable(err)
		}

		if !revokedAt.Valid {
			result, err := tx.ExecContext(ctx, s.db.q(`
				UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
			`), millis(now), id)
			if err != nil {
				return revoked, refreshUnavailable(err)
			}
			if n, _ := result.RowsAffected(); n == 1 {
				revoked++
			}
		}
		id = replacedBy.String
	}
	return revoked, nil
}

// RevokeByID implements refresh.Store.
func (s *RefreshStore) RevokeByID(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.revokeWhere(ctx, "id = ?", id, now)
}

// RevokeByHash implements refresh.Store.
func (s *RefreshStore) RevokeByHash(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	return s.revokeWhere(ctx, "secret_hash = ?", internal.HashHex(hash), now)
}

func (s *RefreshStore) revokeWhere(ctx context.Context, cond string, arg string, now time.Time) (bool, error) {
	result, err := s.db.sql.ExecContext(ctx, s.db.q(
		`UPDATE refresh_tokens SET revoked_at = ? WHERE `+cond+` AND revoked_at IS NULL`,
	), millis(now), arg)
	if err != nil {
		return false, refreshUnavailable(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, refreshUnavailable(err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.sql.QueryRowContext(ctx, s.db.q(`SELECT 1 FROM refresh_tokens WHERE `+cond), arg).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, refresh.ErrNotFound
	}
	if err != nil {
		return false, refreshUnavailable(err)
	}
	return false, nil
}

// RevokeIdentity implements refresh.Store.
func (s *RefreshStore) RevokeIdentity(ctx context.Context, identityID string, now time.Time) (int, error) {
	result, err := s.db.sql.ExecContext(ctx, s.db.q(`
		UPDATE refresh_tokens SET revoked_at = ? WHERE identity_id = ? AND revoked_at IS NULL
	`), millis(now), identityID)
	if err != nil {
		return 0, refreshUnavailable(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, refreshUnavailable(err)
	}
	return int(n), nil
}

// GetByHash implements refresh.Store.
func (s *RefreshStore) GetByHash(ctx context.Context, hash [32]byte) (refresh.Record, error) {
	rec, err := s.selectByHash(ctx, s.db.sql, hash, false)
	if err != nil && !errors.Is(err, refresh.ErrNotFound) {
		return refresh.Record{}, refreshUnavailable(err)
	}
	return rec, err
}

func (s *RefreshStore) selectByHash(ctx context.Context, db DBTX, hash [32]byte, lock bool) (refresh.Record, error) {
	query := `
		SELECT id, identity_id, created_at, expires_at, revoked_at, replaced_by
		FROM refresh_tokens
		WHERE secret_hash = ?`
	if lock {
		query += s.db.dialect.lockRow
	}

	var (
		rec        refresh.Record
		createdAt  int64
		expiresAt  int64
		revokedAt  sql.NullInt64
		replacedBy sql.NullString
	)
	err := db.QueryRowContext(ctx, s.db.q(query), internal.HashHex(hash)).Scan(
		&rec.ID, &rec.IdentityID, &createdAt, &expiresAt, &revokedAt, &replacedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return refresh.Record{}, refresh.ErrNotFound
	}
	if err != nil {
		return refresh.Record{}, err
	}

	rec.SecretHash = hash
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.RevokedAt = fromNullMillis(revokedAt)
	rec.ReplacedBy = replacedBy.String
	return rec, nil
}

// PruneExpired implements refresh.Store. Each pass deletes expired records
// whose successor is gone; passes repeat until a chain has unwound from its
// tip.
func (s *RefreshStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	query := s.db.q(`
		DELETE FROM refresh_tokens
		WHERE expires_at <= ?
		  AND (replaced_by IS NULL OR replaced_by = '' OR NOT EXISTS (
		    SELECT 1 FROM refresh_tokens s WHERE s.id = refresh_tokens.replaced_by
		  ))`)

	pruned := 0
	for {
		result, err := s.db.sql.ExecContext(ctx, query, millis(before))
		if err != nil {
			return pruned, refreshUnavailable(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return pruned, refreshUnavailable(err)
		}
		if n == 0 {
			return pruned, nil
		}
		pruned += int(n)
	}
}
