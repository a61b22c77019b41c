package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/credledger/internal"
	"github.com/MrEthical07/credledger/reset"
)

// ResetStore is a reset.Store on SQL.
type ResetStore struct {
	db *DB
}

var _ reset.Store = (*ResetStore)(nil)

// NewResetStore returns a ResetStore on db.
func NewResetStore(db *DB) *ResetStore {
	return &ResetStore{db: db}
}

func resetUnavailable(err error) error {
	return fmt.Errorf("%w: %v", reset.ErrStoreUnavailable, err)
}

func (s *ResetStore) Create(ctx context.Context, rec reset.Record) error {
	_, err := s.db.sql.ExecContext(ctx, s.db.q(`
		INSERT INTO password_reset_tokens (id, identity_id, secret_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`), rec.ID, rec.IdentityID, internal.HashHex(rec.SecretHash), millis(rec.CreatedAt), millis(rec.ExpiresAt))
	if isUniqueViolation(err) {
		return reset.ErrDuplicate
	}
	if err != nil {
		return resetUnavailable(err)
	}
	return nil
}

// Claim redeems the record in one transaction. The conditional update on
// redeemed_at makes a concurrent second claim observe ErrAlreadyRedeemed.
func (s *ResetStore) Claim(ctx context.Context, hash [32]byte, now time.Time) (reset.Record, error) {
	var (
		rec      reset.Record
		claimErr error
	)

	err := withTx(ctx, s.db.sql, func(ctx context.Context, tx DBTX) error {
		var (
			createdAt  int64
			expiresAt  int64
			redeemedAt sql.NullInt64
		)
		err := tx.QueryRowContext(ctx, s.db.q(`
			SELECT id, identity_id, created_at, expires_at, redeemed_at
			FROM password_reset_tokens
			WHERE secret_hash = ?`+s.db.dialect.lockRow,
		), internal.HashHex(hash)).Scan(&rec.ID, &rec.IdentityID, &createdAt, &expiresAt, &redeemedAt)
		if errors.Is(err, sql.ErrNoRows) {
			claimErr = reset.ErrInvalid
			return nil
		}
		if err != nil {
			return err
		}

		rec.SecretHash = hash
		rec.CreatedAt = fromMillis(createdAt)
		rec.ExpiresAt = fromMillis(expiresAt)
		rec.RedeemedAt = fromNullMillis(redeemedAt)

		if rec.RedeemedAt != nil {
			claimErr = reset.ErrAlreadyRedeemed
			return nil
		}
		if !now.Before(rec.ExpiresAt) {
			claimErr = reset.ErrExpired
			return nil
		}

		result, err := tx.ExecContext(ctx, s.db.q(`
			UPDATE password_reset_tokens SET redeemed_at = ? WHERE id = ? AND redeemed_at IS NULL
		`), millis(now), rec.ID)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			claimErr = reset.ErrAlreadyRedeemed
		}
		return nil
	})
	if err != nil {
		return reset.Record{}, resetUnavailable(err)
	}
	if errors.Is(claimErr, reset.ErrInvalid) {
		return reset.Record{}, claimErr
	}
	return rec, claimErr
}

func (s *ResetStore) Release(ctx context.Context, id string, claimedAt time.Time) (bool, error) {
	result, err := s.db.sql.ExecContext(ctx, s.db.q(`
		UPDATE password_reset_tokens SET redeemed_at = NULL WHERE id = ? AND redeemed_at = ?
	`), id, millis(claimedAt))
	if err != nil {
		return false, resetUnavailable(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, resetUnavailable(err)
	}
	return n == 1, nil
}

func (s *ResetStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.sql.ExecContext(ctx, s.db.q(`DELETE FROM password_reset_tokens WHERE expires_at <= ?`), millis(before))
	if err != nil {
		return 0, resetUnavailable(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, resetUnavailable(err)
	}
	return int(n), nil
}
