package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"authcore.org/internal/fault"
	"authcore.org/internal/token"
)

var _ token.Store = (*Store)(nil)

const tokenCols = `id, user_id, provider, name, token_hash, type, purpose, device_info, issued_at, expires_at,
	is_active, is_revoked, revoked_at, revoked_by, revoke_reason, is_rotated, rotated_at, rotated_by,
	parent_token_id, usage_count, last_used_at`

func scanToken(row scanner) (token.Token, error) {
	var (
		t                               token.Token
		typ                             string
		expires, revoked, rotated, used sql.NullTime
		revokedBy, reason, rotatedBy    sql.NullString
		parent                          sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Provider, &t.Name, &t.Hash, &typ, &t.Purpose, &t.DeviceInfo,
		&t.IssuedAt, &expires, &t.IsActive, &t.IsRevoked, &revoked, &revokedBy, &reason,
		&t.IsRotated, &rotated, &rotatedBy, &parent, &t.UsageCount, &used); err != nil {
		return token.Token{}, err
	}
	t.Type = token.Type(typ)
	t.ExpiresAt = timePtr(expires)
	t.RevokedAt = timePtr(revoked)
	t.RevokedBy = revokedBy.String
	t.RevokeReason = reason.String
	t.RotatedAt = timePtr(rotated)
	t.RotatedBy = rotatedBy.String
	t.ParentTokenID = parent.String
	t.LastUsedAt = timePtr(used)
	return t, nil
}

const insertToken = `
	insert into tokens (id, user_id, provider, name, token_hash, type, purpose, device_info,
		issued_at, expires_at, is_active, parent_token_id)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func tokenArgs(t token.Token) []any {
	return []any{t.ID, t.UserID, t.Provider, t.Name, t.Hash, string(t.Type), t.Purpose, t.DeviceInfo,
		t.IssuedAt.UTC(), nullTime(t.ExpiresAt), t.IsActive, nullIfEmpty(t.ParentTokenID)}
}

func (s *Store) CreateToken(ctx context.Context, t token.Token) error {
	if _, err := s.db.ExecContext(ctx, insertToken, tokenArgs(t)...); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: token %s already exists", fault.ErrInvalidInput, t.ID)
		}
		return err
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id string) (token.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenCols+` from tokens where id = $1`, id))
	if err != nil {
		return token.Token{}, mapErr(err, fault.ErrTokenNotFound, nil)
	}
	return t, nil
}

// RotateToken flips the parent with a conditional update; the losing side
// of a race sees zero affected rows and inserts nothing.
func (s *Store) RotateToken(ctx context.Context, parentID, rotatedBy string, now time.Time, child token.Token) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update tokens
			set is_rotated = true, rotated_at = $2, rotated_by = $3
			where id = $1 and is_active and not is_revoked and not is_rotated
			  and (expires_at is null or expires_at > $2)
		`, parentID, now.UTC(), nullIfEmpty(rotatedBy))
		if err != nil {
			return err
		}
		if err := affected(res, fault.ErrCannotRotateInvalidToken); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, insertToken, tokenArgs(child)...)
		return err
	})
}

func (s *Store) RevokeToken(ctx context.Context, id, revokedBy, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update tokens
		set is_revoked = true, revoked_at = $2, revoked_by = $3, revoke_reason = $4
		where id = $1 and not is_revoked
	`, id, at.UTC(), nullIfEmpty(revokedBy), nullIfEmpty(reason))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetToken(ctx, id); err != nil {
		return err
	}
	return fault.ErrTokenAlreadyRevoked
}

func (s *Store) ListValidTokens(ctx context.Context, userID string, now time.Time) ([]token.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+tokenCols+`
		from tokens
		where user_id = $1 and is_active and not is_revoked and not is_rotated
		  and (expires_at is null or expires_at > $2)
		order by issued_at, id
	`, userID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []token.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update tokens set usage_count = usage_count + 1, last_used_at = $2 where id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	return affected(res, fault.ErrTokenNotFound)
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from tokens where expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
