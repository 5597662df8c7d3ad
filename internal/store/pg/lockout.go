package pg

import (
	"context"
	"database/sql"
	"errors"

	"authcore.org/internal/lockout"
)

var _ lockout.Store = (*Store)(nil)

const lockoutCols = `user_id, failed_attempts, lockout_end, lockout_count, first_lockout_at, last_lockout_at, requires_manual_unlock, updated_at`

func scanLockout(row scanner) (lockout.State, error) {
	var (
		st               lockout.State
		end, first, last sql.NullTime
		updated          sql.NullTime
	)
	if err := row.Scan(&st.UserID, &st.FailedAttempts, &end, &st.LockoutCount, &first, &last,
		&st.RequiresManualUnlock, &updated); err != nil {
		return lockout.State{}, err
	}
	st.LockoutEnd = timePtr(end)
	st.FirstLockoutAt = timePtr(first)
	st.LastLockoutAt = timePtr(last)
	st.UpdatedAt = updated.Time
	return st, nil
}

func (s *Store) GetLockout(ctx context.Context, userID string) (lockout.State, error) {
	st, err := scanLockout(s.db.QueryRowContext(ctx, `select `+lockoutCols+` from lockouts where user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return lockout.State{UserID: userID}, nil
	}
	return st, err
}

// UpdateLockout creates the row if needed and holds it with select for
// update while fn runs, serializing concurrent attempts for one user.
func (s *Store) UpdateLockout(ctx context.Context, userID string, fn func(*lockout.State) error) (lockout.State, error) {
	var out lockout.State
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into lockouts (user_id) values ($1) on conflict (user_id) do nothing
		`, userID); err != nil {
			return err
		}
		st, err := scanLockout(tx.QueryRowContext(ctx, `select `+lockoutCols+` from lockouts where user_id = $1 for update`, userID))
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.UserID = userID
		if _, err := tx.ExecContext(ctx, `
			update lockouts
			set failed_attempts = $2, lockout_end = $3, lockout_count = $4, first_lockout_at = $5,
			    last_lockout_at = $6, requires_manual_unlock = $7, updated_at = $8
			where user_id = $1
		`, userID, st.FailedAttempts, nullTime(st.LockoutEnd), st.LockoutCount, nullTime(st.FirstLockoutAt),
			nullTime(st.LastLockoutAt), st.RequiresManualUnlock, st.UpdatedAt.UTC()); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}
