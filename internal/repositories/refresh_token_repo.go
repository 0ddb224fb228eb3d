package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/BradenHooton/visaportal/internal/database"
	"github.com/BradenHooton/visaportal/internal/models"
)

type RefreshTokenRepository struct {
	db *database.DB
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const refreshTokenColumns = `id, token, user_id, session_id, expires_at, revoked_at, revoked_reason, replaced_by, created_at`

func scanRefreshToken(row pgx.Row) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := row.Scan(
		&rt.ID, &rt.Token, &rt.UserID, &rt.SessionID, &rt.ExpiresAt,
		&rt.RevokedAt, &rt.RevokedReason, &rt.ReplacedBy, &rt.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &rt, nil
}

func insertRefreshToken(ctx context.Context, q database.Querier, rt *models.RefreshToken) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}

	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, token, user_id, session_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rt.ID, rt.Token, rt.UserID, rt.SessionID, rt.ExpiresAt, rt.CreatedAt)
	return database.MapPostgresError(err)
}

func revokeAllForUser(ctx context.Context, q database.Querier, userID, reason string, now time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now, reason)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// Create persists a freshly issued refresh token.
func (r *RefreshTokenRepository) Create(ctx context.Context, rt *models.RefreshToken) error {
	return insertRefreshToken(ctx, r.db.Pool, rt)
}

func (r *RefreshTokenRepository) GetByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token = $1`
	return scanRefreshToken(r.db.Pool.QueryRow(ctx, query, token))
}

// Rotate marks oldToken as replaced by next and inserts next, atomically.
// The update only matches while revoked_at IS NULL, so of two concurrent
// rotations of the same token exactly one succeeds; the other gets
// models.ErrTokenConsumed and nothing is written.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked_at = $2, revoked_reason = $3, replaced_by = $4
			WHERE token = $1 AND revoked_at IS NULL
		`, oldToken, now, models.RevokeReasonRotated, next.Token)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrTokenConsumed
		}

		return insertRefreshToken(ctx, tx, next)
	})
}

// RevokeByToken revokes a single token if it is still active.
func (r *RefreshTokenRepository) RevokeByToken(ctx context.Context, token, reason string, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
		WHERE token = $1 AND revoked_at IS NULL
	`, token, now, reason)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// RevokeSession revokes the active token of one login session of userID.
func (r *RefreshTokenRepository) RevokeSession(ctx context.Context, userID, sessionID, reason string, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $3, revoked_reason = $4
		WHERE user_id = $1 AND session_id = $2 AND revoked_at IS NULL
	`, userID, sessionID, now, reason)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// RevokeAllForUser revokes every active token of userID in one statement.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	return revokeAllForUser(ctx, r.db.Pool, userID, reason, now)
}

// DeleteStale garbage-collects rows revoked or expired before cutoff.
func (r *RefreshTokenRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE (revoked_at IS NOT NULL AND revoked_at < $1) OR expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
