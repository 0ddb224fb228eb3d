package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/BradenHooton/visaportal/internal/database"
	"github.com/BradenHooton/visaportal/internal/models"
)

// FieldCipher encrypts columns holding personal data. crypto.Cipher
// implements it.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type UserRepository struct {
	db     *database.DB
	cipher FieldCipher
}

func NewUserRepository(db *database.DB, cipher FieldCipher) *UserRepository {
	return &UserRepository{db: db, cipher: cipher}
}

const userColumns = `id, email, password_hash, name, role, failed_login_count, locked_until,
	last_login_at, last_login_ip, password_changed_at, created_at, updated_at`

// scanUser decrypts last_login_ip. A decryption failure is returned, never
// papered over with the raw column value.
func (r *UserRepository) scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var encryptedIP string

	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.Role,
		&user.FailedLoginCount, &user.LockedUntil,
		&user.LastLoginAt, &encryptedIP, &user.PasswordChangedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	user.LastLoginIP, err = r.cipher.Decrypt(encryptedIP)
	if err != nil {
		return nil, fmt.Errorf("user %s last_login_ip: %w", user.ID, err)
	}

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByEmail matches case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return r.scanUser(r.db.Pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

// Create inserts user, assigning its id and timestamps. A duplicate email
// yields models.ErrConflict.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.NewString()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Role == "" {
		user.Role = models.RoleUser
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.PasswordChangedAt = &now

	query := `
		INSERT INTO users (id, email, password_hash, name, role, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.Name, user.Role, now, now, now)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return user, nil
}

// RecordFailedLogin counts one failed attempt in a single statement so that
// concurrent failures cannot overwrite each other. If a previous lock has
// already lapsed the count restarts at 1. Reaching threshold sets
// locked_until = now + lockout.
func (r *UserRepository) RecordFailedLogin(ctx context.Context, id string, threshold int, lockout time.Duration, now time.Time) (*models.FailedLoginResult, error) {
	query := `
		WITH next AS (
			SELECT id,
				CASE WHEN locked_until IS NOT NULL AND locked_until <= $2
					THEN 1
					ELSE failed_login_count + 1
				END AS count,
				CASE WHEN locked_until IS NOT NULL AND locked_until <= $2
					THEN NULL
					ELSE locked_until
				END AS locked_until
			FROM users WHERE id = $1
			FOR UPDATE
		)
		UPDATE users u SET
			failed_login_count = next.count,
			locked_until = CASE WHEN next.count >= $3 THEN $4 ELSE next.locked_until END,
			updated_at = $2
		FROM next
		WHERE u.id = next.id
		RETURNING u.failed_login_count, u.locked_until
	`

	var result models.FailedLoginResult
	err := r.db.Pool.QueryRow(ctx, query, id, now, threshold, now.Add(lockout)).
		Scan(&result.FailedLoginCount, &result.LockedUntil)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &result, nil
}

// RecordSuccessfulLogin clears failure state and stamps the login time and
// (encrypted) client address.
func (r *UserRepository) RecordSuccessfulLogin(ctx context.Context, id, clientIP string, now time.Time) error {
	encryptedIP, err := r.cipher.Encrypt(clientIP)
	if err != nil {
		return fmt.Errorf("failed to encrypt login ip: %w", err)
	}

	query := `
		UPDATE users SET
			failed_login_count = 0,
			locked_until = NULL,
			last_login_at = $2,
			last_login_ip = $3,
			updated_at = $2
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, now, encryptedIP)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdatePasswordAndRevokeSessions stores the new hash and revokes every
// active refresh token of the user in the same transaction. It returns the
// number of tokens revoked.
func (r *UserRepository) UpdatePasswordAndRevokeSessions(ctx context.Context, id, passwordHash string, now time.Time) (int64, error) {
	var revoked int64

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET password_hash = $2, password_changed_at = $3, updated_at = $3
			WHERE id = $1
		`, id, passwordHash, now)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		revoked, err = revokeAllForUser(ctx, tx, id, models.RevokeReasonPasswordChange, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}
