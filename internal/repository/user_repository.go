package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/account-service/internal/domain"
)

// ErrEmailTaken signals a uniqueness violation on the email column.
var ErrEmailTaken = errors.New("email already registered")

const uniqueViolationCode = "23505"

// UserRepository defines persistence access for accounts. Reset-token fields
// are mutated as a pair: SetResetToken and ClearResetToken touch both columns,
// and ConsumeResetToken is a single conditional update so two concurrent
// consumers of the same token cannot both succeed.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateProfile(ctx context.Context, id, name, email string) (*domain.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	ClearResetToken(ctx context.Context, id string) error
	ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time, newPasswordHash string) (*domain.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
        INSERT INTO users (name, email, password_hash)
        VALUES ($1, $2, $3)
        RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		user.Name,
		user.Email,
		user.PasswordHash,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return translateUniqueViolation(err)
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `
        SELECT id, name, email, password_hash, reset_token_hash, reset_token_expires_at, created_at, updated_at
        FROM users WHERE id=$1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `
        SELECT id, name, email, password_hash, reset_token_hash, reset_token_expires_at, created_at, updated_at
        FROM users WHERE email=$1`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

func (r *userRepository) UpdateProfile(ctx context.Context, id, name, email string) (*domain.User, error) {
	const query = `
        UPDATE users SET name=$1, email=$2, updated_at=NOW()
        WHERE id=$3
        RETURNING id, name, email, password_hash, reset_token_hash, reset_token_expires_at, created_at, updated_at`

	user, err := r.scanUser(r.pool.QueryRow(ctx, query, name, email, id))
	if err != nil {
		return nil, translateUniqueViolation(err)
	}
	return user, nil
}

func (r *userRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const query = `
        UPDATE users SET password_hash=$1, updated_at=NOW()
        WHERE id=$2`

	cmd, err := r.pool.Exec(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *userRepository) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	const query = `
        UPDATE users SET reset_token_hash=$1, reset_token_expires_at=$2, updated_at=NOW()
        WHERE id=$3`

	cmd, err := r.pool.Exec(ctx, query, tokenHash, expiresAt, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *userRepository) ClearResetToken(ctx context.Context, id string) error {
	const query = `
        UPDATE users SET reset_token_hash=NULL, reset_token_expires_at=NULL, updated_at=NOW()
        WHERE id=$1`

	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ConsumeResetToken atomically matches the stored digest against an unexpired
// window, installs the new password hash and clears the token columns. A raw
// token can therefore succeed at most once; losers of the race, expired
// tokens and unknown digests all surface as pgx.ErrNoRows.
func (r *userRepository) ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time, newPasswordHash string) (*domain.User, error) {
	const query = `
        UPDATE users
        SET password_hash=$1, reset_token_hash=NULL, reset_token_expires_at=NULL, updated_at=NOW()
        WHERE reset_token_hash=$2 AND reset_token_expires_at > $3
        RETURNING id, name, email, password_hash, reset_token_hash, reset_token_expires_at, created_at, updated_at`

	return r.scanUser(r.pool.QueryRow(ctx, query, newPasswordHash, tokenHash, now))
}

func (r *userRepository) scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.ResetTokenHash,
		&user.ResetTokenExpiresAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}

func translateUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return ErrEmailTaken
	}
	return err
}
