package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatehouse/internal/models"
)

type UserRepository struct {
	q DBTX
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{q: db}
}

func (r *UserRepository) WithTx(tx *sql.Tx) *UserRepository {
	return &UserRepository{q: tx}
}

const userColumns = `id, username, email, real_name, password_hash, is_admin, notify,
	email_confirmed_at, confirm_token_hash, confirm_token_expires_at, created_at, updated_at`

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	id, err := GenerateID("usr")
	if err != nil {
		return fmt.Errorf("generating user ID: %w", err)
	}
	user.ID = id
	user.CreatedAt = time.Now().UTC()

	var confirmExpires any
	if user.ConfirmTokenExpiresAt != nil {
		confirmExpires = user.ConfirmTokenExpiresAt.UTC()
	}
	var confirmedAt any
	if user.EmailConfirmedAt != nil {
		confirmedAt = user.EmailConfirmedAt.UTC()
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		user.ID, user.Username, user.Email, user.RealName, user.PasswordHash,
		boolToInt(user.IsAdmin), boolToInt(user.Notify),
		confirmedAt, user.ConfirmTokenHash, confirmExpires, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// FindByConfirmTokenHash resolves a confirmation token that was carried over
// onto an approved account. Expired tokens do not match.
func (r *UserRepository) FindByConfirmTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE confirm_token_hash = ? AND confirm_token_hash != ''
		   AND confirm_token_expires_at > ?`,
		tokenHash, now.UTC())
	return scanUser(row)
}

// ConfirmEmail marks the account's email confirmed if it is not already,
// reporting whether this call changed anything.
func (r *UserRepository) ConfirmEmail(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE users SET email_confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND email_confirmed_at IS NULL`,
		now.UTC(), now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("confirming user email: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	return rows > 0, nil
}

func (r *UserRepository) GetPasswordHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := r.q.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying password hash: %w", err)
	}

	return hash, nil
}

func (r *UserRepository) SetPasswordHash(ctx context.Context, id, hash string) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting password hash: %w", err)
	}

	return checkRowsAffected(result)
}

// ListNotifyAdmins returns admins flagged to receive confirmed-request
// notices. Capped defensively; a notify list beyond that is a config smell.
func (r *UserRepository) ListNotifyAdmins(ctx context.Context) ([]*models.User, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE is_admin = 1 AND notify = 1 AND email != ''
		 ORDER BY username ASC LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("listing notify admins: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

func scanUser(row *sql.Row) (*models.User, error) {
	user, err := scanUserRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func scanUserRow(row rowScanner) (*models.User, error) {
	var user models.User
	var confirmedAt, confirmExpires, updatedAt sql.NullTime
	var isAdmin, notify int

	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.RealName, &user.PasswordHash,
		&isAdmin, &notify, &confirmedAt, &user.ConfirmTokenHash, &confirmExpires,
		&user.CreatedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	user.IsAdmin = isAdmin != 0
	user.Notify = notify != 0
	user.EmailConfirmedAt = nullTimeToPtr(confirmedAt)
	user.ConfirmTokenExpiresAt = nullTimeToPtr(confirmExpires)
	user.UpdatedAt = nullTimeToPtr(updatedAt)

	return &user, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
