package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gatehouse/internal/models"
)

// CredentialRepository archives approved requests. Rows are written once,
// inside the approval transaction, and never mutated.
type CredentialRepository struct {
	q DBTX
}

func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{q: db}
}

func (r *CredentialRepository) WithTx(tx *sql.Tx) *CredentialRepository {
	return &CredentialRepository{q: tx}
}

const credentialColumns = `id, user_id, username, email, real_name, bio, notes, urls,
	areas, type, registered_at, approved_at, approved_by, comment,
	company, city, state, country, prefix, title, first_name, last_name`

func (r *CredentialRepository) Create(ctx context.Context, cred *models.AccountCredential) error {
	id, err := GenerateID("acd")
	if err != nil {
		return fmt.Errorf("generating credential ID: %w", err)
	}
	cred.ID = id

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO account_credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.Username, cred.Email, cred.RealName,
		cred.Bio, cred.Notes, cred.URLs, joinAreas(cred.Areas), cred.Type,
		cred.RegisteredAt.UTC(), cred.ApprovedAt.UTC(), cred.ApprovedBy, cred.Comment,
		cred.Company, cred.City, cred.State, cred.Country, cred.Prefix,
		cred.Title, cred.FirstName, cred.LastName,
	)
	if err != nil {
		return fmt.Errorf("archiving credentials: %w", err)
	}

	return nil
}

func (r *CredentialRepository) GetByUserID(ctx context.Context, userID string) (*models.AccountCredential, error) {
	var cred models.AccountCredential
	var areas string

	err := r.q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM account_credentials WHERE user_id = ?`,
		userID).Scan(
		&cred.ID, &cred.UserID, &cred.Username, &cred.Email, &cred.RealName,
		&cred.Bio, &cred.Notes, &cred.URLs, &areas, &cred.Type,
		&cred.RegisteredAt, &cred.ApprovedAt, &cred.ApprovedBy, &cred.Comment,
		&cred.Company, &cred.City, &cred.State, &cred.Country, &cred.Prefix,
		&cred.Title, &cred.FirstName, &cred.LastName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}

	cred.Areas = splitAreas(areas)

	return &cred, nil
}
