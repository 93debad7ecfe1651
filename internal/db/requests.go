package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatehouse/internal/models"
)

// DBTX is satisfied by both *DB and *sql.Tx so repositories can run inside
// the approval transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type RequestRepository struct {
	q DBTX
}

func NewRequestRepository(db *DB) *RequestRepository {
	return &RequestRepository{q: db}
}

func (r *RequestRepository) WithTx(tx *sql.Tx) *RequestRepository {
	return &RequestRepository{q: tx}
}

const requestColumns = `id, username, real_name, email,
	email_token_hash, email_token_expires_at, email_authenticated_at,
	type, bio, notes, urls, areas, attachment_key, attachment_name,
	registered_at, ip, forwarded_for, user_agent,
	held_at, rejected_at, deleted, handled_by, comment,
	company, city, state, country, prefix, title, first_name, last_name`

// Create persists a new pending request. The caller fills every profile
// field; id generation happens here.
func (r *RequestRepository) Create(ctx context.Context, req *models.AccountRequest) error {
	id, err := GenerateID("req")
	if err != nil {
		return fmt.Errorf("generating request ID: %w", err)
	}
	req.ID = id

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO account_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Username, req.RealName, req.Email,
		req.EmailTokenHash, req.EmailTokenExpiresAt.UTC(), nil,
		req.Type, req.Bio, req.Notes, req.URLs, joinAreas(req.Areas),
		req.AttachmentKey, req.AttachmentName,
		req.RegisteredAt.UTC(), req.IP, req.ForwardedFor, req.UserAgent,
		nil, nil, 0, "", "",
		req.Company, req.City, req.State, req.Country, req.Prefix, req.Title,
		req.FirstName, req.LastName,
	)
	if err != nil {
		return fmt.Errorf("creating account request: %w", err)
	}

	return nil
}

func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.AccountRequest, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM account_requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (r *RequestRepository) GetByUsername(ctx context.Context, username string) (*models.AccountRequest, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM account_requests WHERE username = ?`, username)
	return scanRequest(row)
}

// FindByTokenHash looks up a request by confirmation token hash. Expiry is
// checked against now, not issuance time; an expired match is not found.
func (r *RequestRepository) FindByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.AccountRequest, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM account_requests
		 WHERE email_token_hash = ? AND email_token_expires_at > ?`,
		tokenHash, now.UTC())
	return scanRequest(row)
}

// ConfirmEmail sets the email-authenticated timestamp only if it is not set
// yet and reports whether this call made the transition. Repeat calls are
// no-ops, which keeps the admin notice single-shot.
func (r *RequestRepository) ConfirmEmail(ctx context.Context, username string, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE account_requests SET email_authenticated_at = ?
		 WHERE username = ? AND email_authenticated_at IS NULL AND rejected_at IS NULL`,
		now.UTC(), username)
	if err != nil {
		return false, fmt.Errorf("confirming request email: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	return rows > 0, nil
}

// Hold pauses a request for further review. Holding resets the staleness
// clock the maintenance sweep measures against.
func (r *RequestRepository) Hold(ctx context.Context, id, adminID, comment string, now time.Time) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE account_requests SET held_at = ?, handled_by = ?, comment = ?
		 WHERE id = ? AND rejected_at IS NULL`,
		now.UTC(), adminID, comment, id)
	if err != nil {
		return fmt.Errorf("holding request: %w", err)
	}

	return checkRowsAffected(result)
}

// Reject marks a request rejected. adminID empty records a system (sweep)
// rejection; the rejected count in CountByType excludes those.
func (r *RequestRepository) Reject(ctx context.Context, id, adminID, comment string, now time.Time) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE account_requests SET rejected_at = ?, deleted = 1, handled_by = ?, comment = ?
		 WHERE id = ? AND rejected_at IS NULL`,
		now.UTC(), adminID, comment, id)
	if err != nil {
		return fmt.Errorf("rejecting request: %w", err)
	}

	return checkRowsAffected(result)
}

// Delete removes a request row, reporting whether it was still present.
func (r *RequestRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM account_requests WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	return rows > 0, nil
}

// PurgeCandidate is a rejected request old enough to remove, along with the
// attachment (if any) that must go first.
type PurgeCandidate struct {
	ID            string
	AttachmentKey *string
}

func (r *RequestRepository) ListRejectedBefore(ctx context.Context, cutoff time.Time) ([]PurgeCandidate, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, attachment_key FROM account_requests WHERE rejected_at < ?`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing purgeable requests: %w", err)
	}
	defer rows.Close()

	var candidates []PurgeCandidate
	for rows.Next() {
		var c PurgeCandidate
		var key sql.NullString
		if err := rows.Scan(&c.ID, &key); err != nil {
			return nil, fmt.Errorf("scanning purgeable request: %w", err)
		}
		c.AttachmentKey = nullStringToPtr(key)
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

// AutoRejectStaleBefore bulk-rejects pending requests registered before the
// cutoff. A hold gives the request more time: held rows only match once the
// hold itself is older than the cutoff. Concurrent sweeps are safe; the
// second run matches zero rows.
func (r *RequestRepository) AutoRejectStaleBefore(ctx context.Context, cutoff time.Time, comment string, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE account_requests
		 SET rejected_at = ?, deleted = 1, handled_by = '', comment = ?
		 WHERE rejected_at IS NULL
		   AND registered_at < ?
		   AND (held_at IS NULL OR held_at < ?)`,
		now.UTC(), comment, cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("auto-rejecting stale requests: %w", err)
	}

	return result.RowsAffected()
}

// RequestCounts is the per-queue review workload.
type RequestCounts struct {
	Open     int `json:"open"`
	Held     int `json:"held"`
	Rejected int `json:"rejected"`
}

// CountByType tallies a queue. The rejected bucket counts only rows a real
// admin rejected; sweep rejections stay out of it, matching how review
// dashboards have always reported the number.
func (r *RequestRepository) CountByType(ctx context.Context, reqType int) (RequestCounts, error) {
	var counts RequestCounts

	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_requests WHERE type = ? AND deleted = 0 AND held_at IS NULL`,
		reqType).Scan(&counts.Open)
	if err != nil {
		return counts, fmt.Errorf("counting open requests: %w", err)
	}

	err = r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_requests WHERE type = ? AND deleted = 0 AND held_at IS NOT NULL`,
		reqType).Scan(&counts.Held)
	if err != nil {
		return counts, fmt.Errorf("counting held requests: %w", err)
	}

	err = r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_requests WHERE type = ? AND deleted = 1 AND handled_by != ''`,
		reqType).Scan(&counts.Rejected)
	if err != nil {
		return counts, fmt.Errorf("counting rejected requests: %w", err)
	}

	return counts, nil
}

// CountEmailConfirmed counts live, email-confirmed, non-held requests for one
// type, or across all types when allTypes is set. This is the expensive count
// the cache layer memoizes.
func (r *RequestRepository) CountEmailConfirmed(ctx context.Context, reqType int, allTypes bool) (int, error) {
	query := `SELECT COUNT(*) FROM account_requests
		 WHERE deleted = 0 AND held_at IS NULL AND email_authenticated_at IS NOT NULL`
	args := []any{}
	if !allTypes {
		query += ` AND type = ?`
		args = append(args, reqType)
	}

	var count int
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting confirmed requests: %w", err)
	}

	return count, nil
}

// List returns a review queue page, oldest first.
func (r *RequestRepository) List(ctx context.Context, state models.RequestState, reqType, limit int) ([]*models.AccountRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM account_requests WHERE type = ?`
	switch state {
	case models.StatePending:
		query += ` AND rejected_at IS NULL AND held_at IS NULL`
	case models.StateHeld:
		query += ` AND rejected_at IS NULL AND held_at IS NOT NULL`
	case models.StateRejected:
		query += ` AND rejected_at IS NOT NULL`
	default:
		return nil, fmt.Errorf("unknown request state %q", state)
	}
	query += ` ORDER BY registered_at ASC LIMIT ?`

	rows, err := r.q.QueryContext(ctx, query, reqType, limit)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.AccountRequest
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row *sql.Row) (*models.AccountRequest, error) {
	req, err := scanRequestRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func scanRequestRow(row rowScanner) (*models.AccountRequest, error) {
	var req models.AccountRequest
	var tokenExpires, emailAuth, heldAt, rejectedAt sql.NullTime
	var attachmentKey, attachmentName sql.NullString
	var areas string
	var deleted int

	err := row.Scan(
		&req.ID, &req.Username, &req.RealName, &req.Email,
		&req.EmailTokenHash, &tokenExpires, &emailAuth,
		&req.Type, &req.Bio, &req.Notes, &req.URLs, &areas,
		&attachmentKey, &attachmentName,
		&req.RegisteredAt, &req.IP, &req.ForwardedFor, &req.UserAgent,
		&heldAt, &rejectedAt, &deleted, &req.HandledBy, &req.Comment,
		&req.Company, &req.City, &req.State, &req.Country, &req.Prefix,
		&req.Title, &req.FirstName, &req.LastName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning account request: %w", err)
	}

	if tokenExpires.Valid {
		req.EmailTokenExpiresAt = tokenExpires.Time
	}
	req.EmailAuthenticated = nullTimeToPtr(emailAuth)
	req.HeldAt = nullTimeToPtr(heldAt)
	req.RejectedAt = nullTimeToPtr(rejectedAt)
	req.AttachmentKey = nullStringToPtr(attachmentKey)
	req.AttachmentName = nullStringToPtr(attachmentName)
	req.Areas = splitAreas(areas)
	req.Deleted = deleted != 0

	return &req, nil
}
