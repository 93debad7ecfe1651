package request

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gatehouse/internal/auth"
	"gatehouse/internal/db"
	"gatehouse/internal/models"
)

// Approve turns a request into a real account. adminID empty records a
// system approval (the auto-approve-on-confirmation path).
func (s *Service) Approve(ctx context.Context, id, adminID, comment string) (*models.User, error) {
	return s.approve(ctx, id, adminID, comment)
}

// approve runs account creation, password setup, the credentials archive
// insert and the request-row removal as one transaction. Any failure rolls
// the whole thing back; a user without an approval record is never visible.
func (s *Service) approve(ctx context.Context, id, adminID, comment string) (*models.User, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RejectedAt != nil {
		return nil, ErrAlreadyResolved
	}

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting approval transaction: %w", err)
	}
	defer tx.Rollback()

	usersTx := s.users.WithTx(tx)
	credentialsTx := s.credentials.WithTx(tx)
	requestsTx := s.requests.WithTx(tx)

	user := &models.User{
		Username:         req.Username,
		Email:            req.Email,
		RealName:         req.RealName,
		EmailConfirmedAt: req.EmailAuthenticated,
	}
	// An unconfirmed request keeps its token alive on the account so the
	// emailed link still works after approval.
	if req.EmailAuthenticated == nil && req.EmailTokenHash != "" {
		expiry := req.EmailTokenExpiresAt
		user.ConfirmTokenHash = req.EmailTokenHash
		user.ConfirmTokenExpiresAt = &expiry
	}

	if err := usersTx.Create(ctx, user); err != nil {
		if db.IsUniqueConstraintError(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	password, err := s.setRandomPassword(ctx, usersTx, user.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cred := &models.AccountCredential{
		UserID:       user.ID,
		Username:     req.Username,
		Email:        req.Email,
		RealName:     req.RealName,
		Bio:          req.Bio,
		Notes:        req.Notes,
		URLs:         req.URLs,
		Company:      req.Company,
		City:         req.City,
		State:        req.State,
		Country:      req.Country,
		Prefix:       req.Prefix,
		Title:        req.Title,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Areas:        req.Areas,
		Type:         req.Type,
		RegisteredAt: req.RegisteredAt,
		ApprovedAt:   now,
		ApprovedBy:   adminID,
		Comment:      comment,
	}
	if err := credentialsTx.Create(ctx, cred); err != nil {
		return nil, err
	}

	deleted, err := requestsTx.Delete(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		// Someone else resolved the request between our read and this
		// delete; give up and let their outcome stand.
		return nil, ErrAlreadyResolved
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing approval: %w", err)
	}

	s.invalidateCounts(ctx, req.Type)

	if err := s.mailer.SendWelcome(user.Email, user.Username, password); err != nil {
		slog.Error("error sending welcome email",
			"component", "request", "error", err, "user_id", user.ID)
	}

	return user, nil
}

// setRandomPassword generates a temporary password, checks it against
// whatever hash the row already holds, and stores the new hash.
func (s *Service) setRandomPassword(ctx context.Context, usersTx *db.UserRepository, userID string) (string, error) {
	currentHash, err := usersTx.GetPasswordHash(ctx, userID)
	if err != nil {
		return "", err
	}

	password, err := auth.GenerateTemporaryPassword(currentHash)
	if err != nil {
		return "", err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}

	if err := usersTx.SetPasswordHash(ctx, userID, hash); err != nil {
		return "", err
	}

	return password, nil
}
