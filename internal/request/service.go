// Package request implements the account-request lifecycle: submission,
// email confirmation, review actions, approval, counts, and the maintenance
// sweep.
package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"gatehouse/internal/attach"
	"gatehouse/internal/cache"
	"gatehouse/internal/config"
	"gatehouse/internal/constants"
	"gatehouse/internal/db"
	"gatehouse/internal/models"
	"gatehouse/internal/token"
)

const (
	countCacheTTL    = 7 * 24 * time.Hour
	autoRejectReason = "Request expired without review; rejected automatically."
)

var usernameRegex = regexp.MustCompile(fmt.Sprintf(`^[a-zA-Z0-9][a-zA-Z0-9_\- ]{%d,%d}$`,
	constants.UsernameMinLen-1, constants.UsernameMaxLen-1))

// Names nobody gets to request, regardless of the policy regex.
var reservedUsernames = map[string]struct{}{
	"admin":         {},
	"administrator": {},
	"moderator":     {},
	"root":          {},
	"system":        {},
	"support":       {},
}

// Validation failures surfaced to the submitting user. None of them leave
// any state behind.
var (
	ErrUsernameInvalid  = errors.New("requested username is not acceptable")
	ErrUsernameTaken    = errors.New("an account with this username already exists")
	ErrDuplicateRequest = errors.New("a request for this username is already pending")
	ErrTermsNotAccepted = errors.New("terms of service were not accepted")
	ErrUnknownType      = errors.New("unknown request type")
	ErrUnknownArea      = errors.New("unknown area of interest")
	ErrAlreadyResolved  = errors.New("request has already been resolved")
)

// MissingFieldError names a required profile field the submission left empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %q is missing", e.Field)
}

// Mailer is the outbound notification surface. Every call site treats
// delivery as best-effort: failures are logged and never roll back state.
type Mailer interface {
	SendConfirmation(to, username, confirmURL, ip string, expiresAt time.Time) error
	SendAdminNotice(to, requester string, extraFields []string) error
	SendWelcome(to, username, password string) error
}

type Service struct {
	cfg          config.RequestsConfig
	baseURL      string
	adminContact string

	database    *db.DB
	requests    *db.RequestRepository
	users       *db.UserRepository
	credentials *db.CredentialRepository
	attachments *attach.Service
	tokens      *token.Service
	counts      cache.Store
	mailer      Mailer
	sanitizer   *bluemonday.Policy
}

func NewService(
	cfg config.RequestsConfig,
	baseURL string,
	adminContact string,
	database *db.DB,
	attachments *attach.Service,
	counts cache.Store,
	mailer Mailer,
) *Service {
	return &Service{
		cfg:          cfg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		adminContact: adminContact,
		database:     database,
		requests:     db.NewRequestRepository(database),
		users:        db.NewUserRepository(database),
		credentials:  db.NewCredentialRepository(database),
		attachments:  attachments,
		tokens:       token.New(cfg.RejectAge),
		counts:       counts,
		mailer:       mailer,
		sanitizer:    bluemonday.StrictPolicy(),
	}
}

// SubmitInput carries everything a submission form posts.
type SubmitInput struct {
	Username    string
	RealName    string
	Email       string
	Bio         string
	Notes       string
	URLs        string
	Company     string
	City        string
	State       string
	Country     string
	Prefix      string
	Title       string
	FirstName   string
	LastName    string
	Areas       []string
	Type        int
	TOSAccepted bool

	// Attachment is optional; when nil nothing is stored.
	Attachment     io.Reader
	AttachmentName string

	IP           string
	ForwardedFor string
	UserAgent    string
}

// Submit validates and persists a new pending request. Either the full row
// (and attachment) lands, or nothing does: an insert failure removes the
// already-stored file before returning.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*models.AccountRequest, error) {
	username := strings.TrimSpace(input.Username)
	emailAddr := strings.ToLower(strings.TrimSpace(input.Email))

	if !usernameRegex.MatchString(username) {
		return nil, ErrUsernameInvalid
	}
	if _, reserved := reservedUsernames[strings.ToLower(username)]; reserved {
		return nil, ErrUsernameInvalid
	}
	if emailAddr == "" {
		return nil, &MissingFieldError{Field: "email"}
	}
	if !input.TOSAccepted {
		return nil, ErrTermsNotAccepted
	}
	if !s.cfg.HasType(input.Type) {
		return nil, ErrUnknownType
	}
	for _, area := range input.Areas {
		if !s.cfg.HasArea(area) {
			return nil, ErrUnknownArea
		}
	}

	country := strings.TrimSpace(input.Country)
	if country == "" {
		country = s.cfg.DefaultCountry
	}

	if err := s.checkRequiredFields(input, country); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("checking username availability: %w", err)
	}
	if _, err := s.requests.GetByUsername(ctx, username); err == nil {
		return nil, ErrDuplicateRequest
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("checking pending requests: %w", err)
	}

	rawToken, tokenExpiry, err := s.tokens.Issue()
	if err != nil {
		return nil, err
	}

	req := &models.AccountRequest{
		Username:            username,
		RealName:            strings.TrimSpace(input.RealName),
		Email:               emailAddr,
		EmailTokenHash:      token.Hash(rawToken),
		EmailTokenExpiresAt: tokenExpiry,
		Type:                input.Type,
		Bio:                 s.sanitizer.Sanitize(strings.TrimSpace(input.Bio)),
		Notes:               s.sanitizer.Sanitize(strings.TrimSpace(input.Notes)),
		URLs:                strings.TrimSpace(input.URLs),
		Company:             strings.TrimSpace(input.Company),
		City:                strings.TrimSpace(input.City),
		State:               strings.TrimSpace(input.State),
		Country:             country,
		Prefix:              strings.TrimSpace(input.Prefix),
		Title:               strings.TrimSpace(input.Title),
		FirstName:           strings.TrimSpace(input.FirstName),
		LastName:            strings.TrimSpace(input.LastName),
		Areas:               input.Areas,
		RegisteredAt:        time.Now().UTC(),
		IP:                  input.IP,
		ForwardedFor:        input.ForwardedFor,
		UserAgent:           input.UserAgent,
	}

	if input.Attachment != nil {
		stored, err := s.attachments.Save(ctx, input.AttachmentName, input.Attachment)
		if err != nil {
			return nil, err
		}
		req.AttachmentKey = &stored.Key
		req.AttachmentName = &stored.OriginalName
	}

	if err := s.requests.Create(ctx, req); err != nil {
		if req.AttachmentKey != nil {
			if delErr := s.attachments.Delete(*req.AttachmentKey); delErr != nil {
				slog.Warn("error removing attachment after failed submit",
					"component", "request", "error", delErr, "key", *req.AttachmentKey)
			}
		}
		if db.IsUniqueConstraintError(err) {
			return nil, ErrDuplicateRequest
		}
		return nil, err
	}

	s.invalidateCounts(ctx, req.Type)

	confirmURL := s.baseURL + "/api/v1/requests/confirm?token=" + url.QueryEscape(rawToken)
	if err := s.mailer.SendConfirmation(req.Email, req.Username, confirmURL, req.IP, tokenExpiry); err != nil {
		slog.Error("error sending confirmation email",
			"component", "request", "error", err, "request_id", req.ID)
	}

	return req, nil
}

func (s *Service) checkRequiredFields(input SubmitInput, country string) error {
	values := map[string]string{
		"real_name":  strings.TrimSpace(input.RealName),
		"bio":        strings.TrimSpace(input.Bio),
		"notes":      strings.TrimSpace(input.Notes),
		"urls":       strings.TrimSpace(input.URLs),
		"company":    strings.TrimSpace(input.Company),
		"city":       strings.TrimSpace(input.City),
		"state":      strings.TrimSpace(input.State),
		"country":    country,
		"prefix":     strings.TrimSpace(input.Prefix),
		"title":      strings.TrimSpace(input.Title),
		"first_name": strings.TrimSpace(input.FirstName),
		"last_name":  strings.TrimSpace(input.LastName),
		"areas":      strings.Join(input.Areas, ","),
	}

	for _, field := range s.cfg.RequiredFields {
		if field == "tos" {
			continue // checked unconditionally
		}
		if values[field] == "" {
			return &MissingFieldError{Field: field}
		}
	}

	return nil
}

// ConfirmOutcome tells the confirmation landing page what happened.
type ConfirmOutcome string

const (
	// OutcomeConfirmed: the pending request's email was confirmed just now.
	OutcomeConfirmed ConfirmOutcome = "confirmed"
	// OutcomeAlreadyConfirmed: a repeat click; nothing changed, nothing sent.
	OutcomeAlreadyConfirmed ConfirmOutcome = "already_confirmed"
	// OutcomeApproved: confirmation plus configured auto-approval.
	OutcomeApproved ConfirmOutcome = "approved"
	// OutcomeAccountConfirmed: the request was approved earlier; this click
	// confirmed the created account's email instead.
	OutcomeAccountConfirmed ConfirmOutcome = "account_confirmed"
	// OutcomeInvalid: unknown or expired token; no state changed.
	OutcomeInvalid ConfirmOutcome = "invalid"
)

type ConfirmResult struct {
	Outcome  ConfirmOutcome
	Username string
}

// ConfirmToken resolves a confirmation token and applies the confirmation.
// The admin notice goes out only on the actual unconfirmed-to-confirmed
// transition, so a token replay never notifies twice.
func (s *Service) ConfirmToken(ctx context.Context, rawToken string) (ConfirmResult, error) {
	now := time.Now().UTC()
	tokenHash := token.Hash(rawToken)

	req, err := s.requests.FindByTokenHash(ctx, tokenHash, now)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return ConfirmResult{Outcome: OutcomeInvalid}, err
	}
	if err == nil {
		return s.confirmRequest(ctx, req, now)
	}

	// The request may have been approved in the meantime; the token hash
	// travels to the user row on approval.
	user, err := s.users.FindByConfirmTokenHash(ctx, tokenHash, now)
	if errors.Is(err, db.ErrNotFound) {
		return ConfirmResult{Outcome: OutcomeInvalid}, nil
	}
	if err != nil {
		return ConfirmResult{Outcome: OutcomeInvalid}, err
	}

	if _, err := s.users.ConfirmEmail(ctx, user.ID, now); err != nil {
		return ConfirmResult{Outcome: OutcomeInvalid}, err
	}

	return ConfirmResult{Outcome: OutcomeAccountConfirmed, Username: user.Username}, nil
}

func (s *Service) confirmRequest(ctx context.Context, req *models.AccountRequest, now time.Time) (ConfirmResult, error) {
	changed, err := s.requests.ConfirmEmail(ctx, req.Username, now)
	if err != nil {
		return ConfirmResult{Outcome: OutcomeInvalid}, err
	}
	if !changed {
		return ConfirmResult{Outcome: OutcomeAlreadyConfirmed, Username: req.Username}, nil
	}

	s.invalidateCounts(ctx, req.Type)
	s.notifyAdmins(ctx, req)

	if s.cfg.AutoApprove {
		if _, err := s.approve(ctx, req.ID, "", "approved automatically on email confirmation"); err != nil {
			// Confirmation itself is committed; only the approval failed.
			return ConfirmResult{Outcome: OutcomeConfirmed, Username: req.Username},
				fmt.Errorf("auto-approving request: %w", err)
		}
		return ConfirmResult{Outcome: OutcomeApproved, Username: req.Username}, nil
	}

	return ConfirmResult{Outcome: OutcomeConfirmed, Username: req.Username}, nil
}

func (s *Service) notifyAdmins(ctx context.Context, req *models.AccountRequest) {
	extraFields := s.adminEmailFields(req)

	recipients := make([]string, 0, 4)
	if s.adminContact != "" {
		recipients = append(recipients, s.adminContact)
	}

	admins, err := s.users.ListNotifyAdmins(ctx)
	if err != nil {
		slog.Error("error listing notify admins", "component", "request", "error", err)
	}
	for _, admin := range admins {
		recipients = append(recipients, admin.Email)
	}

	for _, to := range recipients {
		if err := s.mailer.SendAdminNotice(to, req.Username, extraFields); err != nil {
			slog.Error("error sending admin notice",
				"component", "request", "error", err, "to", to, "request_id", req.ID)
		}
	}
}

// adminEmailFields projects the configured profile fields, in configured
// order, into display lines for the admin notice body.
func (s *Service) adminEmailFields(req *models.AccountRequest) []string {
	values := map[string]string{
		"real_name":  req.RealName,
		"email":      req.Email,
		"bio":        req.Bio,
		"notes":      req.Notes,
		"urls":       req.URLs,
		"company":    req.Company,
		"city":       req.City,
		"state":      req.State,
		"country":    req.Country,
		"prefix":     req.Prefix,
		"title":      req.Title,
		"first_name": req.FirstName,
		"last_name":  req.LastName,
		"areas":      strings.Join(req.Areas, ", "),
		"type":       strconv.Itoa(req.Type),
	}

	fields := make([]string, 0, len(s.cfg.AdminEmailFields))
	for _, name := range s.cfg.AdminEmailFields {
		fields = append(fields, name+": "+values[name])
	}

	return fields
}

// Get returns a single request for admin review.
func (s *Service) Get(ctx context.Context, id string) (*models.AccountRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// List returns a review queue page.
func (s *Service) List(ctx context.Context, state models.RequestState, reqType, limit int) ([]*models.AccountRequest, error) {
	if !s.cfg.HasType(reqType) {
		return nil, ErrUnknownType
	}
	return s.requests.List(ctx, state, reqType, limit)
}

// Hold pauses a request for further review and resets its staleness clock.
func (s *Service) Hold(ctx context.Context, id, adminID, comment string) error {
	if err := s.requests.Hold(ctx, id, adminID, comment, time.Now().UTC()); err != nil {
		return err
	}

	s.invalidateAllCounts(ctx)

	return nil
}

// Reject marks a request rejected by an admin. The row stays around until
// the retention window passes and the sweep purges it.
func (s *Service) Reject(ctx context.Context, id, adminID, comment string) error {
	if adminID == "" {
		return fmt.Errorf("manual rejection requires an acting admin")
	}

	if err := s.requests.Reject(ctx, id, adminID, comment, time.Now().UTC()); err != nil {
		return err
	}

	s.invalidateAllCounts(ctx)

	return nil
}

// OpenRequestCount tallies one review queue straight from storage.
func (s *Service) OpenRequestCount(ctx context.Context, reqType int) (db.RequestCounts, error) {
	if !s.cfg.HasType(reqType) {
		return db.RequestCounts{}, ErrUnknownType
	}
	return s.requests.CountByType(ctx, reqType)
}

// OpenEmailConfirmedCount returns the cached count of live email-confirmed
// requests for one type, or for all types when allTypes is set. Eventually
// consistent: bounded by the TTL and refreshed by invalidation on mutation.
func (s *Service) OpenEmailConfirmedCount(ctx context.Context, reqType int, allTypes bool) (int, error) {
	if !allTypes && !s.cfg.HasType(reqType) {
		return 0, ErrUnknownType
	}

	key := countCacheKey(reqType, allTypes)
	if count, err := s.counts.Get(ctx, key); err == nil {
		return count, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("error reading count cache", "component", "request", "error", err, "key", key)
	}

	count, err := s.requests.CountEmailConfirmed(ctx, reqType, allTypes)
	if err != nil {
		return 0, err
	}

	if err := s.counts.Set(ctx, key, count, countCacheTTL); err != nil {
		slog.Warn("error writing count cache", "component", "request", "error", err, "key", key)
	}

	return count, nil
}

func countCacheKey(reqType int, allTypes bool) string {
	if allTypes {
		return "econfopencount:all"
	}
	return "econfopencount:" + strconv.Itoa(reqType)
}

func (s *Service) invalidateCounts(ctx context.Context, reqType int) {
	for _, key := range []string{countCacheKey(reqType, false), countCacheKey(0, true)} {
		if err := s.counts.Delete(ctx, key); err != nil {
			slog.Warn("error invalidating count cache", "component", "request", "error", err, "key", key)
		}
	}
}

func (s *Service) invalidateAllCounts(ctx context.Context) {
	for _, id := range s.cfg.TypeIDs() {
		if err := s.counts.Delete(ctx, countCacheKey(id, false)); err != nil {
			slog.Warn("error invalidating count cache", "component", "request", "error", err, "type", id)
		}
	}
	if err := s.counts.Delete(ctx, countCacheKey(0, true)); err != nil {
		slog.Warn("error invalidating count cache", "component", "request", "error", err, "type", "all")
	}
}

// OpenAttachment returns the stored file behind a request's attachment.
func (s *Service) OpenAttachment(ctx context.Context, id string) (*models.AccountRequest, io.ReadCloser, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.AttachmentKey == nil {
		return nil, nil, db.ErrNotFound
	}

	file, err := s.attachments.Open(*req.AttachmentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("opening attachment: %w", err)
	}

	return req, file, nil
}
