package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/auth"
	"gatehouse/internal/constants"
	"gatehouse/internal/db"
	"gatehouse/internal/models"
	"gatehouse/internal/request"
)

type AdminHandler struct {
	service    *request.Service
	users      *db.UserRepository
	jwtService *auth.JWTService
}

func NewAdminHandler(service *request.Service, users *db.UserRepository, jwtService *auth.JWTService) *AdminHandler {
	return &AdminHandler{
		service:    service,
		users:      users,
		jwtService: jwtService,
	}
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
}

type LoginResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// POST /api/v1/admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	user, err := h.users.GetByUsername(r.Context(), req.Username)
	if errors.Is(err, db.ErrNotFound) {
		// Burn comparable time so missing users are not distinguishable.
		auth.VerifyPassword("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", req.Password)
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid username or password")
		return
	}
	if err != nil {
		slog.Error("error fetching user for login", "component", "api", "error", err)
		internalError(w)
		return
	}

	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid username or password")
		return
	}
	if !user.IsAdmin {
		forbidden(w, "Admin access required")
		return
	}

	token, expiresAt, err := h.jwtService.GenerateAccessToken(user)
	if err != nil {
		slog.Error("error generating access token", "component", "api", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
	})
}

type QueueResponse struct {
	Requests []*QueueEntry `json:"requests"`
}

// QueueEntry is the review projection of a request, including moderation
// metadata the public shape hides.
type QueueEntry struct {
	*models.AccountRequest
	State          models.RequestState `json:"state"`
	EmailConfirmed bool                `json:"emailConfirmed"`
	HandledBy      string              `json:"handledBy,omitempty"`
	AutoRejected   bool                `json:"autoRejected,omitempty"`
	IP             string              `json:"ip,omitempty"`
	ForwardedFor   string              `json:"forwardedFor,omitempty"`
	UserAgent      string              `json:"userAgent,omitempty"`
	HasAttachment  bool                `json:"hasAttachment"`
}

func toQueueEntry(req *models.AccountRequest) *QueueEntry {
	return &QueueEntry{
		AccountRequest: req,
		State:          req.ModerationState(),
		EmailConfirmed: req.EmailAuthenticated != nil,
		HandledBy:      req.HandledBy,
		AutoRejected:   req.AutoRejected(),
		IP:             req.IP,
		ForwardedFor:   req.ForwardedFor,
		UserAgent:      req.UserAgent,
		HasAttachment:  req.AttachmentKey != nil,
	}
}

// GET /api/v1/admin/requests?state=pending&type=0&limit=50
func (h *AdminHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	state := models.StatePending
	if raw := r.URL.Query().Get("state"); raw != "" {
		switch models.RequestState(raw) {
		case models.StatePending, models.StateHeld, models.StateRejected:
			state = models.RequestState(raw)
		default:
			badRequest(w, "Query parameter 'state' must be pending, held, or rejected")
			return
		}
	}

	reqType, ok := queryInt(w, r.URL.Query(), "type", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r.URL.Query(), "limit", 50)
	if !ok {
		return
	}
	if limit < 1 || limit > constants.QueueListMaxLimit {
		limit = 50
	}

	requests, err := h.service.List(r.Context(), state, reqType, limit)
	if err != nil {
		if errors.Is(err, request.ErrUnknownType) {
			badRequest(w, "Unknown request type")
			return
		}
		slog.Error("error listing requests", "component", "api", "error", err)
		internalError(w)
		return
	}

	entries := make([]*QueueEntry, 0, len(requests))
	for _, req := range requests {
		entries = append(entries, toQueueEntry(req))
	}

	writeJSON(w, http.StatusOK, QueueResponse{Requests: entries})
}

// GET /api/v1/admin/requests/{id}
func (h *AdminHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, "Request not found")
		return
	}
	if err != nil {
		slog.Error("error fetching request", "component", "api", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, toQueueEntry(req))
}

type CountsResponse struct {
	Type           int  `json:"type"`
	Open           int  `json:"open"`
	Held           int  `json:"held"`
	Rejected       int  `json:"rejected"`
	EmailConfirmed int  `json:"emailConfirmed"`
	AllTypes       bool `json:"allTypes,omitempty"`
}

// GET /api/v1/admin/requests/counts?type=0
func (h *AdminHandler) Counts(w http.ResponseWriter, r *http.Request) {
	reqType, ok := queryInt(w, r.URL.Query(), "type", 0)
	if !ok {
		return
	}
	allTypes := r.URL.Query().Get("type") == ""

	resp := CountsResponse{Type: reqType, AllTypes: allTypes}

	if !allTypes {
		counts, err := h.service.OpenRequestCount(r.Context(), reqType)
		if err != nil {
			if errors.Is(err, request.ErrUnknownType) {
				badRequest(w, "Unknown request type")
				return
			}
			slog.Error("error counting requests", "component", "api", "error", err)
			internalError(w)
			return
		}
		resp.Open = counts.Open
		resp.Held = counts.Held
		resp.Rejected = counts.Rejected
	}

	confirmed, err := h.service.OpenEmailConfirmedCount(r.Context(), reqType, allTypes)
	if err != nil {
		slog.Error("error counting confirmed requests", "component", "api", "error", err)
		internalError(w)
		return
	}
	resp.EmailConfirmed = confirmed

	writeJSON(w, http.StatusOK, resp)
}

type ReviewActionRequest struct {
	Comment string `json:"comment" validate:"max=1000"`
}

type ReviewActionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// POST /api/v1/admin/requests/{id}/hold
func (h *AdminHandler) HoldRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewAction(w, r, "held", func(ctx *http.Request, id, adminID, comment string) error {
		return h.service.Hold(ctx.Context(), id, adminID, comment)
	})
}

// POST /api/v1/admin/requests/{id}/reject
func (h *AdminHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewAction(w, r, "rejected", func(ctx *http.Request, id, adminID, comment string) error {
		return h.service.Reject(ctx.Context(), id, adminID, comment)
	})
}

type ApproveResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// POST /api/v1/admin/requests/{id}/approve
func (h *AdminHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req ReviewActionRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	user, err := h.service.Approve(r.Context(), id, GetAdminID(r), req.Comment)
	if err != nil {
		writeReviewError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ApproveResponse{
		ID:       id,
		Status:   "approved",
		UserID:   user.ID,
		Username: user.Username,
	})
}

func (h *AdminHandler) reviewAction(w http.ResponseWriter, r *http.Request, status string,
	action func(r *http.Request, id, adminID, comment string) error,
) {
	var req ReviewActionRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := action(r, id, GetAdminID(r), req.Comment); err != nil {
		writeReviewError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ReviewActionResponse{ID: id, Status: status})
}

// GET /api/v1/admin/requests/{id}/attachment
func (h *AdminHandler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	req, file, err := h.service.OpenAttachment(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, "Attachment not found")
		return
	}
	if err != nil {
		slog.Error("error opening attachment", "component", "api", "error", err)
		internalError(w)
		return
	}
	defer file.Close()

	filename := "attachment"
	if req.AttachmentName != nil && *req.AttachmentName != "" {
		filename = *req.AttachmentName
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+url.PathEscape(filename)+`"`)
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if _, err := io.Copy(w, file); err != nil {
		slog.Warn("error streaming attachment", "component", "api", "error", err)
	}
}

func writeReviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		notFound(w, "Request not found")
	case errors.Is(err, request.ErrAlreadyResolved):
		conflict(w, "Request has already been resolved")
	case errors.Is(err, request.ErrUsernameTaken):
		conflict(w, "An account with this username already exists")
	default:
		slog.Error("error handling review action", "component", "api", "error", err)
		internalError(w)
	}
}

func queryInt(w http.ResponseWriter, values url.Values, key string, fallback int) (int, bool) {
	raw := values.Get(key)
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(w, "Query parameter '"+key+"' must be an integer")
		return 0, false
	}
	return parsed, true
}
