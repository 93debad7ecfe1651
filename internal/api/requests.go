package api

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"gatehouse/internal/attach"
	"gatehouse/internal/request"
)

type RequestHandler struct {
	service    *request.Service
	ipResolver *ClientIPResolver
	maxBytes   int64
}

func NewRequestHandler(service *request.Service, ipResolver *ClientIPResolver, maxBytes int64) *RequestHandler {
	return &RequestHandler{
		service:    service,
		ipResolver: ipResolver,
		maxBytes:   maxBytes,
	}
}

type SubmitResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// POST /api/v1/requests
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	// Generous headroom over the attachment cap for the form fields.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if isBodyTooLargeError(err) {
			payloadTooLarge(w, "Submission exceeds maximum size")
		} else {
			badRequest(w, "Invalid multipart form")
		}
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}()

	emailAddr := strings.TrimSpace(r.FormValue("email"))
	if err := requestValidator.Var(emailAddr, "required,email,max=254"); err != nil {
		badRequest(w, "A valid email address is required")
		return
	}

	reqType := 0
	if raw := r.FormValue("type"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "Field 'type' must be an integer")
			return
		}
		reqType = parsed
	}

	input := request.SubmitInput{
		Username:     r.FormValue("username"),
		RealName:     r.FormValue("real_name"),
		Email:        emailAddr,
		Bio:          r.FormValue("bio"),
		Notes:        r.FormValue("notes"),
		URLs:         r.FormValue("urls"),
		Company:      r.FormValue("company"),
		City:         r.FormValue("city"),
		State:        r.FormValue("state"),
		Country:      r.FormValue("country"),
		Prefix:       r.FormValue("prefix"),
		Title:        r.FormValue("title"),
		FirstName:    r.FormValue("first_name"),
		LastName:     r.FormValue("last_name"),
		Areas:        r.Form["areas"],
		Type:         reqType,
		TOSAccepted:  formBool(r.FormValue("tos")),
		IP:           h.ipResolver.Resolve(r),
		ForwardedFor: h.ipResolver.ForwardedFor(r),
		UserAgent:    r.UserAgent(),
	}

	file, fileHeader, err := r.FormFile("attachment")
	switch {
	case err == nil:
		defer file.Close()
		input.Attachment = file
		input.AttachmentName = fileHeader.Filename
	case errors.Is(err, http.ErrMissingFile):
		// attachment is optional
	default:
		badRequest(w, "Invalid attachment upload")
		return
	}

	req, err := h.service.Submit(r.Context(), input)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitResponse{
		ID:      req.ID,
		Message: "Request received. Check your email to confirm your address.",
	})
}

type ConfirmResponse struct {
	Outcome  string `json:"outcome"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message"`
}

// GET /api/v1/requests/confirm?token=...
func (h *RequestHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	rawToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if rawToken == "" {
		badRequest(w, "Query parameter 'token' is required")
		return
	}

	result, err := h.service.ConfirmToken(r.Context(), rawToken)
	if err != nil {
		slog.Error("error confirming token", "component", "api", "error", err)
		internalError(w)
		return
	}

	if result.Outcome == request.OutcomeInvalid {
		writeError(w, http.StatusNotFound, ErrCodeTokenInvalid,
			"This confirmation link is invalid or has expired")
		return
	}

	writeJSON(w, http.StatusOK, ConfirmResponse{
		Outcome:  string(result.Outcome),
		Username: result.Username,
		Message:  confirmMessage(result.Outcome),
	})
}

func confirmMessage(outcome request.ConfirmOutcome) string {
	switch outcome {
	case request.OutcomeConfirmed:
		return "Email address confirmed. Your request is now awaiting review."
	case request.OutcomeAlreadyConfirmed:
		return "This email address was already confirmed."
	case request.OutcomeApproved:
		return "Email address confirmed and account created. Check your email for the temporary password."
	case request.OutcomeAccountConfirmed:
		return "Your account's email address is confirmed. You can log in now."
	default:
		return ""
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var missing *request.MissingFieldError

	switch {
	case errors.Is(err, request.ErrUsernameInvalid):
		badRequest(w, "Username must start with a letter or digit and contain only letters, digits, spaces, underscores, and hyphens")
	case errors.Is(err, request.ErrUsernameTaken):
		conflict(w, "An account with this username already exists")
	case errors.Is(err, request.ErrDuplicateRequest):
		conflict(w, "A request for this username is already pending")
	case errors.Is(err, request.ErrTermsNotAccepted):
		badRequest(w, "You must accept the terms of service")
	case errors.Is(err, request.ErrUnknownType):
		badRequest(w, "Unknown request type")
	case errors.Is(err, request.ErrUnknownArea):
		badRequest(w, "Unknown area of interest")
	case errors.As(err, &missing):
		badRequest(w, "Required field is missing: "+missing.Field)
	case errors.Is(err, attach.ErrFileTooLarge):
		payloadTooLarge(w, "Attachment exceeds maximum size")
	case errors.Is(err, attach.ErrExecutableFile):
		writeError(w, http.StatusBadRequest, ErrCodeAttachmentInvalid, "Executable files are not allowed")
	case errors.Is(err, attach.ErrDisallowedType):
		writeError(w, http.StatusBadRequest, ErrCodeAttachmentInvalid, "Unsupported attachment type")
	case errors.Is(err, attach.ErrMimeMismatch):
		writeError(w, http.StatusBadRequest, ErrCodeAttachmentInvalid, "Attachment content does not match its file extension")
	default:
		slog.Error("error submitting request", "component", "api", "error", err)
		internalError(w)
	}
}

func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func isBodyTooLargeError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return true
	}
	return errors.Is(err, multipart.ErrMessageTooLarge)
}
