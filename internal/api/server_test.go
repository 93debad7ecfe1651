package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gatehouse/internal/attach"
	"gatehouse/internal/auth"
	"gatehouse/internal/cache"
	"gatehouse/internal/config"
	"gatehouse/internal/db"
	"gatehouse/internal/models"
	"gatehouse/internal/request"
)

type fakeMailer struct {
	mu            sync.Mutex
	confirmations []string // confirm URLs
	welcomes      int
}

func (m *fakeMailer) SendConfirmation(to, username, confirmURL, ip string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations = append(m.confirmations, confirmURL)
	return nil
}

func (m *fakeMailer) SendAdminNotice(to, requester string, extraFields []string) error {
	return nil
}

func (m *fakeMailer) SendWelcome(to, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.welcomes++
	return nil
}

func (m *fakeMailer) lastConfirmToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.confirmations) == 0 {
		t.Fatal("no confirmation email was sent")
	}
	parsed, err := url.Parse(m.confirmations[len(m.confirmations)-1])
	if err != nil {
		t.Fatalf("parsing confirmation URL: %v", err)
	}
	return parsed.Query().Get("token")
}

type serverEnv struct {
	server *Server
	mailer *fakeMailer
	users  *db.UserRepository
}

func newTestServer(t *testing.T) *serverEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Name = "Gatehouse"
	cfg.Server.BaseURL = "http://localhost:8080"
	cfg.Storage.UploadMaxBytes = 1 << 20
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.AccessTokenTTL = time.Hour
	cfg.Requests = config.RequestsConfig{
		Types:             map[int]string{0: "default"},
		RejectAge:         30 * 24 * time.Hour,
		RejectedRetention: 7 * 24 * time.Hour,
		SweepInterval:     time.Hour,
		Areas:             []config.AreaConfig{{Name: "testing"}},
	}

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	attachments, err := attach.NewService(t.TempDir(), cfg.Storage.UploadMaxBytes)
	if err != nil {
		t.Fatalf("attach.NewService() error = %v", err)
	}

	mailer := &fakeMailer{}
	counts := cache.NewMemoryStore()
	service := request.NewService(cfg.Requests, cfg.Server.BaseURL, "", database, attachments, counts, mailer)
	userRepo := db.NewUserRepository(database)

	server, err := NewServer(cfg, database, service, userRepo, counts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	return &serverEnv{server: server, mailer: mailer, users: userRepo}
}

func (e *serverEnv) createAdmin(t *testing.T, username, password string) *models.User {
	t.Helper()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	admin := &models.User{Username: username, Email: username + "@example.com", PasswordHash: hash, IsAdmin: true}
	if err := e.users.Create(context.Background(), admin); err != nil {
		t.Fatalf("users.Create() error = %v", err)
	}

	return admin
}

func (e *serverEnv) login(t *testing.T, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	rec := e.do(t, httptest.NewRequest("POST", "/api/v1/admin/login", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}

	return resp.AccessToken
}

func (e *serverEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func submitForm(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("writing form field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func validFields(username string) map[string]string {
	return map[string]string{
		"username":  username,
		"email":     username + "@example.com",
		"real_name": "Test Person",
		"areas":     "testing",
		"tos":       "1",
	}
}

func TestSubmitAndConfirmFlow(t *testing.T) {
	env := newTestServer(t)

	body, contentType := submitForm(t, validFields("alice"))
	req := httptest.NewRequest("POST", "/api/v1/requests", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}

	var submitResp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	if submitResp.ID == "" {
		t.Fatal("submit response has no id")
	}

	token := env.mailer.lastConfirmToken(t)
	rec = env.do(t, httptest.NewRequest("GET", "/api/v1/requests/confirm?token="+url.QueryEscape(token), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}

	var confirmResp ConfirmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &confirmResp); err != nil {
		t.Fatalf("decoding confirm response: %v", err)
	}
	if confirmResp.Outcome != string(request.OutcomeConfirmed) {
		t.Fatalf("confirm outcome = %q, want confirmed", confirmResp.Outcome)
	}
	if confirmResp.Username != "alice" {
		t.Fatalf("confirm username = %q, want alice", confirmResp.Username)
	}
}

func TestSubmitRejectsMissingTOS(t *testing.T) {
	env := newTestServer(t)

	fields := validFields("alice")
	delete(fields, "tos")
	body, contentType := submitForm(t, fields)
	req := httptest.NewRequest("POST", "/api/v1/requests", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("submit status = %d, want 400", rec.Code)
	}
}

func TestSubmitRejectsBadEmail(t *testing.T) {
	env := newTestServer(t)

	fields := validFields("alice")
	fields["email"] = "not-an-email"
	body, contentType := submitForm(t, fields)
	req := httptest.NewRequest("POST", "/api/v1/requests", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("submit status = %d, want 400", rec.Code)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, httptest.NewRequest("GET", "/api/v1/requests/confirm?token=bogus", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("confirm status = %d, want 404", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if resp.Error.Code != ErrCodeTokenInvalid {
		t.Fatalf("error code = %q, want %q", resp.Error.Code, ErrCodeTokenInvalid)
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, httptest.NewRequest("GET", "/api/v1/admin/requests/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status = %d, want 401", rec.Code)
	}
}

func TestAdminLoginRejectsBadCredentials(t *testing.T) {
	env := newTestServer(t)
	env.createAdmin(t, "admin", "correct-password")

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	rec := env.do(t, httptest.NewRequest("POST", "/api/v1/admin/login", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", rec.Code)
	}

	body, _ = json.Marshal(map[string]string{"username": "ghost", "password": "whatever"})
	rec = env.do(t, httptest.NewRequest("POST", "/api/v1/admin/login", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login with unknown user status = %d, want 401", rec.Code)
	}
}

func TestAdminLoginRejectsNonAdmin(t *testing.T) {
	env := newTestServer(t)

	hash, err := auth.HashPassword("password-123")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	user := &models.User{Username: "mortal", Email: "m@example.com", PasswordHash: hash}
	if err := env.users.Create(context.Background(), user); err != nil {
		t.Fatalf("users.Create() error = %v", err)
	}

	body, _ := json.Marshal(map[string]string{"username": "mortal", "password": "password-123"})
	rec := env.do(t, httptest.NewRequest("POST", "/api/v1/admin/login", bytes.NewReader(body)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("login status = %d, want 403", rec.Code)
	}
}

func TestAdminReviewLifecycle(t *testing.T) {
	env := newTestServer(t)
	env.createAdmin(t, "admin", "correct-horse-battery")
	token := env.login(t, "admin", "correct-horse-battery")

	body, contentType := submitForm(t, validFields("alice"))
	req := httptest.NewRequest("POST", "/api/v1/requests", body)
	req.Header.Set("Content-Type", contentType)
	if rec := env.do(t, req); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	// The new request shows up in the pending queue.
	req = httptest.NewRequest("GET", "/api/v1/admin/requests/?state=pending", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", rec.Code, rec.Body.String())
	}

	var queue QueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &queue); err != nil {
		t.Fatalf("decoding queue: %v", err)
	}
	if len(queue.Requests) != 1 || queue.Requests[0].Username != "alice" {
		t.Fatalf("queue = %+v, want alice pending", queue.Requests)
	}
	requestID := queue.Requests[0].ID

	// Hold it, then approve it.
	actionBody, _ := json.Marshal(map[string]string{"comment": "checking references"})
	req = httptest.NewRequest("POST", "/api/v1/admin/requests/"+requestID+"/hold", bytes.NewReader(actionBody))
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("hold status = %d, body %s", rec.Code, rec.Body.String())
	}

	actionBody, _ = json.Marshal(map[string]string{"comment": "references fine"})
	req = httptest.NewRequest("POST", "/api/v1/admin/requests/"+requestID+"/approve", bytes.NewReader(actionBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", rec.Code, rec.Body.String())
	}

	var approveResp ApproveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &approveResp); err != nil {
		t.Fatalf("decoding approve response: %v", err)
	}
	if approveResp.Username != "alice" || approveResp.UserID == "" {
		t.Fatalf("approve response = %+v, want created alice account", approveResp)
	}

	// The request is gone from every queue and a second approve 404s.
	req = httptest.NewRequest("GET", "/api/v1/admin/requests/"+requestID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(t, req); rec.Code != http.StatusNotFound {
		t.Fatalf("get after approve status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/admin/requests/"+requestID+"/approve", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(t, req); rec.Code != http.StatusNotFound {
		t.Fatalf("second approve status = %d, want 404", rec.Code)
	}
}

func TestAdminCounts(t *testing.T) {
	env := newTestServer(t)
	env.createAdmin(t, "admin", "correct-horse-battery")
	token := env.login(t, "admin", "correct-horse-battery")

	body, contentType := submitForm(t, validFields("alice"))
	req := httptest.NewRequest("POST", "/api/v1/requests", body)
	req.Header.Set("Content-Type", contentType)
	if rec := env.do(t, req); rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/admin/requests/counts?type=0", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("counts status = %d, body %s", rec.Code, rec.Body.String())
	}

	var counts CountsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decoding counts: %v", err)
	}
	if counts.Open != 1 {
		t.Fatalf("counts.Open = %d, want 1", counts.Open)
	}
	if counts.EmailConfirmed != 0 {
		t.Fatalf("counts.EmailConfirmed = %d, want 0", counts.EmailConfirmed)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health body = %s, want status ok", rec.Body.String())
	}
}
