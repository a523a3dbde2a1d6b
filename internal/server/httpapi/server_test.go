package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mealmetric/server/internal/common"
	"github.com/mealmetric/server/internal/logging"
	"github.com/mealmetric/server/internal/server/auth"
	"github.com/mealmetric/server/internal/server/config"
	"github.com/mealmetric/server/internal/server/services"
)

// --- helpers ---

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeAccounts struct {
	authOut *services.AuthResult
	authErr error

	profileOut *services.Account
	profileErr error

	usageOut *services.UsageSummary
	usageErr error

	trackErr    error
	trackedUser string
	trackedCost float64
}

func (f *fakeAccounts) Register(ctx context.Context, email, password string) (*services.AuthResult, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authOut, nil
}
func (f *fakeAccounts) Login(ctx context.Context, email, password string) (*services.AuthResult, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authOut, nil
}
func (f *fakeAccounts) AppleLogin(ctx context.Context, identityToken, email, displayName string) (*services.AuthResult, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authOut, nil
}
func (f *fakeAccounts) LinkAccount(ctx context.Context, identityToken, email, password string) (*services.AuthResult, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authOut, nil
}
func (f *fakeAccounts) GetProfile(ctx context.Context, userID string) (*services.Account, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profileOut, nil
}
func (f *fakeAccounts) UpdateProfile(ctx context.Context, userID string, params services.UpdateProfileParams) (*services.Account, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profileOut, nil
}
func (f *fakeAccounts) GetUsageSummary(ctx context.Context, userID string) (*services.UsageSummary, error) {
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	return f.usageOut, nil
}
func (f *fakeAccounts) TrackUsage(ctx context.Context, userID string, cost float64) (float64, error) {
	f.trackedUser = userID
	f.trackedCost = cost
	if f.trackErr != nil {
		return 0, f.trackErr
	}
	return cost, nil
}

type fakeChat struct {
	out *services.ChatResult
	err error
}

func (f *fakeChat) Complete(ctx context.Context, messages []services.ChatMessage) (*services.ChatResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func testServerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SecretKey = "k"
	cfg.RateLimitPerMinute = 10000
	cfg.AuthRateLimitPerMinute = 10000
	return cfg
}

func newTestServer(t *testing.T, accounts Accounts, chat Chat) *Server {
	t.Helper()
	if accounts == nil {
		accounts = &fakeAccounts{}
	}
	if chat == nil {
		chat = &fakeChat{}
	}
	return NewServer(testServerConfig(), testLogger(), accounts, chat)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, []byte("k"), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

// --- tests ---

func TestRegisterRoute(t *testing.T) {
	ok := &services.AuthResult{User: &services.Account{ID: "u1", Email: "a@example.com"}, Token: "tok"}
	s := newTestServer(t, &fakeAccounts{authOut: ok}, nil)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "a@example.com", "password": "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["token"] != "tok" {
		t.Fatalf("token missing from response: %v", body)
	}

	// validation
	rec = doJSON(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{"email": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}

	// conflict
	sc := newTestServer(t, &fakeAccounts{authErr: common.ErrorConflict}, nil)
	rec = doJSON(t, sc.Router(), http.MethodPost, "/api/auth/register", "", map[string]string{"email": "a@example.com", "password": "pw"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "already exists" {
		t.Fatalf("conflict message: %s", rec.Body.String())
	}
}

func TestLoginRoute_InvalidCredentials(t *testing.T) {
	s := newTestServer(t, &fakeAccounts{authErr: common.ErrorInvalidCredentials}, nil)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@example.com", "password": "bad"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "invalid credentials" {
		t.Fatalf("message: %s", rec.Body.String())
	}
}

func TestAppleRoute(t *testing.T) {
	ok := &services.AuthResult{User: &services.Account{ID: "u2"}, Token: "tok", NeedsAccountLinking: true}
	s := newTestServer(t, &fakeAccounts{authOut: ok}, nil)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/auth/apple", "", map[string]string{"identityToken": "apple-tok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["needsAccountLinking"] != true {
		t.Fatalf("needsAccountLinking flag missing: %s", rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/auth/apple", "", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token → 400, got %d", rec.Code)
	}

	sBad := newTestServer(t, &fakeAccounts{authErr: common.ErrInvalidToken}, nil)
	rec = doJSON(t, sBad.Router(), http.MethodPost, "/api/auth/apple", "", map[string]string{"identityToken": "bad"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token → 401, got %d", rec.Code)
	}
}

func TestLinkAccountRoute_ConflictMessages(t *testing.T) {
	s := newTestServer(t, &fakeAccounts{authErr: services.ErrAlreadyLinked}, nil)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/auth/link-account", "",
		map[string]string{"identityToken": "tok", "email": "a@example.com", "password": "pw"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["error"].(string)
	if !strings.Contains(msg, "already linked to this Apple ID") {
		t.Fatalf("distinct conflict message expected, got %q", msg)
	}
}

func TestLogoutRoute(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/auth/logout", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	acc := &services.Account{ID: "u1", Email: "a@example.com"}
	s := newTestServer(t, &fakeAccounts{profileOut: acc}, nil)
	router := s.Router()

	// no header
	rec := doJSON(t, router, http.MethodGet, "/api/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header → 401, got %d", rec.Code)
	}

	// malformed token
	rec = doJSON(t, router, http.MethodGet, "/api/auth/me", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token → 401, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "invalid token" {
		t.Fatalf("message: %s", rec.Body.String())
	}

	// expired token
	expired, err := auth.GenerateToken("u1", []byte("k"), -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/auth/me", expired, nil)
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["error"] != "token expired" {
		t.Fatalf("expired token: %d %s", rec.Code, rec.Body.String())
	}

	// valid token
	rec = doJSON(t, router, http.MethodGet, "/api/auth/me", bearerFor(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["id"] != "u1" {
		t.Fatalf("profile body: %s", rec.Body.String())
	}
}

func TestUpdateProfileRoute(t *testing.T) {
	acc := &services.Account{ID: "u1", Email: "new@example.com", DisplayName: "New"}
	s := newTestServer(t, &fakeAccounts{profileOut: acc}, nil)

	rec := doJSON(t, s.Router(), http.MethodPut, "/api/auth/me", bearerFor(t, "u1"),
		map[string]string{"displayName": "New", "email": "new@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sc := newTestServer(t, &fakeAccounts{profileErr: common.ErrorConflict}, nil)
	rec = doJSON(t, sc.Router(), http.MethodPut, "/api/auth/me", bearerFor(t, "u1"),
		map[string]string{"email": "taken@example.com"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("taken email → 409, got %d", rec.Code)
	}
}

func TestUsageRoute(t *testing.T) {
	sum := &services.UsageSummary{
		TotalCost:                 1.5,
		AverageDailyCost:          0.5,
		DaysSinceRegistration:     3,
		RegistrationDate:          "2026-08-27",
		FormattedTotalCost:        "$1.50000",
		FormattedAverageDailyCost: "$0.50000",
	}
	s := newTestServer(t, &fakeAccounts{usageOut: sum}, nil)

	rec := doJSON(t, s.Router(), http.MethodGet, "/api/auth/api-usage", bearerFor(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["formattedTotalCost"] != "$1.50000" {
		t.Fatalf("formatted cost missing: %s", rec.Body.String())
	}
}

func TestChatRoute_RecordsUsage(t *testing.T) {
	accounts := &fakeAccounts{}
	chat := &fakeChat{out: &services.ChatResult{Text: "hello", Cost: 0.0012, InputTokens: 1000, OutputTokens: 500}}
	s := newTestServer(t, accounts, chat)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", bearerFor(t, "u7"),
		map[string]any{"messages": []map[string]string{{"role": "user", "text": "hi"}}})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if accounts.trackedUser != "u7" || accounts.trackedCost != 0.0012 {
		t.Fatalf("usage must be recorded before replying: user=%q cost=%v", accounts.trackedUser, accounts.trackedCost)
	}
	body := decodeBody(t, rec)
	if body["text"] != "hello" {
		t.Fatalf("chat body: %s", rec.Body.String())
	}
}

func TestChatRoute_ProviderFailure(t *testing.T) {
	s := newTestServer(t, &fakeAccounts{}, &fakeChat{err: io.ErrUnexpectedEOF})

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", bearerFor(t, "u1"),
		map[string]any{"messages": []map[string]string{{"text": "hi"}}})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("provider failure → 502, got %d", rec.Code)
	}
}

func TestChatRoute_Validation(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", bearerFor(t, "u1"), map[string]any{"messages": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty messages → 400, got %d", rec.Code)
	}
}

func TestAuthRateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.AuthRateLimitPerMinute = 1
	s := NewServer(cfg, testLogger(), &fakeAccounts{authErr: common.ErrorInvalidCredentials}, &fakeChat{})
	router := s.Router()

	body := map[string]string{"email": "a@example.com", "password": "pw"}
	first := doJSON(t, router, http.MethodPost, "/api/auth/login", "", body)
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request must pass")
	}
	second := doJSON(t, router, http.MethodPost, "/api/auth/login", "", body)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request must be throttled, got %d", second.Code)
	}
}

func TestProfileNotFound(t *testing.T) {
	s := newTestServer(t, &fakeAccounts{profileErr: common.ErrorNotFound}, nil)

	rec := doJSON(t, s.Router(), http.MethodGet, "/api/auth/me", bearerFor(t, "ghost"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}
