package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/chatlink/internal/auth"
	"github.com/hitoshi/chatlink/internal/middleware"
	"github.com/hitoshi/chatlink/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	beginLoginFn    func(ctx context.Context, session *model.Session) (string, error)
	completeLoginFn func(ctx context.Context, session *model.Session, callbackURL, state string) (*model.User, error)
	logoutFn        func(ctx context.Context, session *model.Session) error
	currentUserFn   func(ctx context.Context, session *model.Session) (*model.User, error)
}

func (m *mockAuthService) BeginLogin(ctx context.Context, session *model.Session) (string, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn(ctx, session)
	}
	return "", nil
}

func (m *mockAuthService) CompleteLogin(ctx context.Context, session *model.Session, callbackURL, state string) (*model.User, error) {
	if m.completeLoginFn != nil {
		return m.completeLoginFn(ctx, session, callbackURL, state)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, session *model.Session) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, session)
	}
	return nil
}

func (m *mockAuthService) CurrentUser(ctx context.Context, session *model.Session) (*model.User, error) {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx, session)
	}
	return nil, auth.ErrUnauthenticated
}

var _ AuthServiceInterface = (*mockAuthService)(nil)

// --- ヘルパー ---

func testAuthConfig() AuthHandlerConfig {
	base, _ := url.Parse("https://chatlink.example")
	return AuthHandlerConfig{
		BaseURL: base,
		Cookie:  middleware.SessionCookieConfig{Secure: true, MaxAge: 86400},
	}
}

func withSession(r *http.Request, session *model.Session) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), session))
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// --- Login ---

func TestAuthHandler_Login_StoresNonceAndRedirects(t *testing.T) {
	svc := &mockAuthService{
		beginLoginFn: func(ctx context.Context, session *model.Session) (string, error) {
			session.OAuthState = "nonce-1"
			return "https://accounts.google.com/o/oauth2/v2/auth?state=nonce-1", nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := withSession(httptest.NewRequest(http.MethodGet, "/auth/login", nil), &model.Session{ID: "sess-1"})
	w := httptest.NewRecorder()
	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "state=nonce-1") {
		t.Errorf("Location = %q, want provider URL with state", loc)
	}
	cookie := findCookie(resp, middleware.SessionCookieName)
	if cookie == nil || cookie.Value != "sess-1" {
		t.Fatalf("session cookie = %+v, want sess-1", cookie)
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Errorf("session cookie should be HttpOnly and Secure: %+v", cookie)
	}
}

func TestAuthHandler_Login_Errors_Return500(t *testing.T) {
	t.Run("begin login fails", func(t *testing.T) {
		svc := &mockAuthService{
			beginLoginFn: func(context.Context, *model.Session) (string, error) {
				return "", fmt.Errorf("%w: store down", auth.ErrPersistence)
			},
		}
		w := httptest.NewRecorder()
		NewAuthHandler(svc, testAuthConfig()).Login(w,
			withSession(httptest.NewRequest(http.MethodGet, "/auth/login", nil), &model.Session{ID: "s"}))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
		if findCookie(w.Result(), middleware.SessionCookieName) != nil {
			t.Error("cookie should not be set when the session was not saved")
		}
	})

	t.Run("no session in context", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewAuthHandler(&mockAuthService{}, testAuthConfig()).Login(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

// --- Callback ---

func TestAuthHandler_Callback_Success_SetsRotatedCookieAndRedirects(t *testing.T) {
	var gotURL, gotState string
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, session *model.Session, callbackURL, state string) (*model.User, error) {
			gotURL, gotState = callbackURL, state
			session.ID = "rotated"
			session.UserID = "user-1"
			return &model.User{ID: "user-1"}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "http://internal:3000/auth/callback?code=c&state=n1", nil)
	req = withSession(req, &model.Session{ID: "pre-login", OAuthState: "n1"})
	w := httptest.NewRecorder()
	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://chatlink.example" {
		t.Errorf("Location = %q, want BASE_URL", loc)
	}
	if gotURL != "https://chatlink.example/auth/callback?code=c&state=n1" {
		t.Errorf("callback URL = %q, want public https URL", gotURL)
	}
	if gotState != "n1" {
		t.Errorf("state = %q, want n1", gotState)
	}
	if c := findCookie(resp, middleware.SessionCookieName); c == nil || c.Value != "rotated" {
		t.Errorf("session cookie = %+v, want rotated ID", c)
	}
}

func TestAuthHandler_Callback_TrustedForwardedHost(t *testing.T) {
	var gotURL string
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, session *model.Session, callbackURL, state string) (*model.User, error) {
			gotURL = callbackURL
			return &model.User{ID: "u"}, nil
		},
	}
	cfg := testAuthConfig()
	cfg.TrustForwardedHost = true

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=s", nil)
	req.Header.Set("X-Forwarded-Host", "alt.chatlink.example")
	w := httptest.NewRecorder()
	NewAuthHandler(svc, cfg).Callback(w, withSession(req, &model.Session{ID: "s"}))

	if gotURL != "https://alt.chatlink.example/auth/callback?code=c&state=s" {
		t.Errorf("callback URL = %q", gotURL)
	}
}

func TestAuthHandler_Callback_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"state mismatch", auth.ErrStateMismatch, http.StatusBadRequest, model.ErrCodeInvalidState},
		{"token exchange", fmt.Errorf("%w: invalid_grant", auth.ErrTokenExchange), http.StatusBadGateway, model.ErrCodeTokenExchange},
		{"token verification", fmt.Errorf("%w: bad signature", auth.ErrTokenVerification), http.StatusUnauthorized, model.ErrCodeTokenVerification},
		{"persistence", fmt.Errorf("%w: db down", auth.ErrPersistence), http.StatusInternalServerError, model.ErrCodeLoginFailed},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeLoginFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				completeLoginFn: func(context.Context, *model.Session, string, string) (*model.User, error) {
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			req := withSession(httptest.NewRequest(http.MethodGet, "/auth/callback?state=x", nil), &model.Session{ID: "s"})
			NewAuthHandler(svc, testAuthConfig()).Callback(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
			if findCookie(w.Result(), middleware.SessionCookieName) != nil {
				t.Error("session cookie should not be reissued on failure")
			}
		})
	}
}

// --- Logout ---

func TestAuthHandler_Logout_ClearsCookieAndRedirects(t *testing.T) {
	for _, logoutErr := range []error{nil, errors.New("store down")} {
		called := false
		svc := &mockAuthService{
			logoutFn: func(ctx context.Context, session *model.Session) error {
				called = true
				if session.ID != "sess-1" {
					t.Errorf("session ID = %q, want sess-1", session.ID)
				}
				return logoutErr
			},
		}

		req := withSession(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), &model.Session{ID: "sess-1", UserID: "u"})
		w := httptest.NewRecorder()
		NewAuthHandler(svc, testAuthConfig()).Logout(w, req)

		resp := w.Result()
		if !called {
			t.Error("Logout should be called")
		}
		if resp.StatusCode != http.StatusTemporaryRedirect {
			t.Errorf("status = %d, want 307", resp.StatusCode)
		}
		c := findCookie(resp, middleware.SessionCookieName)
		if c == nil || c.MaxAge >= 0 {
			t.Errorf("session cookie should be cleared even when logout fails (err=%v): %+v", logoutErr, c)
		}
	}
}

// --- Me ---

func TestAuthHandler_Me_Authenticated_ReturnsUserJSON(t *testing.T) {
	svc := &mockAuthService{
		currentUserFn: func(ctx context.Context, session *model.Session) (*model.User, error) {
			return &model.User{ID: session.UserID, Email: "a@x.com", Name: "A", ProfilePic: "https://pic"}, nil
		},
	}
	req := withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), &model.Session{ID: "s", UserID: "user-1"})
	w := httptest.NewRecorder()
	NewAuthHandler(svc, testAuthConfig()).Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["id"] != "user-1" || body["email"] != "a@x.com" || body["name"] != "A" || body["profile_pic"] != "https://pic" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthHandler_Me_Unauthenticated_Returns401(t *testing.T) {
	for _, err := range []error{auth.ErrUnauthenticated, errors.New("db down")} {
		svc := &mockAuthService{
			currentUserFn: func(context.Context, *model.Session) (*model.User, error) { return nil, err },
		}
		w := httptest.NewRecorder()
		NewAuthHandler(svc, testAuthConfig()).Me(w, withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), &model.Session{ID: "s"}))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("err=%v: status = %d, want 401", err, w.Code)
		}
		if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeUnauthorized {
			t.Errorf("code = %q", body["code"])
		}
	}
}
