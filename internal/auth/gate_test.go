package auth

import (
	"errors"
	"testing"

	"github.com/hitoshi/chatlink/internal/model"
)

func TestRequireUser(t *testing.T) {
	tests := []struct {
		name    string
		session *model.Session
		wantID  string
		wantErr error
	}{
		{"nil session", nil, "", ErrUnauthenticated},
		{"anonymous", &model.Session{ID: "s"}, "", ErrUnauthenticated},
		{"pending callback", &model.Session{ID: "s", OAuthState: "n1"}, "", ErrUnauthenticated},
		{"authenticated", &model.Session{ID: "s", UserID: "user-1"}, "user-1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := RequireUser(tt.session)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if id != tt.wantID {
				t.Errorf("id = %q, want %q", id, tt.wantID)
			}
		})
	}
}

func TestAuthorizeOwner(t *testing.T) {
	if err := AuthorizeOwner("user-1", "user-1"); err != nil {
		t.Errorf("owner should be authorized, got %v", err)
	}
	if err := AuthorizeOwner("user-2", "user-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
	if err := AuthorizeOwner("", "user-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestLoginResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, LoginResultSuccess},
		{ErrStateMismatch, LoginResultStateMismatch},
		{ErrTokenExchange, LoginResultTokenExchange},
		{ErrTokenVerification, LoginResultTokenVerification},
		{ErrPersistence, LoginResultPersistence},
	}
	for _, tt := range tests {
		if got := loginResult(tt.err); got != tt.want {
			t.Errorf("loginResult(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
