// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/chatlink/internal/auth"
	"github.com/hitoshi/chatlink/internal/middleware"
	"github.com/hitoshi/chatlink/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// セッションはセッションミドルウェアがコンテキストに注入したものを渡す。
type AuthServiceInterface interface {
	BeginLogin(ctx context.Context, session *model.Session) (string, error)
	CompleteLogin(ctx context.Context, session *model.Session, callbackURL, state string) (*model.User, error)
	Logout(ctx context.Context, session *model.Session) error
	CurrentUser(ctx context.Context, session *model.Session) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はログイン・ログアウト後のリダイレクト先であり、
	// コールバックURLを再構築する際のスキームとホストの基準でもある。
	BaseURL            *url.URL
	TrustForwardedHost bool
	Cookie             middleware.SessionCookieConfig
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// userResponse はログインユーザー情報のAPIレスポンス。
type userResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	ProfilePic string    `json:"profile_pic"`
	CreatedAt  time.Time `json:"created_at"`
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		slog.Error("session missing from context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}

	redirectURL, err := h.service.BeginLogin(r.Context(), session)
	if err != nil {
		slog.Error("failed to begin login", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.SetSessionCookie(w, session, h.config.Cookie)
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		slog.Error("session missing from context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}

	callbackURL := auth.CallbackURL(r, h.config.BaseURL, h.config.TrustForwardedHost)
	state := r.URL.Query().Get("state")

	if _, err := h.service.CompleteLogin(r.Context(), session, callbackURL, state); err != nil {
		status, apiErr := mapLoginError(err)
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	// 成功時はセッションIDが再発行されている
	middleware.SetSessionCookie(w, session, h.config.Cookie)
	http.Redirect(w, r, h.config.BaseURL.String(), http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// GET /auth/logout, POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if err := h.service.Logout(r.Context(), session); err != nil {
		// ログアウト失敗してもCookieはクリアする
		slog.Error("failed to logout", slog.String("error", err.Error()))
	}

	middleware.ClearSessionCookie(w, h.config.Cookie)
	http.Redirect(w, r, h.config.BaseURL.String(), http.StatusTemporaryRedirect)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.CurrentUser(r.Context(), middleware.SessionFromContext(r.Context()))
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			slog.Error("failed to get current user", slog.String("error", err.Error()))
		}
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		ProfilePic: user.ProfilePic,
		CreatedAt:  user.CreatedAt,
	})
}

// mapLoginError はログイン失敗の種別をHTTPステータスと統一エラーに変換する。
func mapLoginError(err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, auth.ErrStateMismatch):
		return http.StatusBadRequest, model.NewInvalidStateError()
	case errors.Is(err, auth.ErrTokenExchange):
		return http.StatusBadGateway, model.NewTokenExchangeError()
	case errors.Is(err, auth.ErrTokenVerification):
		return http.StatusUnauthorized, model.NewTokenVerificationError()
	default:
		return http.StatusInternalServerError, model.NewLoginFailedError()
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// compile-time interface check
var _ AuthServiceInterface = (*auth.Service)(nil)
