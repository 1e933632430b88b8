// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatlink/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// SessionLoader はセッションの読み込みに必要なインターフェース。
// トークンに対応するセッションがなければ未保存の匿名セッションを返す。
type SessionLoader interface {
	LoadSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// SessionCookieConfig はセッションCookieの属性。
type SessionCookieConfig struct {
	Secure bool
	Domain string
	MaxAge int // 秒
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み込み、
// リクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、または期限切れの場合も匿名セッションを注入して処理を続ける。
// 認証の要否は後段のNewRequireAuthMiddlewareが判定する。
func NewSessionMiddleware(loader SessionLoader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sessionID string
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				sessionID = cookie.Value
			}

			session, err := loader.LoadSession(r.Context(), sessionID)
			if err != nil {
				slog.Error("failed to load session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// SetSessionCookie はセッションIDをHTTP Only Cookieに設定する。
// セッションを保存した後（ログイン開始・完了時）に呼び出す。
func SetSessionCookie(w http.ResponseWriter, session *model.Session, config SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過していない場合はnilを返す。
func SessionFromContext(ctx context.Context) *model.Session {
	session, _ := ctx.Value(sessionContextKey).(*model.Session)
	return session
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	session := SessionFromContext(ctx)
	if !session.IsAuthenticated() {
		return "", fmt.Errorf("user ID not found in context")
	}
	return session.UserID, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// ContextWithUserID は指定ユーザーで認証済みのセッションをコンテキストに注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithSession(ctx, &model.Session{ID: "ctx-" + userID, UserID: userID})
}
