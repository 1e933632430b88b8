package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatlink/internal/auth"
	"github.com/hitoshi/chatlink/internal/model"
)

// NewRequireAuthMiddleware は未認証リクエストを401で拒否するミドルウェアを返す。
// APIエンドポイント用。後段のハンドラーは呼び出されない。
func NewRequireAuthMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.RequireUser(SessionFromContext(r.Context())); err != nil {
				slog.Debug("unauthenticated request rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRequireAuthRedirectMiddleware は未認証リクエストをログイン入口へリダイレクトするミドルウェアを返す。
// ブラウザで直接開くページ用。
func NewRequireAuthRedirectMiddleware(loginPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.RequireUser(SessionFromContext(r.Context())); err != nil {
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
