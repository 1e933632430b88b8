package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/chatlink/internal/middleware"
)

// loginPath はページ遷移で未認証の場合のリダイレクト先。
const loginPath = "/auth/login"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Logger         *slog.Logger
	HTTPMetrics    middleware.HTTPMetricsRecorder

	// ミドルウェア依存
	SessionLoader     middleware.SessionLoader
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	// TrustProxyHeaders がtrueの場合、X-Forwarded-For等から接続元IPを復元する。
	TrustProxyHeaders bool
	HSTS              bool

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 投稿
	PostService PostServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → (RealIP) → SecurityHeaders → CORS → Session → Logging → CSRF
//
// /health と /metrics はセッションを必要としないためチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	postHandler := NewPostHandler(deps.PostService)

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- セッションを扱うルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionLoader))
		r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPMetrics))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// 認証ルート（OAuthフロー）
		r.Route("/auth", func(r chi.Router) {
			r.Get("/login", authHandler.Login)
			r.Get("/callback", authHandler.Callback)
			r.Get("/me", authHandler.Me)

			r.Group(func(r chi.Router) {
				r.Use(middleware.NewRequireAuthRedirectMiddleware(loginPath))
				r.Get("/logout", authHandler.Logout)
				r.Post("/logout", authHandler.Logout)
			})
		})

		// 公開API（閲覧者がログインしていればis_own/is_favoritedに反映する）
		r.Get("/api/posts", postHandler.ListPosts)
		r.Get("/api/posts/tag/{tag}", postHandler.ListByTag)
		r.Get("/api/posts/user/{userID}", postHandler.ListByUser)
		r.Get("/api/posts/{id}/replies", postHandler.ListReplies)
		r.Get("/api/posts/{id}/favorite", postHandler.FavoriteStatus)
		r.Get("/api/tags/popular", postHandler.PopularTags)

		// 認証が必要なAPI
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireAuthMiddleware())

			r.Post("/api/posts", postHandler.CreatePost)
			r.Get("/api/posts/favorites", postHandler.ListFavorites)
			r.Post("/api/posts/{id}/replies", postHandler.CreateReply)
			r.Post("/api/posts/{id}/favorite", postHandler.ToggleFavorite)
			r.Delete("/api/posts/{id}", postHandler.DeletePost)
		})
	})

	return r
}
