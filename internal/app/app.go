package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/chatlink/internal/auth"
	"github.com/hitoshi/chatlink/internal/config"
	"github.com/hitoshi/chatlink/internal/database"
	"github.com/hitoshi/chatlink/internal/handler"
	"github.com/hitoshi/chatlink/internal/logger"
	"github.com/hitoshi/chatlink/internal/metrics"
	"github.com/hitoshi/chatlink/internal/middleware"
	"github.com/hitoshi/chatlink/internal/post"
	"github.com/hitoshi/chatlink/internal/repository"
	"github.com/hitoshi/chatlink/internal/security"
	"github.com/hitoshi/chatlink/internal/user"
	"github.com/hitoshi/chatlink/internal/worker/cleanup"
)

// defaultServerPort はSERVER_PORT未設定時のポート。configと同じ値。
const defaultServerPort = "3000"

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数（と.env）のConfigを読み込み、ログレベルを反映する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = defaultServerPort
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_store", cfg.SessionStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandCleanup:
		return runCleanup(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, commandArg(args))
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established")

	sessions, closeStore, err := openSessionStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// ドメインサービス
	provider, err := auth.NewGoogleOIDCProvider(ctx, auth.GoogleOIDCConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	userService := user.NewService(repository.NewPostgresUserRepo(db), collector)
	authService := auth.NewService(
		provider, userService, sessions, collector,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)
	postService := post.NewService(
		repository.NewPostgresPostRepo(db),
		repository.NewPostgresFavoriteRepo(db),
		security.NewTextSanitizer(),
		collector,
		cfg.PostsPerPage,
	)

	baseURL := cfg.PublicBaseURL()
	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
		Logger:         slog.Default(),
		HTTPMetrics:    collector,

		SessionLoader:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		TrustProxyHeaders: cfg.TrustForwardedHost,
		HSTS:              cfg.CookieSecure,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:            baseURL,
			TrustForwardedHost: cfg.TrustForwardedHost,
			Cookie: middleware.SessionCookieConfig{
				Secure: cfg.CookieSecure,
				Domain: cfg.CookieDomain,
				MaxAge: cfg.SessionMaxAge,
			},
		},

		PostService: handler.NewPostServiceAdapter(postService),
	})

	// インメモリストアはこのプロセス内にしか存在しないため、期限切れ削除もここで回す
	if cfg.SessionStore == config.SessionStoreMemory {
		job := cleanup.NewSessionCleanupJob(sessions, slog.Default())
		go job.RunEvery(ctx, cfg.SessionCleanupInterval)
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// SESSION_CLEANUP_INTERVALごとに期限切れセッションを削除し、ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	job, closeFn, err := newCleanupJob(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)
	job.RunEvery(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanup は期限切れセッションを1回だけ削除する。cronからの実行を想定する。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	job, closeFn, err := newCleanupJob(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := job.Run(ctx); err != nil {
		return fmt.Errorf("session cleanup failed: %w", err)
	}
	return nil
}

// newCleanupJob は共有セッションストアに接続したクリーンアップジョブを生成する。
func newCleanupJob(ctx context.Context, cfg *config.Config) (*cleanup.SessionCleanupJob, func(), error) {
	if cfg.SessionStore == config.SessionStoreMemory {
		return nil, nil, fmt.Errorf("the %s session store lives inside the serve process; nothing to clean from here", config.SessionStoreMemory)
	}

	var db *sql.DB
	if cfg.SessionStore == config.SessionStorePostgres {
		var err error
		db, err = database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 2})
		if err != nil {
			return nil, nil, err
		}
	}

	sessions, closeStore, err := openSessionStore(ctx, cfg, db)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, err
	}

	closeFn := func() {
		closeStore()
		if db != nil {
			db.Close()
		}
	}
	return cleanup.NewSessionCleanupJob(sessions, slog.Default()), closeFn, nil
}

// openSessionStore はSESSION_STOREに応じたセッションストアを返す。
// 返されるcloseはストア固有の接続を閉じる。dbの所有権は呼び出し側に残る。
func openSessionStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.SessionRepository, func(), error) {
	noop := func() {}

	switch cfg.SessionStore {
	case config.SessionStoreRedis:
		client, err := repository.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("session store: redis", slog.String("redis_url", maskURL(cfg.RedisURL)))
		return repository.NewRedisSessionRepo(client, ""), func() { client.Close() }, nil

	case config.SessionStoreMemory:
		slog.Warn("session store: memory (sessions are lost on restart and not shared between instances)")
		return repository.NewMemorySessionRepo(), noop, nil

	default:
		if db == nil {
			return nil, nil, fmt.Errorf("postgres session store requires a database connection")
		}
		slog.Info("session store: postgres")
		return repository.NewPostgresSessionRepo(db), noop, nil
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// argは"up"（既定）または"down"。
func runMigrate(cfg *config.Config, arg string) error {
	dir, err := database.ParseDirection(arg)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("direction", string(dir)),
		slog.String("database_url", maskURL(cfg.DatabaseURL)),
	)

	version, err := database.Migrate(cfg.DatabaseURL, dir)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskURL は接続URLのパスワードとクエリを伏せてログ出力用に整形する。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
