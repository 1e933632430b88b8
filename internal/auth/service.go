// Package auth はOAuth2/OIDCのログインフロー、セッションのライフサイクル、アクセス制御を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chatlink/internal/model"
	"github.com/hitoshi/chatlink/internal/repository"
)

// IdentityProvider は外部IdPとの認可コードフローのインターフェース。
type IdentityProvider interface {
	// AuthCodeURL はstateを含む認可URLを生成する。
	AuthCodeURL(state string) string
	// Exchange はコールバックURLの認可コードを交換し、検証済みのクレームを返す。
	Exchange(ctx context.Context, callbackURL string) (*model.IdentityClaims, error)
}

// UserResolver は検証済みクレームとローカルユーザーを対応付けるインターフェース。
type UserResolver interface {
	ResolveUser(ctx context.Context, claims *model.IdentityClaims) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// MetricsRecorder はログイン結果の記録に必要なインターフェース。
type MetricsRecorder interface {
	RecordLogin(result string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はログインフローとセッションの状態遷移を扱う。
// セッションはAnonymous → PendingCallback{nonce} → Authenticated{user_id} と遷移し、
// ログアウトまたはログイン失敗でAnonymousに戻る。
type Service struct {
	provider    IdentityProvider
	users       UserResolver
	sessionRepo repository.SessionRepository
	metrics     MetricsRecorder
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	provider IdentityProvider,
	users UserResolver,
	sessionRepo repository.SessionRepository,
	metrics MetricsRecorder,
	config ServiceConfig,
) *Service {
	return &Service{
		provider:    provider,
		users:       users,
		sessionRepo: sessionRepo,
		metrics:     metrics,
		config:      config,
		now:         time.Now,
	}
}

// LoadSession はセッショントークンに対応するセッションを返す。
// トークンが空、存在しない、または期限切れの場合は未保存の匿名セッションを新たに生成する。
// 匿名セッションは状態が変化したとき（BeginLogin等）に初めて保存される。
func (s *Service) LoadSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID != "" {
		session, err := s.sessionRepo.FindByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if session != nil && !session.IsExpired(s.now()) {
			return session, nil
		}
	}
	return s.newSession()
}

// BeginLogin は新しいnonceをセッションに保存し、IdPの認可URLを返す。
// 既存のnonceは上書きされるため、同一セッションで並行したログインは後勝ちになる。
func (s *Service) BeginLogin(ctx context.Context, session *model.Session) (string, error) {
	nonce, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	session.OAuthState = nonce
	if err := s.save(ctx, session); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return s.provider.AuthCodeURL(nonce), nil
}

// CompleteLogin はIdPからのコールバックを処理し、ログインしたユーザーを返す。
// nonceは成否にかかわらず最初に破棄される。失敗した場合セッションは匿名状態に戻る。
// 成功した場合はセッション固定攻撃を防ぐためセッションIDを再発行する。
func (s *Service) CompleteLogin(ctx context.Context, session *model.Session, callbackURL, state string) (*model.User, error) {
	expected := session.OAuthState
	hadUser := session.UserID != ""
	session.OAuthState = ""

	user, err := s.completeLogin(ctx, session, expected, callbackURL, state)
	s.recordLogin(err)
	if err != nil {
		session.UserID = ""
		// 保存済みの状態（nonceまたはユーザー）があった場合のみ匿名状態を書き戻す
		if expected == "" && !hadUser {
			return nil, err
		}
		if saveErr := s.save(ctx, session); saveErr != nil {
			slog.Error("failed to reset session after login failure",
				slog.String("error", saveErr.Error()),
			)
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) completeLogin(ctx context.Context, session *model.Session, expected, callbackURL, state string) (*model.User, error) {
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch", slog.Bool("pending", expected != ""))
		return nil, ErrStateMismatch
	}

	claims, err := s.provider.Exchange(ctx, callbackURL)
	if err != nil {
		if errors.Is(err, ErrTokenVerification) {
			slog.Warn("id token verification failed, possible forged token",
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		slog.Info("token exchange failed", slog.String("error", err.Error()))
		if errors.Is(err, ErrTokenExchange) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	user, err := s.users.ResolveUser(ctx, claims)
	if err != nil {
		slog.Error("failed to resolve user", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.rotate(ctx, session, user.ID); err != nil {
		slog.Error("failed to persist authenticated session", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return user, nil
}

// rotate はセッションIDを再発行して認証済みとして保存し、旧レコードを削除する。
func (s *Service) rotate(ctx context.Context, session *model.Session, userID string) error {
	newID, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate session ID: %w", err)
	}

	oldID := session.ID
	session.ID = newID
	session.UserID = userID
	session.CreatedAt = s.now().UTC()
	if err := s.save(ctx, session); err != nil {
		session.ID = oldID
		return err
	}

	if oldID != "" {
		if err := s.sessionRepo.DeleteByID(ctx, oldID); err != nil {
			slog.Warn("failed to delete pre-login session",
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Logout はセッションを破棄し、渡されたセッションを新しい匿名セッションに置き換える。
func (s *Service) Logout(ctx context.Context, session *model.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	userID := session.UserID
	if err := s.sessionRepo.DeleteByID(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	fresh, err := s.newSession()
	if err != nil {
		return err
	}
	*session = *fresh

	slog.Info("user logged out", slog.String("user_id", userID))
	return nil
}

// CurrentUser はセッションの認証済みユーザーを返す。
// 未認証、またはユーザーが存在しない場合はErrUnauthenticatedを返す。
func (s *Service) CurrentUser(ctx context.Context, session *model.Session) (*model.User, error) {
	userID, err := RequireUser(session)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// SessionMaxAge はセッションの有効期間を返す。
func (s *Service) SessionMaxAge() time.Duration {
	return time.Duration(s.config.SessionMaxAge) * time.Second
}

// save は有効期限を延長してセッションを保存する。
func (s *Service) save(ctx context.Context, session *model.Session) error {
	now := s.now().UTC()
	session.ExpiresAt = now.Add(s.SessionMaxAge())
	session.UpdatedAt = now
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	return s.sessionRepo.Save(ctx, session)
}

func (s *Service) newSession() (*model.Session, error) {
	id, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	now := s.now().UTC()
	return &model.Session{
		ID:        id,
		ExpiresAt: now.Add(s.SessionMaxAge()),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Service) recordLogin(err error) {
	if s.metrics != nil {
		s.metrics.RecordLogin(loginResult(err))
	}
}

// generateToken は暗号的に安全なランダムトークンを生成する。
// セッションIDとOAuthのstateの両方に使う。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
