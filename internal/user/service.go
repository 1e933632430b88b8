// Package user は検証済みidentityとローカルユーザーの対応付けを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatlink/internal/model"
	"github.com/hitoshi/chatlink/internal/repository"
)

// MetricsRecorder はユーザー作成の記録に必要なインターフェース。
type MetricsRecorder interface {
	RecordUserCreated()
}

// Service はユーザーディレクトリのサービス層。
type Service struct {
	userRepo repository.UserRepository
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。metricsはnilでもよい。
func NewService(userRepo repository.UserRepository, metrics MetricsRecorder) *Service {
	return &Service{
		userRepo: userRepo,
		metrics:  metrics,
		now:      time.Now,
	}
}

// ResolveUser は検証済みのclaimsに対応するユーザーを返す。
// メールアドレスで検索し、見つかった場合は名前やプロフィール画像を更新せずそのまま返す。
// メールで見つからずsubjectで見つかった場合（IdP側でメールが変更された場合）は既存ユーザーを返す。
// どちらでも見つからない場合は新規作成する。
// 同時ログインで一意制約違反になった場合は、先に作成されたユーザーを再取得して返す。
func (s *Service) ResolveUser(ctx context.Context, claims *model.IdentityClaims) (*model.User, error) {
	email := strings.TrimSpace(claims.Email)
	if email == "" {
		return nil, fmt.Errorf("claims have no email")
	}

	existing, err := s.find(ctx, email, claims.Subject)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	newUser := &model.User{
		ID:         uuid.New().String(),
		GoogleID:   claims.Subject,
		Email:      email,
		Name:       claims.Name,
		ProfilePic: claims.Picture,
		CreatedAt:  s.now().UTC(),
	}

	err = s.userRepo.Create(ctx, newUser)
	if errors.Is(err, repository.ErrDuplicate) {
		winner, findErr := s.find(ctx, email, claims.Subject)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, fmt.Errorf("user vanished after duplicate insert: %w", err)
		}
		slog.Info("user created concurrently, using existing record",
			slog.String("user_id", winner.ID),
		)
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordUserCreated()
	}
	slog.Info("new user created",
		slog.String("user_id", newUser.ID),
		slog.String("email", newUser.Email),
	)
	return newUser, nil
}

// FindByID は指定IDのユーザーを返す。見つからない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, id string) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return u, nil
}

// find はemail、次にsubjectの順でユーザーを検索する。
func (s *Service) find(ctx context.Context, email, subject string) (*model.User, error) {
	u, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u != nil || subject == "" {
		return u, nil
	}

	u, err = s.userRepo.FindByGoogleID(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return u, nil
}
