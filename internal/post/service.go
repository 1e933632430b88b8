// Package post は投稿・返信・タグ・お気に入りのドメインロジックを提供する。
package post

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/chatlink/internal/auth"
	"github.com/hitoshi/chatlink/internal/model"
	"github.com/hitoshi/chatlink/internal/repository"
	"github.com/hitoshi/chatlink/internal/security"
)

const (
	// DefaultPerPage は1ページあたりの表示件数のデフォルト値。
	DefaultPerPage = 20
	// PopularTagLimit は人気タグとして返す件数。
	PopularTagLimit = 10
	// MaxTagLength はタグ名の最大文字数。
	MaxTagLength = 50
	// MaxURLLength はURLの最大長。
	MaxURLLength = 2048
)

// MetricsRecorder は投稿関連のメトリクス記録に必要なインターフェース。
type MetricsRecorder interface {
	RecordPostCreated()
	RecordFavoriteToggle(action string)
}

// CreatePostInput は投稿作成の入力。
type CreatePostInput struct {
	Content string
	URL     string
	Tags    []string
}

// Service は投稿管理のサービス層。
type Service struct {
	postRepo     repository.PostRepository
	favoriteRepo repository.FavoriteRepository
	sanitizer    security.TextSanitizer
	metrics      MetricsRecorder
	perPage      int
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// perPageが0以下の場合はDefaultPerPageを使う。metricsはnilでもよい。
func NewService(
	postRepo repository.PostRepository,
	favoriteRepo repository.FavoriteRepository,
	sanitizer security.TextSanitizer,
	metrics MetricsRecorder,
	perPage int,
) *Service {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return &Service{
		postRepo:     postRepo,
		favoriteRepo: favoriteRepo,
		sanitizer:    sanitizer,
		metrics:      metrics,
		perPage:      perPage,
		now:          time.Now,
	}
}

// ListRecent は全投稿（返信を含む）を新しい順に返す。
func (s *Service) ListRecent(ctx context.Context, viewerID string, page int) (*model.PostPage, error) {
	return s.list(ctx, viewerID, repository.PostFilter{}, page)
}

// ListByTag は指定タグの付いた投稿を新しい順に返す。
func (s *Service) ListByTag(ctx context.Context, viewerID, tag string, page int) (*model.PostPage, error) {
	return s.list(ctx, viewerID, repository.PostFilter{TagName: tag}, page)
}

// ListByUser は指定ユーザーの投稿を新しい順に返す。
func (s *Service) ListByUser(ctx context.Context, viewerID, userID string, page int) (*model.PostPage, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return s.emptyPage(page), nil
	}
	return s.list(ctx, viewerID, repository.PostFilter{UserID: userID}, page)
}

// ListReplies は指定投稿への返信を新しい順に返す。
func (s *Service) ListReplies(ctx context.Context, viewerID, postID string, page int) (*model.PostPage, error) {
	if _, err := uuid.Parse(postID); err != nil {
		return s.emptyPage(page), nil
	}
	return s.list(ctx, viewerID, repository.PostFilter{ReplyToID: postID}, page)
}

// ListFavorites はユーザーがお気に入りに登録した投稿を新しい順に返す。
// 一覧の性質上、全件のis_favoritedはtrueになる。
func (s *Service) ListFavorites(ctx context.Context, userID string, page int) (*model.PostPage, error) {
	page = normalizePage(page)
	offset, ok := s.offset(page)
	if !ok {
		return s.emptyPage(page), nil
	}
	posts, total, err := s.postRepo.List(ctx, repository.PostFilter{FavoritedBy: userID}, s.perPage, offset)
	if err != nil {
		return nil, fmt.Errorf("お気に入り一覧の取得に失敗しました: %w", err)
	}
	for i := range posts {
		posts[i].IsOwn = posts[i].UserID == userID
		posts[i].IsFavorited = true
	}
	return s.buildPage(posts, total, page), nil
}

// list は共通の一覧取得処理。閲覧者がログインしている場合はis_own/is_favoritedを設定する。
func (s *Service) list(ctx context.Context, viewerID string, filter repository.PostFilter, page int) (*model.PostPage, error) {
	page = normalizePage(page)
	offset, ok := s.offset(page)
	if !ok {
		return s.emptyPage(page), nil
	}
	posts, total, err := s.postRepo.List(ctx, filter, s.perPage, offset)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}

	if viewerID != "" && len(posts) > 0 {
		ids := make([]string, len(posts))
		for i, p := range posts {
			ids[i] = p.ID
		}
		favorited, err := s.favoriteRepo.FavoritedPostIDs(ctx, viewerID, ids)
		if err != nil {
			return nil, fmt.Errorf("お気に入り状態の取得に失敗しました: %w", err)
		}
		for i := range posts {
			posts[i].IsOwn = posts[i].UserID == viewerID
			posts[i].IsFavorited = favorited[posts[i].ID]
		}
	}

	return s.buildPage(posts, total, page), nil
}

// Create は投稿を作成し、新しい投稿IDを返す。
func (s *Service) Create(ctx context.Context, userID, ipAddress string, input CreatePostInput) (string, error) {
	var missing []string
	if strings.TrimSpace(input.URL) == "" {
		missing = append(missing, "url")
	}
	if strings.TrimSpace(input.Content) == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return "", model.NewMissingFieldsError(missing...)
	}

	postURL, err := validateURL(input.URL)
	if err != nil {
		return "", err
	}
	content := s.sanitizer.Sanitize(input.Content)
	if content == "" {
		return "", model.NewMissingFieldsError("content")
	}
	tags, err := normalizeTags(input.Tags)
	if err != nil {
		return "", err
	}

	post := &model.Post{
		ID:        uuid.New().String(),
		Content:   content,
		URL:       postURL,
		UserID:    userID,
		CreatedAt: s.now().UTC(),
		IPAddress: ipAddress,
	}
	if err := s.postRepo.CreateWithTags(ctx, post, tags); err != nil {
		return "", fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}

	s.recordPostCreated()
	slog.Info("post created",
		slog.String("post_id", post.ID),
		slog.String("user_id", userID),
		slog.Int("tags", len(tags)),
	)
	return post.ID, nil
}

// Reply は指定投稿への返信を作成し、新しい返信IDを返す。URLは省略できる。
func (s *Service) Reply(ctx context.Context, userID, ipAddress, parentID, content, rawURL string) (string, error) {
	parent, err := s.findPost(ctx, parentID)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(content) == "" {
		return "", model.NewMissingFieldsError("content")
	}
	content = s.sanitizer.Sanitize(content)
	if content == "" {
		return "", model.NewMissingFieldsError("content")
	}

	var replyURL string
	if strings.TrimSpace(rawURL) != "" {
		replyURL, err = validateURL(rawURL)
		if err != nil {
			return "", err
		}
	}

	reply := &model.Post{
		ID:        uuid.New().String(),
		Content:   content,
		URL:       replyURL,
		UserID:    userID,
		CreatedAt: s.now().UTC(),
		IPAddress: ipAddress,
		ReplyToID: parent.ID,
	}
	if err := s.postRepo.CreateWithTags(ctx, reply, nil); err != nil {
		return "", fmt.Errorf("返信の投稿に失敗しました: %w", err)
	}

	s.recordPostCreated()
	slog.Info("reply created",
		slog.String("post_id", reply.ID),
		slog.String("reply_to_id", parent.ID),
		slog.String("user_id", userID),
	)
	return reply.ID, nil
}

// Delete は投稿を削除する。投稿者本人以外はauth.ErrForbiddenとなり、投稿は変更されない。
func (s *Service) Delete(ctx context.Context, actorID, postID string) error {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return err
	}

	if err := auth.AuthorizeOwner(actorID, post.UserID); err != nil {
		slog.Warn("post deletion denied",
			slog.String("post_id", postID),
			slog.String("user_id", actorID),
		)
		return err
	}

	if err := s.postRepo.Delete(ctx, postID); err != nil {
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}

	slog.Info("post deleted", slog.String("post_id", postID), slog.String("user_id", actorID))
	return nil
}

// ToggleFavorite はお気に入り状態を反転し、操作結果と新しいお気に入り数を返す。
func (s *Service) ToggleFavorite(ctx context.Context, userID, postID string) (*model.FavoriteResult, error) {
	if _, err := s.findPost(ctx, postID); err != nil {
		return nil, err
	}

	result, err := s.favoriteRepo.Toggle(ctx, userID, postID)
	if err != nil {
		return nil, fmt.Errorf("お気に入りの更新に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordFavoriteToggle(string(result.Action))
	}
	return result, nil
}

// IsFavorited はユーザーが投稿をお気に入り済みかを返す。
func (s *Service) IsFavorited(ctx context.Context, userID, postID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if _, err := uuid.Parse(postID); err != nil {
		return false, nil
	}
	ok, err := s.favoriteRepo.Exists(ctx, userID, postID)
	if err != nil {
		return false, fmt.Errorf("お気に入りの確認に失敗しました: %w", err)
	}
	return ok, nil
}

// PopularTags は投稿数の多いタグを最大PopularTagLimit件返す。
func (s *Service) PopularTags(ctx context.Context) ([]model.TagCount, error) {
	tags, err := s.postRepo.PopularTags(ctx, PopularTagLimit)
	if err != nil {
		return nil, fmt.Errorf("人気タグの取得に失敗しました: %w", err)
	}
	if tags == nil {
		tags = []model.TagCount{}
	}
	return tags, nil
}

// findPost は投稿を取得する。見つからない場合はPostNotFoundエラーを返す。
func (s *Service) findPost(ctx context.Context, postID string) (*model.Post, error) {
	if _, err := uuid.Parse(postID); err != nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	post, err := s.postRepo.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	return post, nil
}

func (s *Service) recordPostCreated() {
	if s.metrics != nil {
		s.metrics.RecordPostCreated()
	}
}

func (s *Service) emptyPage(page int) *model.PostPage {
	return s.buildPage(nil, 0, normalizePage(page))
}

// buildPage はページネーション情報を計算する。
// 範囲外のページはエラーにせず空の一覧を返す。
func (s *Service) buildPage(posts []model.PostView, total, page int) *model.PostPage {
	if posts == nil {
		posts = []model.PostView{}
	}
	pages := (total + s.perPage - 1) / s.perPage
	return &model.PostPage{
		Posts:       posts,
		Total:       total,
		CurrentPage: page,
		Pages:       pages,
		HasNext:     page < pages,
	}
}

// offset はページ番号をOFFSETに変換する。intに収まらないページではokがfalseになる。
func (s *Service) offset(page int) (int, bool) {
	if page-1 > math.MaxInt/s.perPage {
		return 0, false
	}
	return (page - 1) * s.perPage, true
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

// validateURL はhttpまたはhttpsの絶対URLであることを確認する。
func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > MaxURLLength {
		return "", model.NewInvalidURLError("URLが長すぎます")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", model.NewInvalidURLError("URLの形式が不正です")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", model.NewInvalidURLError("http または https のURLのみ投稿できます")
	}
	if u.Host == "" {
		return "", model.NewInvalidURLError("ホスト名がありません")
	}
	// 保存されるのは再エスケープ後の文字列なので、長さもそちらで確認する
	normalized := u.String()
	if len(normalized) > MaxURLLength {
		return "", model.NewInvalidURLError("URLが長すぎます")
	}
	return normalized, nil
}

// normalizeTags は前後の空白を除去し、空と重複を取り除く。順序は入力順を保つ。
func normalizeTags(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		name := strings.TrimSpace(t)
		if name == "" || seen[name] {
			continue
		}
		if utf8.RuneCountInString(name) > MaxTagLength {
			return nil, model.NewInvalidTagError(name)
		}
		seen[name] = true
		tags = append(tags, name)
	}
	return tags, nil
}
