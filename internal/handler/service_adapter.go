package handler

import (
	"context"

	"github.com/hitoshi/chatlink/internal/model"
	"github.com/hitoshi/chatlink/internal/post"
)

// PostServiceAdapter は post.Service を PostServiceInterface に適合させるアダプタ。
type PostServiceAdapter struct {
	svc *post.Service
}

// NewPostServiceAdapter はPostServiceAdapterを生成する。
func NewPostServiceAdapter(svc *post.Service) *PostServiceAdapter {
	return &PostServiceAdapter{svc: svc}
}

// ListRecent は新着順の投稿一覧をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ListRecent(ctx context.Context, viewerID string, page int) (*postPageResult, error) {
	return toPostPageResult(a.svc.ListRecent(ctx, viewerID, page))
}

// ListByTag は指定タグの投稿一覧をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ListByTag(ctx context.Context, viewerID, tag string, page int) (*postPageResult, error) {
	return toPostPageResult(a.svc.ListByTag(ctx, viewerID, tag, page))
}

// ListByUser は指定ユーザーの投稿一覧をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ListByUser(ctx context.Context, viewerID, userID string, page int) (*postPageResult, error) {
	return toPostPageResult(a.svc.ListByUser(ctx, viewerID, userID, page))
}

// ListReplies は返信一覧をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ListReplies(ctx context.Context, viewerID, postID string, page int) (*postPageResult, error) {
	return toPostPageResult(a.svc.ListReplies(ctx, viewerID, postID, page))
}

// ListFavorites はお気に入り一覧をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ListFavorites(ctx context.Context, userID string, page int) (*postPageResult, error) {
	return toPostPageResult(a.svc.ListFavorites(ctx, userID, page))
}

// Create は投稿を作成する。
func (a *PostServiceAdapter) Create(ctx context.Context, userID, ipAddress string, req createPostRequest) (string, error) {
	return a.svc.Create(ctx, userID, ipAddress, post.CreatePostInput{
		Content: req.Content,
		URL:     req.URL,
		Tags:    req.Tags,
	})
}

// Reply は返信を作成する。
func (a *PostServiceAdapter) Reply(ctx context.Context, userID, ipAddress, parentID string, req createReplyRequest) (string, error) {
	return a.svc.Reply(ctx, userID, ipAddress, parentID, req.Content, req.URL)
}

// Delete は投稿を削除する。
func (a *PostServiceAdapter) Delete(ctx context.Context, actorID, postID string) error {
	return a.svc.Delete(ctx, actorID, postID)
}

// ToggleFavorite はお気に入りを反転しhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ToggleFavorite(ctx context.Context, userID, postID string) (*favoriteResponse, error) {
	result, err := a.svc.ToggleFavorite(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	return &favoriteResponse{
		Message:       "Favorite " + string(result.Action),
		Action:        string(result.Action),
		FavoriteCount: result.FavoriteCount,
	}, nil
}

// FavoriteStatus は閲覧者のお気に入り状態をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) FavoriteStatus(ctx context.Context, viewerID, postID string) (*favoriteStatusResponse, error) {
	ok, err := a.svc.IsFavorited(ctx, viewerID, postID)
	if err != nil {
		return nil, err
	}
	return &favoriteStatusResponse{PostID: postID, IsFavorited: ok}, nil
}

// PopularTags は人気タグをhandlerレスポンス型で返す。
func (a *PostServiceAdapter) PopularTags(ctx context.Context) ([]tagResponse, error) {
	tags, err := a.svc.PopularTags(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]tagResponse, len(tags))
	for i, t := range tags {
		results[i] = tagResponse{Name: t.Name, Count: t.Count}
	}
	return results, nil
}

// toPostPageResult はドメインのPostPageをhandlerのレスポンス型に変換する。
func toPostPageResult(page *model.PostPage, err error) (*postPageResult, error) {
	if err != nil {
		return nil, err
	}

	posts := make([]postResponse, len(page.Posts))
	for i, v := range page.Posts {
		posts[i] = toPostResponse(v)
	}
	return &postPageResult{
		Posts:       posts,
		HasNext:     page.HasNext,
		Total:       page.Total,
		CurrentPage: page.CurrentPage,
		Pages:       page.Pages,
	}, nil
}

func toPostResponse(v model.PostView) postResponse {
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	return postResponse{
		ID:            v.ID,
		Content:       v.Content,
		URL:           v.URL,
		CreatedAt:     v.CreatedAt,
		FavoriteCount: v.FavoriteCount,
		RepliesCount:  v.RepliesCount,
		Author: authorResponse{
			ID:         v.Author.ID,
			Name:       v.Author.Name,
			ProfilePic: v.Author.ProfilePic,
		},
		Tags:        tags,
		IsOwn:       v.IsOwn,
		IsFavorited: v.IsFavorited,
	}
}

// compile-time interface check
var _ PostServiceInterface = (*PostServiceAdapter)(nil)
