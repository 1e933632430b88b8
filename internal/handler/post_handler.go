package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatlink/internal/auth"
	"github.com/hitoshi/chatlink/internal/middleware"
	"github.com/hitoshi/chatlink/internal/model"
)

// maxIPAddressLength はposts.ip_addressの最大長（IPv6表記）。
const maxIPAddressLength = 45

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
// viewerIDは未ログインの場合は空文字列。
type PostServiceInterface interface {
	ListRecent(ctx context.Context, viewerID string, page int) (*postPageResult, error)
	ListByTag(ctx context.Context, viewerID, tag string, page int) (*postPageResult, error)
	ListByUser(ctx context.Context, viewerID, userID string, page int) (*postPageResult, error)
	ListReplies(ctx context.Context, viewerID, postID string, page int) (*postPageResult, error)
	ListFavorites(ctx context.Context, userID string, page int) (*postPageResult, error)
	Create(ctx context.Context, userID, ipAddress string, req createPostRequest) (string, error)
	Reply(ctx context.Context, userID, ipAddress, parentID string, req createReplyRequest) (string, error)
	Delete(ctx context.Context, actorID, postID string) error
	ToggleFavorite(ctx context.Context, userID, postID string) (*favoriteResponse, error)
	FavoriteStatus(ctx context.Context, viewerID, postID string) (*favoriteStatusResponse, error)
	PopularTags(ctx context.Context) ([]tagResponse, error)
}

// PostHandler は投稿・返信・お気に入り・タグのHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

// createPostRequest は投稿作成リクエストのボディ。
type createPostRequest struct {
	Content string   `json:"content"`
	URL     string   `json:"url"`
	Tags    []string `json:"tags"`
}

// createReplyRequest は返信作成リクエストのボディ。
type createReplyRequest struct {
	Content string `json:"content"`
	URL     string `json:"url"`
}

// authorResponse は投稿者の公開情報。
type authorResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ProfilePic string `json:"profile_pic"`
}

// postResponse は一覧に含まれる投稿1件のAPIレスポンス。
type postResponse struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	URL           string         `json:"url"`
	CreatedAt     time.Time      `json:"created_at"`
	FavoriteCount int            `json:"favorite_count"`
	RepliesCount  int            `json:"replies_count"`
	Author        authorResponse `json:"author"`
	Tags          []string       `json:"tags"`
	IsOwn         bool           `json:"is_own"`
	IsFavorited   bool           `json:"is_favorited"`
}

// postPageResult はサービスアダプタが返すページネーション済みの一覧。
type postPageResult struct {
	Posts       []postResponse
	HasNext     bool
	Total       int
	CurrentPage int
	Pages       int
}

// postListResponse は投稿一覧のAPIレスポンス。
type postListResponse struct {
	Posts       []postResponse `json:"posts"`
	HasNext     bool           `json:"has_next"`
	Total       int            `json:"total"`
	CurrentPage int            `json:"current_page"`
	Pages       int            `json:"pages"`
}

// replyListResponse は返信一覧のAPIレスポンス。
type replyListResponse struct {
	Replies     []postResponse `json:"replies"`
	HasNext     bool           `json:"has_next"`
	Total       int            `json:"total"`
	CurrentPage int            `json:"current_page"`
	Pages       int            `json:"pages"`
}

// favoriteResponse はお気に入りトグルのAPIレスポンス。
type favoriteResponse struct {
	Message       string `json:"message"`
	Action        string `json:"action"`
	FavoriteCount int    `json:"favorite_count"`
}

// favoriteStatusResponse は閲覧者のお気に入り状態。
type favoriteStatusResponse struct {
	PostID      string `json:"post_id"`
	IsFavorited bool   `json:"is_favorited"`
}

// tagResponse は人気タグ1件のAPIレスポンス。
type tagResponse struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ListPosts は新着順の投稿一覧を返す。
// GET /api/posts?page=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ListRecent(r.Context(), viewerID(r), pageParam(r))
	h.writePosts(w, result, err)
}

// ListByTag は指定タグの投稿一覧を返す。
// GET /api/posts/tag/{tag}?page=
func (h *PostHandler) ListByTag(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ListByTag(r.Context(), viewerID(r), chi.URLParam(r, "tag"), pageParam(r))
	h.writePosts(w, result, err)
}

// ListByUser は指定ユーザーの投稿一覧を返す。
// GET /api/posts/user/{userID}?page=
func (h *PostHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ListByUser(r.Context(), viewerID(r), chi.URLParam(r, "userID"), pageParam(r))
	h.writePosts(w, result, err)
}

// ListFavorites はログインユーザーのお気に入り一覧を返す。
// GET /api/posts/favorites?page=
func (h *PostHandler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	result, err := h.service.ListFavorites(r.Context(), userID, pageParam(r))
	h.writePosts(w, result, err)
}

// ListReplies は指定投稿への返信一覧を返す。
// GET /api/posts/{id}/replies?page=
func (h *PostHandler) ListReplies(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ListReplies(r.Context(), viewerID(r), chi.URLParam(r, "id"), pageParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replyListResponse{
		Replies:     result.Posts,
		HasNext:     result.HasNext,
		Total:       result.Total,
		CurrentPage: result.CurrentPage,
		Pages:       result.Pages,
	})
}

// CreatePost は投稿を作成する。
// POST /api/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createPostRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	postID, err := h.service.Create(r.Context(), userID, clientIP(r), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "投稿が作成されました",
		"post_id": postID,
	})
}

// CreateReply は投稿への返信を作成する。
// POST /api/posts/{id}/replies
func (h *PostHandler) CreateReply(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createReplyRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	replyID, err := h.service.Reply(r.Context(), userID, clientIP(r), chi.URLParam(r, "id"), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message":  "返信が投稿されました",
		"reply_id": replyID,
	})
}

// DeletePost は投稿を削除する。投稿者本人のみ実行できる。
// DELETE /api/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "投稿が削除されました",
	})
}

// ToggleFavorite はお気に入り状態を反転する。
// POST /api/posts/{id}/favorite
func (h *PostHandler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.service.ToggleFavorite(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// FavoriteStatus は閲覧者が投稿をお気に入り済みかを返す。未ログインの場合は常にfalse。
// GET /api/posts/{id}/favorite
func (h *PostHandler) FavoriteStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.FavoriteStatus(r.Context(), viewerID(r), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PopularTags は人気タグを返す。
// GET /api/tags/popular
func (h *PostHandler) PopularTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.PopularTags(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *PostHandler) writePosts(w http.ResponseWriter, result *postPageResult, err error) {
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, postListResponse{
		Posts:       result.Posts,
		HasNext:     result.HasNext,
		Total:       result.Total,
		CurrentPage: result.CurrentPage,
		Pages:       result.Pages,
	})
}

// viewerID は閲覧者のユーザーIDを返す。未ログインの場合は空文字列。
func viewerID(r *http.Request) string {
	id, _ := middleware.UserIDFromContext(r.Context())
	return id
}

// requireUserID は認証済みユーザーIDを取得する。未認証の場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := auth.RequireUser(middleware.SessionFromContext(r.Context()))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// pageParam はクエリのpageを返す。未指定・不正値は1とする。
func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// clientIP はリクエスト元のIPアドレスを返す。
// プロキシ配下ではルーターのRealIPミドルウェアがRemoteAddrを書き換える。
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if len(ip) > maxIPAddressLength {
		ip = ip[:maxIPAddressLength]
	}
	return ip
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.Is(err, auth.ErrUnauthenticated):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
	case errors.Is(err, auth.ErrForbidden):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
	default:
		// APIError以外のエラーは内部サーバーエラーとして扱う
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeMissingFields, model.ErrCodeInvalidURL, model.ErrCodeInvalidTag, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodePostNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
