// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/chatlink/internal/model"
)

// ErrDuplicate は一意制約違反により作成できなかったことを示す。
// 同時に別リクエストが同じレコードを作成した場合に返る。
var ErrDuplicate = errors.New("duplicate record")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByGoogleID はIdPのsubject識別子でユーザーを取得する。見つからない場合はnilを返す。
	FindByGoogleID(ctx context.Context, googleID string) (*model.User, error)

	// Create はユーザーを1トランザクションで作成する。
	// emailまたはgoogle_idの一意制約に違反した場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// キーはブラウザが提示する不透明なセッショントークン。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Save はセッションを作成または上書きする。
	Save(ctx context.Context, session *model.Session) error
	// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// PostFilter は投稿一覧の絞り込み条件。空のフィールドは条件に含めない。
type PostFilter struct {
	TagName     string
	UserID      string
	ReplyToID   string
	FavoritedBy string
}

// PostRepository は投稿とタグの永続化インターフェース。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// CreateWithTags は投稿を作成し、タグを検索または作成して紐付ける。
	// 全体を1トランザクションで実行する。
	CreateWithTags(ctx context.Context, post *model.Post, tagNames []string) error

	// Delete は指定IDの投稿を削除する。
	// 返信、タグ紐付け、お気に入りはCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// List は条件に一致する投稿をcreated_at降順で取得し、総件数とともに返す。
	List(ctx context.Context, filter PostFilter, limit, offset int) ([]model.PostView, int, error)

	// PopularTags は投稿数の多い順にタグを返す。
	PopularTags(ctx context.Context, limit int) ([]model.TagCount, error)
}

// FavoriteRepository はお気に入り（users×postsの中間テーブル）の永続化インターフェース。
type FavoriteRepository interface {
	// Exists はユーザーが投稿をお気に入り済みかを存在確認クエリで返す。
	Exists(ctx context.Context, userID, postID string) (bool, error)

	// FavoritedPostIDs は指定投稿のうちユーザーがお気に入り済みのIDの集合を返す。
	FavoritedPostIDs(ctx context.Context, userID string, postIDs []string) (map[string]bool, error)

	// Toggle はお気に入りの追加/削除とfavorite_countの増減を1トランザクションで行う。
	Toggle(ctx context.Context, userID, postID string) (*model.FavoriteResult, error)
}
