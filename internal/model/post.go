package model

import "time"

// Post はAIチャットの会話リンクを共有する投稿を表す。
// ReplyToIDが空でない場合は別の投稿への返信。
type Post struct {
	ID            string
	Content       string
	URL           string
	UserID        string
	CreatedAt     time.Time
	FavoriteCount int
	IPAddress     string
	ReplyToID     string
}

// Tag は投稿に付与されるタグ。名前は一意。
type Tag struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Author は投稿一覧に埋め込む投稿者の公開情報。
type Author struct {
	ID         string
	Name       string
	ProfilePic string
}

// PostView は一覧表示用に投稿者・タグ・返信数・閲覧者ごとのフラグを結合したモデル。
type PostView struct {
	Post
	Author       Author
	Tags         []string
	RepliesCount int
	IsOwn        bool
	IsFavorited  bool
}

// PostPage はページネーション済みの投稿一覧。
type PostPage struct {
	Posts       []PostView
	Total       int
	CurrentPage int
	Pages       int
	HasNext     bool
}

// TagCount はタグ名とそのタグが付いた投稿数。
type TagCount struct {
	Name  string
	Count int
}

// FavoriteAction はお気に入りトグルの結果種別。
type FavoriteAction string

const (
	// FavoriteAdded はお気に入りに追加されたことを示す。
	FavoriteAdded FavoriteAction = "added"
	// FavoriteRemoved はお気に入りから削除されたことを示す。
	FavoriteRemoved FavoriteAction = "removed"
)

// FavoriteResult はお気に入りトグル後の状態。
type FavoriteResult struct {
	Action        FavoriteAction
	FavoriteCount int
}
