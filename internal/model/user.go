// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 外部IdPのidentityごとに初回ログイン時に1回だけ作成される。
type User struct {
	ID         string
	GoogleID   string // IdPのsubject識別子（一意）
	Email      string // 一意。ログイン時の検索キー
	Name       string
	ProfilePic string
	CreatedAt  time.Time
}

// IdentityClaims はIdPが署名付きIDトークンで主張する検証済みのユーザー属性。
type IdentityClaims struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Session はブラウザごとのサーバー側セッションを表す。
// OAuthStateはログインリダイレクトからコールバックまでの間だけ保持される。
// UserIDはログイン成功まで空で、ログアウトで再び空になる。
type Session struct {
	ID         string
	UserID     string
	OAuthState string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsAuthenticated はセッションが認証済みかどうかを返す。
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.UserID != ""
}

// IsExpired は指定時刻の時点でセッションが期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
