// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeTokenExchange     = "TOKEN_EXCHANGE_FAILED"
	ErrCodeTokenVerification = "TOKEN_VERIFICATION_FAILED"
	ErrCodeLoginFailed       = "LOGIN_FAILED"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeMissingFields     = "MISSING_FIELDS"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeInvalidTag        = "INVALID_TAG"
	ErrCodePostNotFound      = "POST_NOT_FOUND"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeCSRFInvalid       = "CSRF_INVALID"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "権限がありません。",
		Category: "auth",
		Action:   "自分の投稿のみ操作できます。",
	}
}

// NewInvalidStateError はOAuth stateの不一致エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "ログイン要求が無効です。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewTokenExchangeError は認可コード交換の失敗エラーを生成する。
func NewTokenExchangeError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExchange,
		Message:  "認証プロバイダーとの通信に失敗しました。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewTokenVerificationError はIDトークン検証の失敗エラーを生成する。
func NewTokenVerificationError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenVerification,
		Message:  "認証情報を検証できませんでした。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewLoginFailedError はユーザー登録などサーバー側の理由によるログイン失敗エラーを生成する。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "ログイン処理に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewMissingFieldsError は必須フィールド不足エラーを生成する。
func NewMissingFieldsError(fields ...string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingFields,
		Message:  fmt.Sprintf("必須フィールドが不足しています: %v", fields),
		Category: "validation",
		Action:   "必須項目を入力してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewInvalidTagError は無効なタグエラーを生成する。
func NewInvalidTagError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTag,
		Message:  fmt.Sprintf("無効なタグです: %s", name),
		Category: "validation",
		Action:   "タグは50文字以内で指定してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCSRFError はCSRFトークン検証の失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
