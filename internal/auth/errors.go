package auth

import "errors"

// ログインフローとアクセス制御のエラー種別。
// 呼び出し側はerrors.Isで種別を判定する。ログインフローのエラーはいずれも再試行しない。
var (
	// ErrStateMismatch はコールバックのstateがセッションのnonceと一致しないことを示す。
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrTokenExchange はIdPが認可コードの交換を拒否したか、通信に失敗したことを示す。
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrTokenVerification はIDトークンの署名・発行者・audience・有効期限の検証に失敗したことを示す。
	ErrTokenVerification = errors.New("id token verification failed")

	// ErrPersistence はユーザーまたはセッションの永続化に失敗したことを示す。
	ErrPersistence = errors.New("persistence failed")

	// ErrUnauthenticated はセッションに認証済みユーザーがいないことを示す。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden は認証済みだが対象リソースの操作権限がないことを示す。
	ErrForbidden = errors.New("forbidden")
)

// ログイン結果のメトリクスラベル。
const (
	LoginResultSuccess           = "success"
	LoginResultStateMismatch     = "state_mismatch"
	LoginResultTokenExchange     = "token_exchange"
	LoginResultTokenVerification = "token_verification"
	LoginResultPersistence       = "persistence"
)

// loginResult はエラー種別をメトリクスラベルに変換する。
func loginResult(err error) string {
	switch {
	case err == nil:
		return LoginResultSuccess
	case errors.Is(err, ErrStateMismatch):
		return LoginResultStateMismatch
	case errors.Is(err, ErrTokenVerification):
		return LoginResultTokenVerification
	case errors.Is(err, ErrPersistence):
		return LoginResultPersistence
	default:
		return LoginResultTokenExchange
	}
}
