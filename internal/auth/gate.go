package auth

import (
	"fmt"

	"github.com/hitoshi/chatlink/internal/model"
)

// RequireUser はセッションの認証済みユーザーIDを返す。
// 未認証の場合は保護された操作を実行せずErrUnauthenticatedを返す。
func RequireUser(session *model.Session) (string, error) {
	if !session.IsAuthenticated() {
		return "", ErrUnauthenticated
	}
	return session.UserID, nil
}

// AuthorizeOwner は操作者がリソースの所有者であることを確認する。
// 認証の有無とは別に、操作ごとに呼び出す。
func AuthorizeOwner(actorID, ownerID string) error {
	if actorID == "" {
		return ErrUnauthenticated
	}
	if actorID != ownerID {
		return fmt.Errorf("%w: user %s does not own the resource", ErrForbidden, actorID)
	}
	return nil
}
