package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/chatlink/internal/model"
)

// MemorySessionRepo はプロセス内メモリに保持するセッションリポジトリ。
// 単一プロセスの開発環境とテストで使用する。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

// FindByID は指定IDのセッションのコピーを返す。存在しないか期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.IsExpired(r.now()) {
		return nil, nil
	}
	return &s, nil
}

// Save はセッションのコピーを保存する。
func (r *MemorySessionRepo) Save(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.ID] = *session
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int64
	for id, s := range r.sessions {
		if s.IsExpired(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len は保持しているセッション数を返す。テスト用。
func (r *MemorySessionRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// compile-time interface check
var _ SessionRepository = (*MemorySessionRepo)(nil)
