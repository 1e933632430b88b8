package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/chatlink/internal/model"
)

const defaultRedisSessionPrefix = "chatlink:"

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// 有効期限はRedisのTTLで管理するため、期限切れキーは自動的に消える。
type RedisSessionRepo struct {
	client *redis.Client
	prefix string
}

// redisSession はRedisに保存するセッションのJSON表現。
type redisSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	OAuthState string    `json:"oauth_state,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。prefixが空の場合は"chatlink:"を使う。
func NewRedisSessionRepo(client *redis.Client, prefix string) *RedisSessionRepo {
	if prefix == "" {
		prefix = defaultRedisSessionPrefix
	}
	return &RedisSessionRepo{client: client, prefix: prefix}
}

// NewRedisClient はREDIS_URL形式の接続文字列からクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *RedisSessionRepo) sessionKey(id string) string { return r.prefix + "session:" + id }

// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	s := &model.Session{
		ID:         rs.ID,
		UserID:     rs.UserID,
		OAuthState: rs.OAuthState,
		ExpiresAt:  rs.ExpiresAt,
		CreatedAt:  rs.CreatedAt,
		UpdatedAt:  rs.UpdatedAt,
	}
	if s.IsExpired(time.Now()) {
		return nil, nil
	}
	return s, nil
}

// Save はセッションを保存し、TTLを残り有効期間に設定する。
func (r *RedisSessionRepo) Save(ctx context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return r.DeleteByID(ctx, session.ID)
	}

	data, err := json.Marshal(redisSession{
		ID:         session.ID,
		UserID:     session.UserID,
		OAuthState: session.OAuthState,
		ExpiresAt:  session.ExpiresAt,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  session.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのTTLに任せるため何もしない。
func (r *RedisSessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
