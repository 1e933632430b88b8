package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chatlink/internal/model"
)

// PostgresFavoriteRepo はPostgreSQLを使用したお気に入りリポジトリ。
type PostgresFavoriteRepo struct {
	db *sql.DB
}

// NewPostgresFavoriteRepo はPostgresFavoriteRepoを生成する。
func NewPostgresFavoriteRepo(db *sql.DB) *PostgresFavoriteRepo {
	return &PostgresFavoriteRepo{db: db}
}

// Exists はユーザーが投稿をお気に入り済みかを返す。
func (r *PostgresFavoriteRepo) Exists(ctx context.Context, userID, postID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM favorites WHERE user_id = $1 AND post_id = $2)`,
		userID, postID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("お気に入りの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// FavoritedPostIDs は指定投稿のうちユーザーがお気に入り済みのIDの集合を返す。
func (r *PostgresFavoriteRepo) FavoritedPostIDs(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if userID == "" || len(postIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT post_id FROM favorites WHERE user_id = $1 AND post_id = ANY($2::uuid[])`,
		userID, pq.Array(postIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("お気に入りの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("お気に入りのスキャンに失敗しました: %w", err)
		}
		result[id] = true
	}
	return result, rows.Err()
}

// Toggle はお気に入りの追加/削除とfavorite_countの増減を1トランザクションで行う。
// 投稿行をFOR UPDATEでロックし、同一投稿への同時トグルを直列化する。
func (r *PostgresFavoriteRepo) Toggle(ctx context.Context, userID, postID string) (*model.FavoriteResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT favorite_count FROM posts WHERE id = $1 FOR UPDATE`, postID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("投稿のロックに失敗しました: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM favorites WHERE user_id = $1 AND post_id = $2`, userID, postID,
	)
	if err != nil {
		return nil, fmt.Errorf("お気に入りの削除に失敗しました: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	res := &model.FavoriteResult{}
	if removed > 0 {
		res.Action = model.FavoriteRemoved
		err = tx.QueryRowContext(ctx,
			`UPDATE posts SET favorite_count = GREATEST(favorite_count - 1, 0) WHERE id = $1
			 RETURNING favorite_count`, postID,
		).Scan(&res.FavoriteCount)
	} else {
		res.Action = model.FavoriteAdded
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO favorites (user_id, post_id, created_at) VALUES ($1, $2, $3)`,
			userID, postID, time.Now().UTC(),
		); err != nil {
			return nil, fmt.Errorf("お気に入りの追加に失敗しました: %w", err)
		}
		err = tx.QueryRowContext(ctx,
			`UPDATE posts SET favorite_count = favorite_count + 1 WHERE id = $1
			 RETURNING favorite_count`, postID,
		).Scan(&res.FavoriteCount)
	}
	if err != nil {
		return nil, fmt.Errorf("お気に入り数の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// compile-time interface check
var _ FavoriteRepository = (*PostgresFavoriteRepo)(nil)
