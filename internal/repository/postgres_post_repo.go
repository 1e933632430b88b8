package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/chatlink/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	post := &model.Post{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, content, url, user_id, created_at, favorite_count,
		        COALESCE(ip_address, ''), COALESCE(reply_to_id::text, '')
		 FROM posts WHERE id = $1`,
		id,
	).Scan(
		&post.ID, &post.Content, &post.URL, &post.UserID, &post.CreatedAt,
		&post.FavoriteCount, &post.IPAddress, &post.ReplyToID,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}

	return post, nil
}

// CreateWithTags は投稿を作成し、タグを検索または作成して紐付ける。
// タグはON CONFLICTで冪等に作成するため、同名タグの同時作成でも失敗しない。
func (r *PostgresPostRepo) CreateWithTags(ctx context.Context, post *model.Post, tagNames []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO posts (id, content, url, user_id, created_at, favorite_count, ip_address, reply_to_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		post.ID, post.Content, post.URL, post.UserID, post.CreatedAt,
		post.FavoriteCount, nullString(post.IPAddress), nullString(post.ReplyToID),
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}

	for _, name := range tagNames {
		var tagID string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO tags (id, name, created_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id`,
			uuid.New().String(), name, time.Now().UTC(),
		).Scan(&tagID)
		if err != nil {
			return fmt.Errorf("タグの作成に失敗しました: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO post_tags (post_id, tag_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			post.ID, tagID,
		)
		if err != nil {
			return fmt.Errorf("タグの紐付けに失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete は指定IDの投稿を削除する。
// 返信、post_tags、favoritesはCASCADE削除される。
func (r *PostgresPostRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("post not found: %s", id)
	}
	return nil
}

// List は条件に一致する投稿をcreated_at降順で取得し、総件数とともに返す。
func (r *PostgresPostRepo) List(ctx context.Context, filter PostFilter, limit, offset int) ([]model.PostView, int, error) {
	where, args := buildPostWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM posts p`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("投稿数の取得に失敗しました: %w", err)
	}

	query := `SELECT p.id, p.content, p.url, p.user_id, p.created_at, p.favorite_count,
	                 COALESCE(p.reply_to_id::text, ''),
	                 u.id, COALESCE(u.name, ''), COALESCE(u.profile_pic, ''),
	                 (SELECT count(*) FROM posts r WHERE r.reply_to_id = p.id),
	                 COALESCE((SELECT array_agg(t.name ORDER BY t.name)
	                           FROM post_tags pt JOIN tags t ON t.id = pt.tag_id
	                           WHERE pt.post_id = p.id), '{}')
	          FROM posts p
	          JOIN users u ON u.id = p.user_id` + where +
		fmt.Sprintf(` ORDER BY p.created_at DESC, p.id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []model.PostView
	for rows.Next() {
		var v model.PostView
		var tags pq.StringArray
		if err := rows.Scan(
			&v.ID, &v.Content, &v.URL, &v.UserID, &v.CreatedAt, &v.FavoriteCount,
			&v.ReplyToID,
			&v.Author.ID, &v.Author.Name, &v.Author.ProfilePic,
			&v.RepliesCount,
			&tags,
		); err != nil {
			return nil, 0, fmt.Errorf("投稿のスキャンに失敗しました: %w", err)
		}
		v.Tags = []string(tags)
		posts = append(posts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("投稿一覧の読み取りに失敗しました: %w", err)
	}

	return posts, total, nil
}

// PopularTags は投稿数の多い順にタグを返す。
func (r *PostgresPostRepo) PopularTags(ctx context.Context, limit int) ([]model.TagCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.name, count(pt.post_id) AS post_count
		 FROM tags t
		 JOIN post_tags pt ON pt.tag_id = t.id
		 GROUP BY t.id, t.name
		 ORDER BY post_count DESC, t.name ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("人気タグの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tags []model.TagCount
	for rows.Next() {
		var tc model.TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, fmt.Errorf("タグのスキャンに失敗しました: %w", err)
		}
		tags = append(tags, tc)
	}
	return tags, rows.Err()
}

// buildPostWhere はフィルタからWHERE句とプレースホルダ引数を組み立てる。
func buildPostWhere(filter PostFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.TagName != "" {
		add(`EXISTS (SELECT 1 FROM post_tags pt JOIN tags t ON t.id = pt.tag_id
		             WHERE pt.post_id = p.id AND t.name = $%d)`, filter.TagName)
	}
	if filter.UserID != "" {
		add(`p.user_id = $%d`, filter.UserID)
	}
	if filter.ReplyToID != "" {
		add(`p.reply_to_id = $%d`, filter.ReplyToID)
	}
	if filter.FavoritedBy != "" {
		add(`EXISTS (SELECT 1 FROM favorites f WHERE f.post_id = p.id AND f.user_id = $%d)`, filter.FavoritedBy)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
