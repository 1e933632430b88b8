// Package cleanup は期限切れセッションの削除ジョブを提供する。
// 期限切れセッションは読み込み時に無視されるため、削除はストレージの肥大化を防ぐ目的でのみ行う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredSessionDeleter は期限切れセッションの一括削除を抽象化するインターフェース。
// repository.SessionRepositoryの各実装が満たす。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionCleanupJob は期限切れセッションの削除ジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type SessionCleanupJob struct {
	store  ExpiredSessionDeleter
	logger *slog.Logger
}

// NewSessionCleanupJob は新しいSessionCleanupJobを生成する。
func NewSessionCleanupJob(store ExpiredSessionDeleter, logger *slog.Logger) *SessionCleanupJob {
	return &SessionCleanupJob{
		store:  store,
		logger: logger,
	}
}

// Run は期限切れセッションを1回削除し、削除件数を返す。
func (j *SessionCleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	deleted, err := j.store.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// RunEvery は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。個々の実行の失敗はログに記録して継続する。
func (j *SessionCleanupJob) RunEvery(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *SessionCleanupJob) runLogged(ctx context.Context) {
	// エラーはRun内でログ出力済み
	_, _ = j.Run(ctx)
}
