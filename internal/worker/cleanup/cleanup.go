// Package cleanup は配信イベントの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過したイベントを日次バッチで削除する。
// リードは削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はイベントのデフォルト保持日数。
const DefaultRetentionDays = 90

// EventPurger は指定時刻より古いイベントを削除するインターフェース。
// repository.EventRepositoryが実装する。
type EventPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した配信イベントの自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	events        EventPurger
	logger        *slog.Logger
	RetentionDays int // イベントの保持日数
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使用する。
func NewCleanupJob(events EventPurger, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		events:        events,
		logger:        logger,
		RetentionDays: retentionDays,
		now:           time.Now,
	}
}

// Cutoff は削除境界となる時刻を返す。これより古いイベントが削除される。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.RetentionDays)
}

// Run は保持期間を超過したイベントを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Cutoff()

	deletedCount, err := j.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("イベントクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("イベントクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("イベントクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以後intervalごとに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	// エラーはRun内でログ済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
