package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dripman/internal/model"
)

// SQLiteEventRepo はSQLiteを使用した配信イベントリポジトリ。
type SQLiteEventRepo struct {
	db *sql.DB
}

// NewSQLiteEventRepo はSQLiteEventRepoを生成する。
func NewSQLiteEventRepo(db *sql.DB) *SQLiteEventRepo {
	return &SQLiteEventRepo{db: db}
}

// Append はイベントを追記する。
func (r *SQLiteEventRepo) Append(ctx context.Context, event *model.DeliveryEvent) error {
	ensureID(&event.ID)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_events (id, lead_id, kind, step, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, nullString(event.LeadID), string(event.Kind), event.Step, event.Detail,
		formatSQLiteTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("配信イベントの追記に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は新しい順にイベントを返す。
func (r *SQLiteEventRepo) ListRecent(ctx context.Context, limit int) ([]*model.DeliveryEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, kind, step, detail, created_at
		 FROM delivery_events ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.DeliveryEvent
	for rows.Next() {
		e := &model.DeliveryEvent{}
		var leadID sql.NullString
		var kind, createdAt string
		if err := rows.Scan(&e.ID, &leadID, &kind, &e.Step, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("配信イベントの読み取りに失敗しました: %w", err)
		}
		t, err := parseSQLiteTime(createdAt)
		if err != nil {
			return nil, err
		}
		e.LeadID = nullStringValue(leadID)
		e.Kind = model.EventKind(kind)
		e.CreatedAt = t
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteOlderThan はbeforeより古いイベントを削除する。
func (r *SQLiteEventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_events WHERE created_at < ?`, formatSQLiteTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("配信イベントの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ EventRepository = (*SQLiteEventRepo)(nil)
