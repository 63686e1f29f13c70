package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dripman/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用した配信イベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// Append はイベントを追記する。
func (r *PostgresEventRepo) Append(ctx context.Context, event *model.DeliveryEvent) error {
	ensureID(&event.ID)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_events (id, lead_id, kind, step, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, nullString(event.LeadID), string(event.Kind), event.Step, event.Detail, event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("配信イベントの追記に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は新しい順にイベントを返す。
func (r *PostgresEventRepo) ListRecent(ctx context.Context, limit int) ([]*model.DeliveryEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, kind, step, detail, created_at
		 FROM delivery_events ORDER BY created_at DESC LIMIT $1`,
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
		var kind string
		if err := rows.Scan(&e.ID, &leadID, &kind, &e.Step, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("配信イベントの読み取りに失敗しました: %w", err)
		}
		e.LeadID = nullStringValue(leadID)
		e.Kind = model.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteOlderThan はbeforeより古いイベントを削除する。
func (r *PostgresEventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_events WHERE created_at < $1`, before.UTC(),
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
var _ EventRepository = (*PostgresEventRepo)(nil)
