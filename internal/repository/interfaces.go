// Package repository はデータ永続化のインターフェースを定義する。
// PostgreSQL、SQLite、インメモリの3種類の実装を持つ。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/dripman/internal/model"
)

// LeadRepository はリードデータの永続化インターフェース。
// 各操作は対象の1レコードに対してアトミックである。
type LeadRepository interface {
	// Create はリードを作成する。IDが空の場合は採番する。
	// 正規化済みメールアドレスが既に存在する場合はmodel.ErrDuplicateEmailを返す。
	Create(ctx context.Context, lead *model.Lead) error

	// FindByID は指定IDのリードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Lead, error)

	// FindByEmail は正規化済みメールアドレスでリードを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Lead, error)

	// DueLeads はstep < sequenceLength の全リードを返す。順序は保証しない。
	DueLeads(ctx context.Context, sequenceLength int) ([]*model.Lead, error)

	// Advance はリードのstepがexpectedStepと一致する場合に限り、
	// stepを1進めてlast_sent_atをsentAtに更新する（compare-and-set）。
	// 一致しない場合はmodel.ErrStaleStep、存在しない場合はmodel.ErrLeadNotFoundを返す。
	Advance(ctx context.Context, id string, expectedStep int, sentAt time.Time) error

	// ListRecent は登録日時の新しい順にリードを最大limit件返す。
	ListRecent(ctx context.Context, limit int) ([]*model.Lead, error)

	// CountByStep はstepごとのリード数をstep昇順で返す。
	CountByStep(ctx context.Context) ([]model.LeadStepCount, error)
}

// EventRepository は配信監査イベントの永続化インターフェース。追記専用。
type EventRepository interface {
	// Append はイベントを追記する。IDが空の場合は採番する。
	Append(ctx context.Context, event *model.DeliveryEvent) error

	// ListRecent は新しい順にイベントを最大limit件返す。
	ListRecent(ctx context.Context, limit int) ([]*model.DeliveryEvent, error)

	// DeleteOlderThan はbeforeより古いイベントを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RunGuard はシーケンスエンジンの実行をプロセス間で排他する。
type RunGuard interface {
	// Acquire はロックを取得するまでブロックする。
	// 返されたrelease関数でロックを解放する。
	Acquire(ctx context.Context) (release func(), err error)
}
