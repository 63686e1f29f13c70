package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/dripman/internal/model"
)

// SQLiteLeadRepo はSQLiteを使用したリードリポジトリ。
// 時刻はUTCの固定長文字列として保存する。
type SQLiteLeadRepo struct {
	db *sql.DB
}

// NewSQLiteLeadRepo はSQLiteLeadRepoを生成する。
func NewSQLiteLeadRepo(db *sql.DB) *SQLiteLeadRepo {
	return &SQLiteLeadRepo{db: db}
}

const sqliteLeadColumns = `id, email, name, source, created_at, step, last_sent_at`

// scanSQLiteLead は1行分のリードを読み取る。
func scanSQLiteLead(s rowScanner) (*model.Lead, error) {
	lead := &model.Lead{}
	var createdAt string
	var lastSentAt sql.NullString
	if err := s.Scan(&lead.ID, &lead.Email, &lead.Name, &lead.Source,
		&createdAt, &lead.Step, &lastSentAt); err != nil {
		return nil, err
	}

	t, err := parseSQLiteTime(createdAt)
	if err != nil {
		return nil, err
	}
	lead.CreatedAt = t

	if lastSentAt.Valid {
		sent, err := parseSQLiteTime(lastSentAt.String)
		if err != nil {
			return nil, err
		}
		lead.LastSentAt = &sent
	}
	return lead, nil
}

// Create はリードを作成する。
func (r *SQLiteLeadRepo) Create(ctx context.Context, lead *model.Lead) error {
	ensureID(&lead.ID)
	lead.Email = model.NormalizeEmail(lead.Email)

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO leads (id, email, name, source, created_at, step, last_sent_at)
		 VALUES (?, ?, ?, ?, ?, 0, NULL)
		 ON CONFLICT (email) DO NOTHING`,
		lead.ID, lead.Email, lead.Name, lead.Source, formatSQLiteTime(lead.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("リードの作成に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrDuplicateEmail
	}

	lead.Step = 0
	lead.LastSentAt = nil
	return nil
}

// FindByID は指定IDのリードを取得する。見つからない場合はnilを返す。
func (r *SQLiteLeadRepo) FindByID(ctx context.Context, id string) (*model.Lead, error) {
	lead, err := scanSQLiteLead(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リードの取得に失敗しました: %w", err)
	}
	return lead, nil
}

// FindByEmail は正規化済みメールアドレスでリードを検索する。
func (r *SQLiteLeadRepo) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	lead, err := scanSQLiteLead(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE email = ?`, model.NormalizeEmail(email),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リードの検索に失敗しました: %w", err)
	}
	return lead, nil
}

// DueLeads はシーケンス未完了のリードを返す。
func (r *SQLiteLeadRepo) DueLeads(ctx context.Context, sequenceLength int) ([]*model.Lead, error) {
	return r.query(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE step < ? ORDER BY created_at`,
		sequenceLength,
	)
}

// Advance はcompare-and-setでstepを1進める。
func (r *SQLiteLeadRepo) Advance(ctx context.Context, id string, expectedStep int, sentAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE leads SET step = step + 1, last_sent_at = ?
		 WHERE id = ? AND step = ?`,
		formatSQLiteTime(sentAt), id, expectedStep,
	)
	if err != nil {
		return fmt.Errorf("リードの更新に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM leads WHERE id = ?`, id,
	).Scan(&count); err != nil {
		return fmt.Errorf("リードの存在確認に失敗しました: %w", err)
	}
	if count == 0 {
		return model.ErrLeadNotFound
	}
	return model.ErrStaleStep
}

// ListRecent は登録日時の新しい順にリードを返す。
func (r *SQLiteLeadRepo) ListRecent(ctx context.Context, limit int) ([]*model.Lead, error) {
	return r.query(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
}

// CountByStep はstepごとのリード数を返す。
func (r *SQLiteLeadRepo) CountByStep(ctx context.Context) ([]model.LeadStepCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT step, count(*) FROM leads GROUP BY step ORDER BY step`,
	)
	if err != nil {
		return nil, fmt.Errorf("ステップ別集計に失敗しました: %w", err)
	}
	defer rows.Close()

	var counts []model.LeadStepCount
	for rows.Next() {
		var c model.LeadStepCount
		if err := rows.Scan(&c.Step, &c.Count); err != nil {
			return nil, fmt.Errorf("集計結果の読み取りに失敗しました: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// query は複数行のリードを取得する。
func (r *SQLiteLeadRepo) query(ctx context.Context, query string, args ...any) ([]*model.Lead, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("リード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var leads []*model.Lead
	for rows.Next() {
		lead, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, fmt.Errorf("リードの読み取りに失敗しました: %w", err)
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リード一覧の読み取りに失敗しました: %w", err)
	}
	return leads, nil
}

// compile-time interface check
var _ LeadRepository = (*SQLiteLeadRepo)(nil)
