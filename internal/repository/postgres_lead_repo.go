package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/dripman/internal/model"
)

// PostgresLeadRepo はPostgreSQLを使用したリードリポジトリ。
type PostgresLeadRepo struct {
	db *sql.DB
}

// NewPostgresLeadRepo はPostgresLeadRepoを生成する。
func NewPostgresLeadRepo(db *sql.DB) *PostgresLeadRepo {
	return &PostgresLeadRepo{db: db}
}

const postgresLeadColumns = `id, email, name, source, created_at, step, last_sent_at`

// scanPostgresLead は1行分のリードを読み取る。
func scanPostgresLead(s rowScanner) (*model.Lead, error) {
	lead := &model.Lead{}
	var lastSentAt sql.NullTime
	if err := s.Scan(&lead.ID, &lead.Email, &lead.Name, &lead.Source,
		&lead.CreatedAt, &lead.Step, &lastSentAt); err != nil {
		return nil, err
	}
	if lastSentAt.Valid {
		t := lastSentAt.Time
		lead.LastSentAt = &t
	}
	return lead, nil
}

// Create はリードを作成する。emailの一意制約に衝突した場合は
// ON CONFLICT DO NOTHINGにより0行となり、model.ErrDuplicateEmailを返す。
func (r *PostgresLeadRepo) Create(ctx context.Context, lead *model.Lead) error {
	ensureID(&lead.ID)
	lead.Email = model.NormalizeEmail(lead.Email)

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO leads (id, email, name, source, created_at, step, last_sent_at)
		 VALUES ($1, $2, $3, $4, $5, 0, NULL)
		 ON CONFLICT (email) DO NOTHING`,
		lead.ID, lead.Email, lead.Name, lead.Source, lead.CreatedAt.UTC(),
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
func (r *PostgresLeadRepo) FindByID(ctx context.Context, id string) (*model.Lead, error) {
	lead, err := scanPostgresLead(r.db.QueryRowContext(ctx,
		`SELECT `+postgresLeadColumns+` FROM leads WHERE id = $1`, id,
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
func (r *PostgresLeadRepo) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	lead, err := scanPostgresLead(r.db.QueryRowContext(ctx,
		`SELECT `+postgresLeadColumns+` FROM leads WHERE email = $1`, model.NormalizeEmail(email),
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
func (r *PostgresLeadRepo) DueLeads(ctx context.Context, sequenceLength int) ([]*model.Lead, error) {
	return r.query(ctx,
		`SELECT `+postgresLeadColumns+` FROM leads WHERE step < $1 ORDER BY created_at`,
		sequenceLength,
	)
}

// Advance はcompare-and-setでstepを1進める。
func (r *PostgresLeadRepo) Advance(ctx context.Context, id string, expectedStep int, sentAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE leads SET step = step + 1, last_sent_at = $3
		 WHERE id = $1 AND step = $2`,
		id, expectedStep, sentAt.UTC(),
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

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("リードの存在確認に失敗しました: %w", err)
	}
	if !exists {
		return model.ErrLeadNotFound
	}
	return model.ErrStaleStep
}

// ListRecent は登録日時の新しい順にリードを返す。
func (r *PostgresLeadRepo) ListRecent(ctx context.Context, limit int) ([]*model.Lead, error) {
	return r.query(ctx,
		`SELECT `+postgresLeadColumns+` FROM leads ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
}

// CountByStep はstepごとのリード数を返す。
func (r *PostgresLeadRepo) CountByStep(ctx context.Context) ([]model.LeadStepCount, error) {
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
func (r *PostgresLeadRepo) query(ctx context.Context, query string, args ...any) ([]*model.Lead, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("リード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var leads []*model.Lead
	for rows.Next() {
		lead, err := scanPostgresLead(rows)
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
var _ LeadRepository = (*PostgresLeadRepo)(nil)
