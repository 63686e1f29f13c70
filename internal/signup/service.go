// Package signup はリード登録（サインアップ）処理を提供する。
// HTTPフォームとAMQPコンシューマの両方から利用される。
package signup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/dripman/internal/engine"
	"github.com/hitoshi/dripman/internal/metrics"
	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/repository"
)

const (
	// maxEmailLength はRFC 5321に基づくメールアドレスの最大長。
	maxEmailLength = 254
	// maxFieldRunes は名前と流入元の最大文字数。
	maxFieldRunes = 100
	// defaultWelcomeWait はウェルカム送信の完了を待つ最大時間。
	defaultWelcomeWait = 10 * time.Second
)

// WelcomeDispatcher はウェルカムメール（step 0）の即時送信を依頼するインターフェース。
type WelcomeDispatcher interface {
	Deliver(ctx context.Context, leadID string, step int) (engine.Outcome, error)
}

// Request はサインアップ要求。
type Request struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Result はサインアップ結果。
type Result struct {
	LeadID  string
	Created bool // falseの場合は既存リードへの再登録
}

// Service はサインアップ処理を行う。
// リードの作成のみを行い、ステップの更新はシーケンスエンジンに委ねる。
type Service struct {
	leads       repository.LeadRepository
	events      repository.EventRepository
	dispatcher  WelcomeDispatcher
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
	welcomeWait time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// dispatcherがnilの場合、ウェルカムメールは次回の定期実行で送信される。
func NewService(
	leads repository.LeadRepository,
	events repository.EventRepository,
	dispatcher WelcomeDispatcher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		leads:       leads,
		events:      events,
		dispatcher:  dispatcher,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
		welcomeWait: defaultWelcomeWait,
	}
}

// ValidateEmail はメールアドレスが空でなく"@"を含むことを検証する。
func ValidateEmail(email string) error {
	e := strings.TrimSpace(email)
	if e == "" || !strings.Contains(e, "@") || len(e) > maxEmailLength {
		return model.NewInvalidEmailError()
	}
	return nil
}

// Signup はリードを登録する。
// 無効なメールアドレスの場合は*model.APIErrorを返す。
// 既存のメールアドレスは成功として扱う（冪等）。
// 新規作成時はウェルカムメールを即時送信するが、送信失敗は呼び出し元に返さない。
func (s *Service) Signup(ctx context.Context, req Request) (Result, error) {
	if err := ValidateEmail(req.Email); err != nil {
		return Result{}, err
	}

	lead := &model.Lead{
		Email:     model.NormalizeEmail(req.Email),
		Name:      truncateRunes(strings.TrimSpace(req.Name), maxFieldRunes),
		Source:    truncateRunes(strings.TrimSpace(req.Source), maxFieldRunes),
		CreatedAt: s.now().UTC(),
	}
	if lead.Name == "" {
		lead.Name = model.DefaultLeadName
	}
	if lead.Source == "" {
		lead.Source = model.DefaultLeadSource
	}

	err := s.leads.Create(ctx, lead)
	if errors.Is(err, model.ErrDuplicateEmail) {
		s.metrics.RecordLeadCaptured(false)
		s.logger.Info("既に登録済みのリードです",
			slog.String("source", lead.Source),
		)
		existing, findErr := s.leads.FindByEmail(ctx, lead.Email)
		if findErr != nil || existing == nil {
			return Result{}, nil
		}
		return Result{LeadID: existing.ID}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("リードの登録に失敗しました: %w", err)
	}

	s.metrics.RecordLeadCaptured(true)
	s.appendCaptured(ctx, lead)
	s.logger.Info("リードを登録しました",
		slog.String("lead_id", lead.ID),
		slog.String("source", lead.Source),
	)

	s.sendWelcome(ctx, lead)

	return Result{LeadID: lead.ID, Created: true}, nil
}

// sendWelcome はstep 0の即時送信を依頼する。
// 待機時間内に完了しなかった場合もジョブはキューに残り、後で処理される。
func (s *Service) sendWelcome(ctx context.Context, lead *model.Lead) {
	if s.dispatcher == nil {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.welcomeWait)
	defer cancel()

	outcome, err := s.dispatcher.Deliver(waitCtx, lead.ID, 0)
	switch {
	case err != nil:
		s.logger.Warn("ウェルカムメールの即時送信が完了しませんでした。次回の定期実行で送信されます",
			slog.String("lead_id", lead.ID),
			slog.String("error", err.Error()),
		)
	case outcome != engine.OutcomeSent:
		s.logger.Info("ウェルカムメールは送信されませんでした",
			slog.String("lead_id", lead.ID),
			slog.String("outcome", string(outcome)),
		)
	}
}

// appendCaptured はリード登録イベントを記録する。失敗はログのみ。
func (s *Service) appendCaptured(ctx context.Context, lead *model.Lead) {
	if s.events == nil {
		return
	}
	err := s.events.Append(ctx, &model.DeliveryEvent{
		LeadID:    lead.ID,
		Kind:      model.EventKindCaptured,
		Detail:    fmt.Sprintf("%s | %s", lead.Email, lead.Source),
		CreatedAt: lead.CreatedAt,
	})
	if err != nil {
		s.logger.Error("リード登録イベントの記録に失敗しました",
			slog.String("lead_id", lead.ID),
			slog.String("error", err.Error()),
		)
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
