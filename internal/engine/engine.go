// Package engine はドリップシーケンスの配信エンジンを提供する。
//
// Engine は送信期限を迎えたリードを抽出し、コンテンツをレンダリングして
// 配信ゲートウェイへ送信し、成功時にcompare-and-setでステップを進める。
// リードごとの失敗は隔離され、バッチ全体を中断しない。
// Executor は全ての実行要求（定期実行・手動実行・サインアップ時のウェルカム送信）を
// 単一のgoroutineで直列に処理し、同一リードへの重複送信を防ぐ。
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/dripman/internal/content"
	"github.com/hitoshi/dripman/internal/delivery"
	"github.com/hitoshi/dripman/internal/metrics"
	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/render"
	"github.com/hitoshi/dripman/internal/repository"
	"github.com/hitoshi/dripman/internal/sequence"
)

const (
	defaultDeliveryTimeout = 15 * time.Second
	defaultMaxConcurrent   = 5
)

// Renderer はステップのメール本文を生成するインターフェース。
type Renderer interface {
	Render(templateID, name string, ctx render.Context) (render.Body, error)
}

// ArticleProvider はメール本文に添える最新記事を提供するインターフェース。
type ArticleProvider interface {
	Latest(ctx context.Context) []content.Article
}

// Outcome は1リードの処理結果を表す。
type Outcome string

const (
	// OutcomeNotDue は送信期限前のためスキップしたことを示す。
	OutcomeNotDue Outcome = "not_due"
	// OutcomeSent は送信とステップ更新に成功したことを示す。
	OutcomeSent Outcome = "sent"
	// OutcomeFailed はレンダリングまたは送信に失敗し、リードを据え置いたことを示す。
	OutcomeFailed Outcome = "failed"
	// OutcomeStale は別の実行が先にステップを進めていたことを示す。
	OutcomeStale Outcome = "stale"
	// OutcomeComplete はシーケンス完了済みのため何もしなかったことを示す。
	OutcomeComplete Outcome = "complete"
)

// RunSummary は1回の実行結果の集計。
type RunSummary struct {
	Scanned  int           `json:"scanned"`
	Due      int           `json:"due"`
	Sent     int           `json:"sent"`
	Failed   int           `json:"failed"`
	Stale    int           `json:"stale"`
	Duration time.Duration `json:"duration_ns"`
}

func (s *RunSummary) add(o Outcome) {
	switch o {
	case OutcomeSent:
		s.Due++
		s.Sent++
	case OutcomeFailed:
		s.Due++
		s.Failed++
	case OutcomeStale:
		s.Due++
		s.Stale++
	}
}

// Config はEngineの動作設定。
type Config struct {
	DeliveryTimeout time.Duration // ゲートウェイ呼び出し1回あたりのタイムアウト
	MaxConcurrent   int           // 1回の実行内で並列に処理するリード数
	Campaign        render.Context
}

// Deps はEngineの依存関係。
type Deps struct {
	Leads    repository.LeadRepository
	Events   repository.EventRepository
	Sequence *sequence.Definition
	Renderer Renderer
	Gateway  delivery.Gateway
	Articles ArticleProvider         // nilの場合は記事を添えない
	Metrics  metrics.MetricsCollector // nilの場合は記録しない
	Logger   *slog.Logger
}

// Engine はシーケンスエンジン本体。
// リードの step と last_sent_at を更新するのはEngineのみ。
type Engine struct {
	leads    repository.LeadRepository
	events   repository.EventRepository
	seq      *sequence.Definition
	renderer Renderer
	gateway  delivery.Gateway
	articles ArticleProvider
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config
}

// New はEngineの新しいインスタンスを生成する。
func New(deps Deps, cfg Config) *Engine {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	return &Engine{
		leads:    deps.Leads,
		events:   deps.Events,
		seq:      deps.Sequence,
		renderer: deps.Renderer,
		gateway:  deps.Gateway,
		articles: deps.Articles,
		metrics:  m,
		logger:   deps.Logger,
		config:   cfg,
	}
}

// Sequence はエンジンが使用するシーケンス定義を返す。
func (e *Engine) Sequence() *sequence.Definition {
	return e.seq
}

// RunOnce は未完了の全リードを走査し、時刻nowの時点で送信期限を迎えたリードに配信する。
// 返すエラーはリード一覧の取得失敗のみ。リードごとの失敗は集計とイベントに記録される。
func (e *Engine) RunOnce(ctx context.Context, now time.Time) (RunSummary, error) {
	start := time.Now()

	leads, err := e.leads.DueLeads(ctx, e.seq.Len())
	if err != nil {
		return RunSummary{}, fmt.Errorf("送信対象リードの取得に失敗しました: %w", err)
	}

	summary := RunSummary{Scanned: len(leads)}
	if len(leads) == 0 {
		summary.Duration = time.Since(start)
		e.metrics.RecordRunDuration(summary.Duration)
		e.logger.Info("送信対象のリードはありません")
		return summary, nil
	}

	articles := e.latestArticles(ctx)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, e.config.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, lead := range leads {
		wg.Add(1)
		sem <- struct{}{}

		go func(l *model.Lead) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.processLead(ctx, l, now, articles)

			mu.Lock()
			summary.add(outcome)
			mu.Unlock()
		}(lead)
	}

	wg.Wait()

	summary.Duration = time.Since(start)
	e.metrics.RecordRunDuration(summary.Duration)
	e.logger.Info("シーケンスエンジンの実行が完了しました",
		slog.Int("scanned", summary.Scanned),
		slog.Int("due", summary.Due),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed),
		slog.Int("stale", summary.Stale),
		slog.Float64("duration_ms", float64(summary.Duration.Milliseconds())),
	)

	return summary, nil
}

// DeliverStep は指定リードの現在ステップを送信期限に関係なく即時送信する。
// サインアップ直後のウェルカムメール送信に使用する。
// リードのstepがexpectedStepと異なる場合は送信せずOutcomeStaleを返す。
func (e *Engine) DeliverStep(ctx context.Context, leadID string, expectedStep int, now time.Time) (Outcome, error) {
	lead, err := e.leads.FindByID(ctx, leadID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("リードの取得に失敗しました: %w", err)
	}
	if lead == nil {
		return OutcomeFailed, model.ErrLeadNotFound
	}
	if lead.IsComplete(e.seq.Len()) {
		return OutcomeComplete, nil
	}
	if lead.Step != expectedStep {
		return OutcomeStale, nil
	}

	step, _ := e.seq.Step(lead.Step)
	return e.deliver(ctx, lead, step, now, e.latestArticles(ctx)), nil
}

// processLead は1リードの送信判定と配信を行う。
// パニックは当該リードの失敗として扱い、他のリードの処理を継続する。
func (e *Engine) processLead(ctx context.Context, lead *model.Lead, now time.Time, articles []content.Article) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("リード処理中にパニックが発生しました",
				slog.String("lead_id", lead.ID),
				slog.Any("panic", r),
			)
			outcome = OutcomeFailed
		}
	}()

	step, ok := e.seq.Step(lead.Step)
	if !ok {
		return OutcomeComplete
	}

	dueAt, _ := e.seq.DueAt(lead.Step, lead.ReferenceTime())
	if now.Before(dueAt) {
		return OutcomeNotDue
	}

	return e.deliver(ctx, lead, step, now, articles)
}

// deliver はステップをレンダリングして送信し、成功時にステップを進める。
func (e *Engine) deliver(ctx context.Context, lead *model.Lead, step sequence.Step, now time.Time, articles []content.Article) Outcome {
	campaign := e.config.Campaign
	campaign.Articles = articles

	body, err := e.renderer.Render(step.TemplateID, lead.Name, campaign)
	if err != nil {
		e.logger.Error("メール本文のレンダリングに失敗しました",
			slog.String("lead_id", lead.ID),
			slog.Int("step", lead.Step),
			slog.String("template_id", step.TemplateID),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordDelivery(metrics.ResultFailed)
		e.appendEvent(ctx, lead, model.EventKindFailed, now, fmt.Sprintf("%s | render: %v", lead.Email, err))
		return OutcomeFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.config.DeliveryTimeout)
	sendStart := time.Now()
	err = e.gateway.Send(sendCtx, delivery.Message{
		To:      lead.Email,
		Subject: step.Subject,
		HTML:    body.HTML,
		Text:    body.Text,
	})
	cancel()
	e.metrics.RecordGatewayLatency(time.Since(sendStart))

	if err != nil {
		e.logger.Warn("メール送信に失敗しました。次回の実行で再試行します",
			slog.String("lead_id", lead.ID),
			slog.Int("step", lead.Step),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordDelivery(metrics.ResultFailed)
		e.appendEvent(ctx, lead, model.EventKindFailed, now, fmt.Sprintf("%s | %s | %v", lead.Email, step.Subject, err))
		return OutcomeFailed
	}
	e.metrics.RecordDelivery(metrics.ResultSent)

	err = e.leads.Advance(ctx, lead.ID, lead.Step, now)
	switch {
	case err == nil:
		e.appendEvent(ctx, lead, model.EventKindSent, now, fmt.Sprintf("%s | %s", lead.Email, step.Subject))
		e.logger.Info("メールを送信しました",
			slog.String("lead_id", lead.ID),
			slog.Int("step", lead.Step),
			slog.String("template_id", body.TemplateID),
		)
		return OutcomeSent

	case errors.Is(err, model.ErrStaleStep):
		e.metrics.RecordAdvanceConflict()
		e.appendEvent(ctx, lead, model.EventKindSent, now, fmt.Sprintf("%s | %s | stale step", lead.Email, step.Subject))
		e.logger.Warn("ステップは別の実行で更新済みです",
			slog.String("lead_id", lead.ID),
			slog.Int("step", lead.Step),
		)
		return OutcomeStale

	default:
		// 送信済みだがステップ未更新。次回の実行で同じステップが再送される
		e.appendEvent(ctx, lead, model.EventKindFailed, now, fmt.Sprintf("%s | %s | advance: %v", lead.Email, step.Subject, err))
		e.logger.Error("送信後のステップ更新に失敗しました",
			slog.String("lead_id", lead.ID),
			slog.Int("step", lead.Step),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed
	}
}

// appendEvent は監査イベントを追記する。失敗はログのみ。
func (e *Engine) appendEvent(ctx context.Context, lead *model.Lead, kind model.EventKind, at time.Time, detail string) {
	if e.events == nil {
		return
	}
	err := e.events.Append(ctx, &model.DeliveryEvent{
		LeadID:    lead.ID,
		Kind:      kind,
		Step:      lead.Step,
		Detail:    detail,
		CreatedAt: at,
	})
	if err != nil {
		e.logger.Error("配信イベントの記録に失敗しました",
			slog.String("lead_id", lead.ID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) latestArticles(ctx context.Context) []content.Article {
	if e.articles == nil {
		return nil
	}
	return e.articles.Latest(ctx)
}
