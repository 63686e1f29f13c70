package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/dripman/internal/engine"
	"github.com/hitoshi/dripman/internal/middleware"
	"github.com/hitoshi/dripman/internal/model"
)

// 管理画面の表示件数
const (
	dashboardLeads  = 50
	dashboardEvents = 30
	maxListLimit    = 500
	triggerTimeout  = 5 * time.Minute
	displayTimeFmt  = "2006-01-02 15:04"
)

// LeadReader は管理画面が必要とするリードの読み取りインターフェース。
type LeadReader interface {
	ListRecent(ctx context.Context, limit int) ([]*model.Lead, error)
	CountByStep(ctx context.Context) ([]model.LeadStepCount, error)
}

// EventReader は管理画面が必要とするイベントの読み取りインターフェース。
type EventReader interface {
	ListRecent(ctx context.Context, limit int) ([]*model.DeliveryEvent, error)
}

// PassTrigger はシーケンスエンジンのパスを即時実行するインターフェース。
// engine.Executorが実装する。
type PassTrigger interface {
	RunNow(ctx context.Context) (engine.RunSummary, error)
}

// SequenceInfo はダッシュボードに表示するシーケンス情報。
type SequenceInfo struct {
	Name   string
	Length int
}

// AdminHandler は管理画面と管理APIのHTTPハンドラー。
type AdminHandler struct {
	leads    LeadReader
	events   EventReader
	trigger  PassTrigger
	sequence SequenceInfo
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastRun *engine.RunSummary
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(leads LeadReader, events EventReader, trigger PassTrigger, sequence SequenceInfo, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		leads:    leads,
		events:   events,
		trigger:  trigger,
		sequence: sequence,
		logger:   logger,
		now:      time.Now,
	}
}

// leadResponse はリード情報のAPIレスポンス。
type leadResponse struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	Source     string     `json:"source"`
	CreatedAt  time.Time  `json:"created_at"`
	Step       int        `json:"step"`
	Steps      int        `json:"steps"`
	LastSentAt *time.Time `json:"last_sent_at"`
}

// eventResponse はイベント情報のAPIレスポンス。
type eventResponse struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	Kind      string    `json:"kind"`
	Step      int       `json:"step"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// triggerResponse は手動実行の結果。
type triggerResponse struct {
	OK      bool              `json:"ok"`
	Summary engine.RunSummary `json:"summary"`
}

// ListLeads は直近のリードを返す。
// GET /api/admin/leads?limit=50
func (h *AdminHandler) ListLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := h.leads.ListRecent(r.Context(), queryLimit(r, dashboardLeads, maxListLimit))
	if err != nil {
		h.logger.Error("リード一覧の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := make([]leadResponse, 0, len(leads))
	for _, l := range leads {
		resp = append(resp, leadResponse{
			ID:         l.ID,
			Email:      l.Email,
			Name:       l.Name,
			Source:     l.Source,
			CreatedAt:  l.CreatedAt,
			Step:       l.Step,
			Steps:      h.sequence.Length,
			LastSentAt: l.LastSentAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents は直近の配信イベントを返す。
// GET /api/admin/events?limit=30
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListRecent(r.Context(), queryLimit(r, dashboardEvents, maxListLimit))
	if err != nil {
		h.logger.Error("イベント一覧の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse{
			ID:        e.ID,
			LeadID:    e.LeadID,
			Kind:      string(e.Kind),
			Step:      e.Step,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Trigger はシーケンスエンジンのパスを1回実行し、集計結果を返す。
// POST /api/admin/trigger
func (h *AdminHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runNow(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewEngineUnavailableError())
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{OK: true, Summary: summary})
}

// TriggerForm は管理画面のボタンからパスを実行し、ダッシュボードへ戻す。
// POST /admin/trigger
func (h *AdminHandler) TriggerForm(w http.ResponseWriter, r *http.Request) {
	if _, err := h.runNow(r.Context()); err != nil {
		middleware.WriteAPIError(w, model.NewEngineUnavailableError())
		return
	}
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

func (h *AdminHandler) runNow(ctx context.Context) (engine.RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()

	summary, err := h.trigger.RunNow(ctx)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelWarn
		}
		h.logger.Log(ctx, level, "手動実行に失敗しました", slog.String("error", err.Error()))
		return engine.RunSummary{}, err
	}

	h.logger.Info("手動実行が完了しました",
		slog.Int("scanned", summary.Scanned),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed),
		slog.Int("stale", summary.Stale),
	)

	h.mu.Lock()
	h.lastRun = &summary
	h.mu.Unlock()
	return summary, nil
}

// dashboardView はダッシュボードテンプレートに渡す値。
type dashboardView struct {
	SequenceName   string
	SequenceLength int
	GeneratedAt    string
	LastRun        *engine.RunSummary
	StepCounts     []stepCountRow
	Leads          []leadRow
	Events         []eventRow
}

type stepCountRow struct {
	Label string
	Count int
}

type leadRow struct {
	Email     string
	Name      string
	Source    string
	CreatedAt string
	Progress  string
}

type eventRow struct {
	Kind      string
	LeadID    string
	Step      int
	Detail    string
	CreatedAt string
}

// Dashboard は管理画面のHTMLを返す。
// GET /admin
func (h *AdminHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	leads, err := h.leads.ListRecent(ctx, dashboardLeads)
	if err != nil {
		h.dashboardError(w, "リード一覧の取得に失敗しました", err)
		return
	}
	counts, err := h.leads.CountByStep(ctx)
	if err != nil {
		h.dashboardError(w, "ステップ別集計の取得に失敗しました", err)
		return
	}
	events, err := h.events.ListRecent(ctx, dashboardEvents)
	if err != nil {
		h.dashboardError(w, "イベント一覧の取得に失敗しました", err)
		return
	}

	view := dashboardView{
		SequenceName:   h.sequence.Name,
		SequenceLength: h.sequence.Length,
		GeneratedAt:    h.now().UTC().Format(displayTimeFmt),
	}

	h.mu.Lock()
	view.LastRun = h.lastRun
	h.mu.Unlock()

	for _, c := range counts {
		label := fmt.Sprintf("%d/%d", c.Step, h.sequence.Length)
		if c.Step >= h.sequence.Length {
			label += " (complete)"
		}
		view.StepCounts = append(view.StepCounts, stepCountRow{Label: label, Count: c.Count})
	}
	for _, l := range leads {
		view.Leads = append(view.Leads, leadRow{
			Email:     l.Email,
			Name:      l.Name,
			Source:    l.Source,
			CreatedAt: l.CreatedAt.UTC().Format(displayTimeFmt),
			Progress:  fmt.Sprintf("%d/%d", l.Step, h.sequence.Length),
		})
	}
	for _, e := range events {
		view.Events = append(view.Events, eventRow{
			Kind:      string(e.Kind),
			LeadID:    e.LeadID,
			Step:      e.Step,
			Detail:    truncate(e.Detail, 60),
			CreatedAt: e.CreatedAt.UTC().Format(displayTimeFmt),
		})
	}

	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, "admin.html", view); err != nil {
		h.dashboardError(w, "管理画面の描画に失敗しました", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func (h *AdminHandler) dashboardError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	http.Error(w, "admin error", http.StatusInternalServerError)
}

// truncate は文字列を最大n文字に切り詰める。
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
