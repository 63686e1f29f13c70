package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/dripman/internal/engine"
	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/repository"
)

// mockTrigger はPassTriggerのテスト用モック。
type mockTrigger struct {
	runNowFn func(ctx context.Context) (engine.RunSummary, error)
	calls    int
}

func (m *mockTrigger) RunNow(ctx context.Context) (engine.RunSummary, error) {
	m.calls++
	if m.runNowFn != nil {
		return m.runNowFn(ctx)
	}
	return engine.RunSummary{Scanned: 2, Due: 1, Sent: 1}, nil
}

var adminT0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// seedStore はリード2件とイベント1件を登録したメモリストアを返す。
func seedStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()

	ana := &model.Lead{Email: "ana@example.com", Name: "Ana", Source: "landing", CreatedAt: adminT0}
	bob := &model.Lead{Email: "bob@example.com", Name: "Bob", Source: "webinar", CreatedAt: adminT0.Add(time.Hour)}
	for _, l := range []*model.Lead{ana, bob} {
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := store.Advance(ctx, ana.ID, 0, adminT0); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := store.Append(ctx, &model.DeliveryEvent{
		LeadID: ana.ID, Kind: model.EventKindSent, Step: 0, Detail: "welcome", CreatedAt: adminT0,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return store
}

func newTestAdminHandler(t *testing.T, trigger PassTrigger) (*AdminHandler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	store := seedStore(t)
	h := NewAdminHandler(store, store.Events(), trigger, SequenceInfo{Name: "claw-default", Length: 4}, newTestLogger(&buf))
	h.now = func() time.Time { return adminT0 }
	return h, &buf
}

func TestListLeads(t *testing.T) {
	h, _ := newTestAdminHandler(t, &mockTrigger{})

	w := httptest.NewRecorder()
	h.ListLeads(w, httptest.NewRequest(http.MethodGet, "/api/admin/leads", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var leads []leadResponse
	if err := json.NewDecoder(w.Body).Decode(&leads); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(leads) != 2 {
		t.Fatalf("len = %d, want 2", len(leads))
	}
	// 新しい順
	if leads[0].Email != "bob@example.com" || leads[1].Email != "ana@example.com" {
		t.Errorf("order = %s, %s", leads[0].Email, leads[1].Email)
	}
	if leads[1].Step != 1 || leads[1].Steps != 4 || leads[1].LastSentAt == nil {
		t.Errorf("ana = %+v", leads[1])
	}
}

func TestListLeads_Limit(t *testing.T) {
	h, _ := newTestAdminHandler(t, &mockTrigger{})

	w := httptest.NewRecorder()
	h.ListLeads(w, httptest.NewRequest(http.MethodGet, "/api/admin/leads?limit=1", nil))

	var leads []leadResponse
	if err := json.NewDecoder(w.Body).Decode(&leads); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(leads) != 1 {
		t.Errorf("len = %d, want 1", len(leads))
	}
}

func TestListEvents(t *testing.T) {
	h, _ := newTestAdminHandler(t, &mockTrigger{})

	w := httptest.NewRecorder()
	h.ListEvents(w, httptest.NewRequest(http.MethodGet, "/api/admin/events", nil))

	var events []eventResponse
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "sent" || events[0].Detail != "welcome" {
		t.Errorf("events = %+v", events)
	}
}

func TestTrigger_ReturnsSummary(t *testing.T) {
	trigger := &mockTrigger{}
	h, _ := newTestAdminHandler(t, trigger)

	w := httptest.NewRecorder()
	h.Trigger(w, httptest.NewRequest(http.MethodPost, "/api/admin/trigger", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body triggerResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !body.OK || body.Summary.Sent != 1 || body.Summary.Scanned != 2 {
		t.Errorf("body = %+v", body)
	}
	if trigger.calls != 1 {
		t.Errorf("RunNow呼び出し回数 = %d, want 1", trigger.calls)
	}
}

func TestTrigger_EngineUnavailable(t *testing.T) {
	trigger := &mockTrigger{
		runNowFn: func(ctx context.Context) (engine.RunSummary, error) {
			return engine.RunSummary{}, engine.ErrExecutorStopped
		},
	}
	h, _ := newTestAdminHandler(t, trigger)

	w := httptest.NewRecorder()
	h.Trigger(w, httptest.NewRequest(http.MethodPost, "/api/admin/trigger", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(w.Body.String(), model.ErrCodeEngineBusy) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestTriggerForm_RedirectsToDashboard(t *testing.T) {
	h, _ := newTestAdminHandler(t, &mockTrigger{})

	w := httptest.NewRecorder()
	h.TriggerForm(w, httptest.NewRequest(http.MethodPost, "/admin/trigger", nil))

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/admin" {
		t.Errorf("Location = %q, want /admin", loc)
	}

	// 直近の実行結果がダッシュボードに表示される
	w = httptest.NewRecorder()
	h.Dashboard(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if !strings.Contains(w.Body.String(), "Last manual run: scanned 2") {
		t.Error("直近の手動実行結果が表示されていない")
	}
}

func TestDashboard_RendersLeadsAndEvents(t *testing.T) {
	h, _ := newTestAdminHandler(t, &mockTrigger{})

	w := httptest.NewRecorder()
	h.Dashboard(w, httptest.NewRequest(http.MethodGet, "/admin", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	for _, want := range []string{
		"ana@example.com",
		"bob@example.com",
		"1/4",
		"0/4",
		"claw-default",
		"2025-01-01 00:00",
		"welcome",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard should contain %q", want)
		}
	}
}

// failingLeadReader は常にエラーを返すLeadReader。
type failingLeadReader struct{}

func (failingLeadReader) ListRecent(ctx context.Context, limit int) ([]*model.Lead, error) {
	return nil, errors.New("connection refused")
}

func (failingLeadReader) CountByStep(ctx context.Context) ([]model.LeadStepCount, error) {
	return nil, errors.New("connection refused")
}

func TestAdmin_StorageErrors(t *testing.T) {
	var buf bytes.Buffer
	store := repository.NewMemoryStore()
	h := NewAdminHandler(failingLeadReader{}, store.Events(), &mockTrigger{}, SequenceInfo{Length: 4}, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h.ListLeads(w, httptest.NewRequest(http.MethodGet, "/api/admin/leads", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("ListLeads status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("内部エラーの詳細をレスポンスに含めてはいけない")
	}

	w = httptest.NewRecorder()
	h.Dashboard(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Dashboard status = %d, want 500", w.Code)
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 50},
		{"limit=-3", 50},
		{"limit=abc", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/admin/leads?"+tt.query, nil)
		if got := queryLimit(r, 50, 500); got != tt.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
