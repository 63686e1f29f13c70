package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/dripman/internal/delivery"
	"github.com/hitoshi/dripman/internal/model"
	"github.com/hitoshi/dripman/internal/render"
	"github.com/hitoshi/dripman/internal/repository"
	"github.com/hitoshi/dripman/internal/security"
	"github.com/hitoshi/dripman/internal/sequence"
)

// --- モック定義 ---

// recordingGateway は送信されたメッセージを記録するテスト用ゲートウェイ。
type recordingGateway struct {
	mu     sync.Mutex
	sent   []delivery.Message
	sendFn func(ctx context.Context, msg delivery.Message) error
}

func (g *recordingGateway) Send(ctx context.Context, msg delivery.Message) error {
	if g.sendFn != nil {
		if err := g.sendFn(ctx, msg); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, msg)
	return nil
}

func (g *recordingGateway) subjects() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	for i, m := range g.sent {
		out[i] = m.Subject
	}
	return out
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// mockRenderer はRendererのテスト用モック。
type mockRenderer struct {
	renderFn func(templateID, name string, ctx render.Context) (render.Body, error)
}

func (m *mockRenderer) Render(templateID, name string, ctx render.Context) (render.Body, error) {
	return m.renderFn(templateID, name, ctx)
}

// staleLeadRepo はAdvanceで常にErrStaleStepを返すリードリポジトリ。
type staleLeadRepo struct {
	repository.LeadRepository
}

func (r *staleLeadRepo) Advance(ctx context.Context, id string, expectedStep int, sentAt time.Time) error {
	return model.ErrStaleStep
}

// countingMetrics は競合回数を数えるMetricsCollector。
type countingMetrics struct {
	conflicts atomic.Int32
	sent      atomic.Int32
	failed    atomic.Int32
}

func (m *countingMetrics) RecordDelivery(result string) {
	if result == "sent" {
		m.sent.Add(1)
	} else {
		m.failed.Add(1)
	}
}
func (m *countingMetrics) RecordAdvanceConflict()             { m.conflicts.Add(1) }
func (m *countingMetrics) RecordLeadCaptured(bool)            {}
func (m *countingMetrics) RecordRunDuration(time.Duration)    {}
func (m *countingMetrics) RecordGatewayLatency(time.Duration) {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   *repository.MemoryStore
	gateway *recordingGateway
	engine  *Engine
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, seq *sequence.Definition, cfg Config) *fixture {
	t.Helper()
	r, err := render.New(security.NewTextSanitizer())
	if err != nil {
		t.Fatalf("render.New() エラー: %v", err)
	}
	if seq == nil {
		seq = sequence.Default()
	}
	if cfg.Campaign.OfferLink == "" {
		cfg.Campaign.OfferLink = "https://gumroad.com/l/ai-mastery-course"
	}

	var buf bytes.Buffer
	store := repository.NewMemoryStore()
	gw := &recordingGateway{}
	e := New(Deps{
		Leads:    store,
		Events:   store.Events(),
		Sequence: seq,
		Renderer: r,
		Gateway:  gw,
		Logger:   newTestLogger(&buf),
	}, cfg)

	return &fixture{store: store, gateway: gw, engine: e, logs: &buf}
}

func (f *fixture) createLead(t *testing.T, email, name string, at time.Time) *model.Lead {
	t.Helper()
	lead := &model.Lead{Email: email, Name: name, Source: model.DefaultLeadSource, CreatedAt: at}
	if err := f.store.Create(context.Background(), lead); err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}
	return lead
}

func (f *fixture) lead(t *testing.T, id string) *model.Lead {
	t.Helper()
	l, err := f.store.FindByID(context.Background(), id)
	if err != nil || l == nil {
		t.Fatalf("FindByID = %v, %v", l, err)
	}
	return l
}

// --- シナリオ ---

func TestEngine_EndToEndScenario(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	lead := f.createLead(t, "ana@example.com", "Ana", t0)

	// サインアップ直後のウェルカム送信
	outcome, err := f.engine.DeliverStep(ctx, lead.ID, 0, t0)
	if err != nil {
		t.Fatalf("DeliverStep がエラーを返した: %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("outcome = %s, want sent", outcome)
	}
	got := f.lead(t, lead.ID)
	if got.Step != 1 || got.LastSentAt == nil || !got.LastSentAt.Equal(t0) {
		t.Fatalf("ウェルカム送信後 step=1, lastSentAt=%v であるべき: %+v", t0, got)
	}

	// 24時間後: value1が送信される
	summary, err := f.engine.RunOnce(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", summary.Sent)
	}
	if got := f.lead(t, lead.ID); got.Step != 2 {
		t.Fatalf("Step = %d, want 2", got.Step)
	}

	// 2025-01-02T12:00: step 2は2025-01-05T00:00まで送信されない
	summary, err = f.engine.RunOnce(ctx, time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if summary.Due != 0 || summary.Sent != 0 {
		t.Errorf("送信期限前は何も送信されないべき: %+v", summary)
	}
	if got := f.lead(t, lead.ID); got.Step != 2 {
		t.Errorf("Step = %d, want 2（変更なし）", got.Step)
	}

	subjects := f.gateway.subjects()
	want := []string{
		"Your free AI income guide is here 🎯",
		"The prompt that made me $800 last month",
	}
	if len(subjects) != len(want) {
		t.Fatalf("送信件名 = %v, want %v", subjects, want)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Errorf("subjects[%d] = %q, want %q", i, subjects[i], want[i])
		}
	}
	if !strings.Contains(f.gateway.sent[0].HTML, "Hey Ana, welcome") {
		t.Error("ウェルカムメールに名前が含まれるべき")
	}

	// 2025-01-05T00:00 でvalue2が送信される
	summary, _ = f.engine.RunOnce(ctx, time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))
	if summary.Sent != 1 {
		t.Errorf("2025-01-05 に value2 が送信されるべき: %+v", summary)
	}
}

func TestEngine_DueTimeIsRelativeToLastSend(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	lead := f.createLead(t, "ana@example.com", "Ana", t0)

	// step 0 を登録から5時間後に送信
	t1 := t0.Add(5 * time.Hour)
	if s, _ := f.engine.RunOnce(ctx, t1); s.Sent != 1 {
		t.Fatalf("step 0 は登録時刻以降いつでも送信されるべき: %+v", s)
	}

	// T0+24h ではまだ送信されない
	if s, _ := f.engine.RunOnce(ctx, t0.Add(24*time.Hour)); s.Sent != 0 {
		t.Errorf("T0+24h で送信されてはならない: %+v", s)
	}
	// T1+24h で送信される
	if s, _ := f.engine.RunOnce(ctx, t1.Add(24*time.Hour)); s.Sent != 1 {
		t.Errorf("T1+24h で送信されるべき: %+v", s)
	}
	if got := f.lead(t, lead.ID); got.Step != 2 {
		t.Errorf("Step = %d, want 2", got.Step)
	}
}

func TestEngine_NoDuplicateOnSequentialRuns(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	f.createLead(t, "ana@example.com", "Ana", t0)

	now := t0.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := f.engine.RunOnce(ctx, now); err != nil {
			t.Fatalf("RunOnce がエラーを返した: %v", err)
		}
	}

	if n := f.gateway.count(); n != 1 {
		t.Errorf("連続実行での送信数 = %d, want 1", n)
	}
}

func TestEngine_GatewayFailureLeavesLeadUnchanged(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	lead := f.createLead(t, "ana@example.com", "Ana", t0)

	fail := true
	f.gateway.sendFn = func(ctx context.Context, msg delivery.Message) error {
		if fail {
			return fmt.Errorf("%w: 503", model.ErrGatewayFailure)
		}
		return nil
	}

	summary, err := f.engine.RunOnce(ctx, t0)
	if err != nil {
		t.Fatalf("ゲートウェイ失敗でRunOnceがエラーを返してはならない: %v", err)
	}
	if summary.Failed != 1 || summary.Sent != 0 {
		t.Errorf("summary = %+v, want failed=1", summary)
	}

	got := f.lead(t, lead.ID)
	if got.Step != 0 || got.LastSentAt != nil {
		t.Errorf("送信失敗時はリードを変更してはならない: %+v", got)
	}

	events, _ := f.store.Events().ListRecent(ctx, 10)
	if len(events) != 1 || events[0].Kind != model.EventKindFailed {
		t.Errorf("failedイベントが1件記録されるべき: %+v", events)
	}

	// 次のティックで同じステップが再試行される
	fail = false
	summary, _ = f.engine.RunOnce(ctx, t0.Add(2*time.Hour))
	if summary.Sent != 1 {
		t.Errorf("再試行で送信されるべき: %+v", summary)
	}
	if got := f.lead(t, lead.ID); got.Step != 1 {
		t.Errorf("Step = %d, want 1", got.Step)
	}
}

func TestEngine_IsolatesPerLeadFailures(t *testing.T) {
	f := newFixture(t, nil, Config{MaxConcurrent: 3})
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "broken@example.com", "c@example.com", "d@example.com"} {
		f.createLead(t, email, "", t0)
	}
	f.gateway.sendFn = func(ctx context.Context, msg delivery.Message) error {
		if msg.To == "broken@example.com" {
			return model.ErrGatewayFailure
		}
		return nil
	}

	summary, err := f.engine.RunOnce(ctx, t0)
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if summary.Scanned != 4 || summary.Due != 4 || summary.Sent != 3 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want scanned=4 due=4 sent=3 failed=1", summary)
	}
}

func TestEngine_RecoversFromPanicPerLead(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	f.createLead(t, "a@example.com", "panic", t0)
	f.createLead(t, "b@example.com", "Bob", t0)

	base := f.engine.renderer
	f.engine.renderer = &mockRenderer{renderFn: func(id, name string, c render.Context) (render.Body, error) {
		if name == "panic" {
			panic("template exploded")
		}
		return base.Render(id, name, c)
	}}

	summary, err := f.engine.RunOnce(ctx, t0)
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if summary.Sent != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want sent=1 failed=1", summary)
	}
}

func TestEngine_RenderFailureDoesNotSend(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	lead := f.createLead(t, "ana@example.com", "Ana", t0)
	f.engine.renderer = &mockRenderer{renderFn: func(string, string, render.Context) (render.Body, error) {
		return render.Body{}, errors.New("broken template")
	}}

	summary, _ := f.engine.RunOnce(ctx, t0)
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if f.gateway.count() != 0 {
		t.Error("レンダリング失敗時は送信してはならない")
	}
	if got := f.lead(t, lead.ID); got.Step != 0 {
		t.Errorf("Step = %d, want 0", got.Step)
	}
}

func TestEngine_GatewayTimeout(t *testing.T) {
	f := newFixture(t, nil, Config{DeliveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	f.createLead(t, "slow@example.com", "", t0)
	f.createLead(t, "fast@example.com", "", t0)
	f.gateway.sendFn = func(ctx context.Context, msg delivery.Message) error {
		if msg.To == "slow@example.com" {
			<-ctx.Done()
			return fmt.Errorf("%w: %v", model.ErrGatewayFailure, ctx.Err())
		}
		return nil
	}

	start := time.Now()
	summary, _ := f.engine.RunOnce(ctx, t0)
	if time.Since(start) > 2*time.Second {
		t.Error("ゲートウェイ呼び出しはタイムアウトで打ち切られるべき")
	}
	if summary.Sent != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want sent=1 failed=1", summary)
	}
}

func TestEngine_StaleStepIsNoop(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	f.createLead(t, "ana@example.com", "Ana", t0)

	m := &countingMetrics{}
	f.engine.leads = &staleLeadRepo{LeadRepository: f.store}
	f.engine.metrics = m

	summary, err := f.engine.RunOnce(ctx, t0)
	if err != nil {
		t.Fatalf("StaleStepでRunOnceがエラーを返してはならない: %v", err)
	}
	if summary.Stale != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want stale=1", summary)
	}
	if m.conflicts.Load() != 1 {
		t.Errorf("競合メトリクス = %d, want 1", m.conflicts.Load())
	}
	if f.gateway.count() != 1 {
		t.Errorf("送信は1回のみ（再送しない）: %d", f.gateway.count())
	}
}

func TestEngine_SequenceExhaustion(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	lead := f.createLead(t, "ana@example.com", "Ana", t0)
	now := t0
	for i := 0; i < 4; i++ {
		now = now.Add(200 * time.Hour)
		if s, _ := f.engine.RunOnce(ctx, now); s.Sent != 1 {
			t.Fatalf("%d回目の実行で送信されるべき: %+v", i+1, s)
		}
	}

	if got := f.lead(t, lead.ID); got.Step != 4 {
		t.Fatalf("Step = %d, want 4", got.Step)
	}

	summary, _ := f.engine.RunOnce(ctx, now.Add(1000*time.Hour))
	if summary.Scanned != 0 {
		t.Errorf("完了済みのリードは走査対象外であるべき: %+v", summary)
	}

	outcome, err := f.engine.DeliverStep(ctx, lead.ID, 4, now)
	if err != nil || outcome != OutcomeComplete {
		t.Errorf("DeliverStep = %s, %v, want complete", outcome, err)
	}
}

func TestEngine_NonMonotonicDelays(t *testing.T) {
	seq, err := sequence.New("custom", []sequence.Step{
		{Delay: 0, Subject: "first", TemplateID: "welcome"},
		{Delay: 48 * time.Hour, Subject: "second", TemplateID: "value1"},
		{Delay: time.Hour, Subject: "third", TemplateID: "unknown-template"},
	})
	if err != nil {
		t.Fatalf("sequence.New() エラー: %v", err)
	}
	f := newFixture(t, seq, Config{})
	ctx := context.Background()
	f.createLead(t, "ana@example.com", "Ana", t0)

	f.engine.RunOnce(ctx, t0)
	t2 := t0.Add(48 * time.Hour)
	f.engine.RunOnce(ctx, t2)

	if s, _ := f.engine.RunOnce(ctx, t2.Add(59*time.Minute)); s.Sent != 0 {
		t.Errorf("前回送信から1時間未満では送信されない: %+v", s)
	}
	if s, _ := f.engine.RunOnce(ctx, t2.Add(time.Hour)); s.Sent != 1 {
		t.Errorf("前回送信から1時間後に送信されるべき: %+v", s)
	}

	// 未知のテンプレートはwelcomeにフォールバックして送信される
	last := f.gateway.sent[len(f.gateway.sent)-1]
	if last.Subject != "third" || !strings.Contains(last.HTML, "welcome") {
		t.Errorf("未知テンプレートはフォールバックして送信されるべき: %q", last.Subject)
	}
}

func TestEngine_RespectsMaxConcurrent(t *testing.T) {
	f := newFixture(t, nil, Config{MaxConcurrent: 2})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		f.createLead(t, fmt.Sprintf("lead%d@example.com", i), "", t0)
	}

	var active, maxActive int32
	f.gateway.sendFn = func(ctx context.Context, msg delivery.Message) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	summary, _ := f.engine.RunOnce(ctx, t0)
	if summary.Sent != 8 {
		t.Errorf("Sent = %d, want 8", summary.Sent)
	}
	if maxActive > 2 {
		t.Errorf("同時送信数の最大値 = %d, want <= 2", maxActive)
	}
}

func TestEngine_StepNeverExceedsLength(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	lead := f.createLead(t, "ana@example.com", "Ana", t0)

	prev := 0
	now := t0
	for i := 0; i < 10; i++ {
		now = now.Add(150 * time.Hour)
		f.engine.RunOnce(ctx, now)
		got := f.lead(t, lead.ID)
		if got.Step < prev {
			t.Fatalf("stepが減少した: %d -> %d", prev, got.Step)
		}
		if got.Step > f.engine.Sequence().Len() {
			t.Fatalf("stepがシーケンス長を超えた: %d", got.Step)
		}
		prev = got.Step
	}
	if prev != 4 {
		t.Errorf("最終Step = %d, want 4", prev)
	}
}

func TestEngine_RecordsSentEvent(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	lead := f.createLead(t, "ana@example.com", "Ana", t0)

	f.engine.RunOnce(ctx, t0)

	events, _ := f.store.Events().ListRecent(ctx, 10)
	if len(events) != 1 {
		t.Fatalf("イベント数 = %d, want 1", len(events))
	}
	e := events[0]
	if e.Kind != model.EventKindSent || e.LeadID != lead.ID || e.Step != 0 {
		t.Errorf("event = %+v", e)
	}
	if !strings.Contains(e.Detail, "ana@example.com") {
		t.Errorf("Detail = %q, 宛先を含むべき", e.Detail)
	}
}

func TestEngine_DeliverStepStale(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	lead := f.createLead(t, "ana@example.com", "Ana", t0)

	f.engine.RunOnce(ctx, t0)

	outcome, err := f.engine.DeliverStep(ctx, lead.ID, 0, t0)
	if err != nil {
		t.Fatalf("DeliverStep がエラーを返した: %v", err)
	}
	if outcome != OutcomeStale {
		t.Errorf("outcome = %s, want stale", outcome)
	}
	if f.gateway.count() != 1 {
		t.Errorf("送信数 = %d, want 1", f.gateway.count())
	}

	if _, err := f.engine.DeliverStep(ctx, "missing", 0, t0); !errors.Is(err, model.ErrLeadNotFound) {
		t.Errorf("存在しないリードでは ErrLeadNotFound を返すべき: %v", err)
	}
}
