package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/dripman/internal/model"
)

// MemoryStore はリードと配信イベントをメモリ上に保持するストア。
// LeadRepositoryとEventRepositoryの両方を実装する。
// 返却する値は全てコピーであり、呼び出し側の変更はストアに影響しない。
type MemoryStore struct {
	mu      sync.Mutex
	leads   map[string]*model.Lead
	byEmail map[string]string
	events  []*model.DeliveryEvent
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:   make(map[string]*model.Lead),
		byEmail: make(map[string]string),
	}
}

func copyLead(l *model.Lead) *model.Lead {
	c := *l
	if l.LastSentAt != nil {
		t := *l.LastSentAt
		c.LastSentAt = &t
	}
	return &c
}

// Create はリードを作成する。
func (s *MemoryStore) Create(ctx context.Context, lead *model.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead.Email = model.NormalizeEmail(lead.Email)
	if _, ok := s.byEmail[lead.Email]; ok {
		return model.ErrDuplicateEmail
	}
	ensureID(&lead.ID)
	lead.Step = 0
	lead.LastSentAt = nil

	s.leads[lead.ID] = copyLead(lead)
	s.byEmail[lead.Email] = lead.ID
	return nil
}

// FindByID は指定IDのリードを取得する。
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	return copyLead(l), nil
}

// FindByEmail は正規化済みメールアドレスでリードを検索する。
func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return copyLead(s.leads[id]), nil
}

// DueLeads はシーケンス未完了のリードを登録順に返す。
func (s *MemoryStore) DueLeads(ctx context.Context, sequenceLength int) ([]*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leads []*model.Lead
	for _, l := range s.leads {
		if l.Step < sequenceLength {
			leads = append(leads, copyLead(l))
		}
	}
	sort.Slice(leads, func(i, j int) bool {
		return leads[i].CreatedAt.Before(leads[j].CreatedAt)
	})
	return leads, nil
}

// Advance はcompare-and-setでstepを1進める。
func (s *MemoryStore) Advance(ctx context.Context, id string, expectedStep int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return model.ErrLeadNotFound
	}
	if l.Step != expectedStep {
		return model.ErrStaleStep
	}
	l.Step++
	t := sentAt
	l.LastSentAt = &t
	return nil
}

// ListRecent は登録日時の新しい順にリードを返す。
func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leads := make([]*model.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		leads = append(leads, copyLead(l))
	}
	sort.Slice(leads, func(i, j int) bool {
		return leads[i].CreatedAt.After(leads[j].CreatedAt)
	})
	if limit >= 0 && len(leads) > limit {
		leads = leads[:limit]
	}
	return leads, nil
}

// CountByStep はstepごとのリード数を返す。
func (s *MemoryStore) CountByStep(ctx context.Context) ([]model.LeadStepCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep := make(map[int]int)
	for _, l := range s.leads {
		byStep[l.Step]++
	}
	counts := make([]model.LeadStepCount, 0, len(byStep))
	for step, n := range byStep {
		counts = append(counts, model.LeadStepCount{Step: step, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Step < counts[j].Step })
	return counts, nil
}

// Append はイベントを追記する。
func (s *MemoryStore) Append(ctx context.Context, event *model.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&event.ID)
	e := *event
	s.events = append(s.events, &e)
	return nil
}

// ListRecentEvents は新しい順にイベントを返す。同時刻のイベントは追記の逆順。
func (s *MemoryStore) ListRecentEvents(ctx context.Context, limit int) ([]*model.DeliveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*model.DeliveryEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		e := *s.events[i]
		events = append(events, &e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if limit >= 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// DeleteOlderThan はbeforeより古いイベントを削除する。
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

// Events はEventRepositoryとして振る舞うビューを返す。
// リードとイベントのListRecentが衝突するためビューで分離する。
func (s *MemoryStore) Events() EventRepository {
	return memoryEvents{s}
}

// memoryEvents はMemoryStoreのイベント操作をEventRepositoryとして公開する。
type memoryEvents struct {
	s *MemoryStore
}

func (m memoryEvents) Append(ctx context.Context, event *model.DeliveryEvent) error {
	return m.s.Append(ctx, event)
}

func (m memoryEvents) ListRecent(ctx context.Context, limit int) ([]*model.DeliveryEvent, error) {
	return m.s.ListRecentEvents(ctx, limit)
}

func (m memoryEvents) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return m.s.DeleteOlderThan(ctx, before)
}

// compile-time interface check
var _ LeadRepository = (*MemoryStore)(nil)
var _ EventRepository = memoryEvents{}
