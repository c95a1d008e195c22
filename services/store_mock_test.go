package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// memoryStore is the in-memory LimitStore used across the service tests.
// It reuses applyConsume so the decision semantics under test are the real
// ones, not a reimplementation.
type memoryStore struct {
	mu sync.Mutex

	configs  map[string]*model.RateLimitConfig
	counters map[string]*model.RateLimitState
	blocks   map[string]*model.ManualBlock
	events   []*model.RateLimitEvent
	users    map[string]*model.User

	failInsertEvent error
	failLoad        bool
	insertCalls     []bool

	now func() time.Time
}

var _ LimitStore = (*memoryStore)(nil)

var errDown = errors.New("database is down")

func newMemoryStore() *memoryStore {
	return &memoryStore{
		configs:  map[string]*model.RateLimitConfig{},
		counters: map[string]*model.RateLimitState{},
		blocks:   map[string]*model.ManualBlock{},
		users:    map[string]*model.User{},
		now:      time.Now,
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func counterKey(key, module string) string {
	return key + "\x00" + module
}

func (m *memoryStore) LoadRateLimitConfigs() ([]model.RateLimitConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failLoad {
		return nil, errDown
	}

	out := make([]model.RateLimitConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func (m *memoryStore) UpsertRateLimitConfig(cfg *model.RateLimitConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = newID()
	}
	cp := *cfg
	m.configs[cfg.Module] = &cp
	return nil
}

func (m *memoryStore) ConsumeCounter(ctx context.Context, key, module string, cfg *model.RateLimitConfig, increment bool, subjects dto.EventSubjects, record EventRecorder) (*dto.RateLimitInfo, error) {
	m.mu.Lock()

	now := m.now()
	ck := counterKey(key, module)
	st, ok := m.counters[ck]
	if !ok {
		st = &model.RateLimitState{
			ID:          newID(),
			Key:         key,
			Module:      module,
			WindowStart: now,
			WindowEnd:   now.Add(cfg.Window()),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.counters[ck] = st
	}

	info, events := applyConsume(st, cfg, subjects, increment, now)
	m.mu.Unlock()

	if record != nil {
		for _, ev := range events {
			record(ev)
		}
	}
	return info, nil
}

func (m *memoryStore) GetCounterByID(id string) (*model.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.counters {
		if st.ID == id {
			cp := *st
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) CounterExists(key, module string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.counters[counterKey(key, module)]
	return ok, nil
}

func (m *memoryStore) sortedCounters(module, search string) []model.RateLimitState {
	out := make([]model.RateLimitState, 0, len(m.counters))
	for _, st := range m.counters {
		if module != "" && st.Module != module {
			continue
		}
		if search != "" && !strings.Contains(st.Key, search) {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.BlockedUntil != nil && b.BlockedUntil == nil:
			return true
		case a.BlockedUntil == nil && b.BlockedUntil != nil:
			return false
		case a.BlockedUntil != nil && !a.BlockedUntil.Equal(*b.BlockedUntil):
			return a.BlockedUntil.After(*b.BlockedUntil)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *memoryStore) ListCounters(module, search string, limit int, afterID string) ([]model.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sortedCounters(module, search)
	start := 0
	if afterID != "" {
		for i, st := range all {
			if st.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *memoryStore) CountCounters(module, search string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sortedCounters(module, search))), nil
}

func (m *memoryStore) ResetCounters(key, module string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected int64
	for _, st := range m.counters {
		if key != "" && st.Key != key {
			continue
		}
		if module != "" && st.Module != module {
			continue
		}
		st.Count = 0
		st.BlockedUntil = nil
		st.UpdatedAt = m.now()
		affected++
	}
	return affected, nil
}

func (m *memoryStore) CounterStats(module string) (int64, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var total, blocked, active int64
	for _, st := range m.counters {
		if st.Module != module {
			continue
		}
		total += int64(st.Count)
		if st.BlockedUntil != nil && st.BlockedUntil.After(now) {
			blocked++
		}
		if st.WindowEnd.After(now) {
			active++
		}
	}
	return total, blocked, active, nil
}

func (m *memoryStore) activeBlocks(module string) []*model.ManualBlock {
	now := m.now()
	var out []*model.ManualBlock
	for _, b := range m.blocks {
		if !b.IsActive || b.Expired(now) {
			continue
		}
		if module != "" && b.Module != module && b.Module != shared.ModuleAll {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (m *memoryStore) ActiveBlocksMatching(module string, conds BlockConditions) ([]model.ManualBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conds.Empty() {
		return nil, nil
	}

	var out []model.ManualBlock
	for _, b := range m.activeBlocks(module) {
		if matchesConditions(b, conds) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func matchesConditions(b *model.ManualBlock, conds BlockConditions) bool {
	if b.UserID != nil {
		for _, id := range conds.UserIDs {
			if *b.UserID == id {
				return true
			}
		}
	}
	if b.IPAddress != nil {
		for _, ip := range conds.IPs {
			if *b.IPAddress == ip {
				return true
			}
		}
	}
	if b.EmailDomain != nil {
		for _, domain := range conds.EmailDomains {
			if *b.EmailDomain == domain {
				return true
			}
		}
	}
	return false
}

func (m *memoryStore) ListActiveBlocks(module, search string) ([]model.ManualBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ManualBlock
	for _, b := range m.activeBlocks(module) {
		if search != "" && !blockMatchesSearch(b, search) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	return out, nil
}

func blockMatchesSearch(b *model.ManualBlock, search string) bool {
	for _, field := range []*string{b.UserID, b.IPAddress, b.EmailDomain} {
		if field != nil && strings.Contains(*field, search) {
			return true
		}
	}
	return false
}

func (m *memoryStore) CountActiveBlocks(module, search string) (int64, error) {
	blocks, err := m.ListActiveBlocks(module, search)
	if err != nil {
		return 0, err
	}
	return int64(len(blocks)), nil
}

func (m *memoryStore) CreateBlock(block *model.ManualBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if block.ID == "" {
		block.ID = newID()
	}
	if block.BlockedAt.IsZero() {
		block.BlockedAt = m.now()
	}
	block.IsActive = true
	cp := *block
	m.blocks[block.ID] = &cp
	return nil
}

func (m *memoryStore) GetBlock(id string) (*model.ManualBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memoryStore) DeactivateBlock(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.blocks[id]; ok {
		b.IsActive = false
		b.UpdatedAt = m.now()
	}
	return nil
}

func (m *memoryStore) DeactivateBlocksMatching(module string, userID, ip, emailDomain *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conds := BlockConditions{}
	if userID != nil {
		conds.UserIDs = append(conds.UserIDs, *userID)
	}
	if ip != nil {
		conds.IPs = append(conds.IPs, *ip)
	}
	if emailDomain != nil {
		conds.EmailDomains = append(conds.EmailDomains, *emailDomain)
	}

	var affected int64
	for _, b := range m.blocks {
		if !b.IsActive || b.Module != module {
			continue
		}
		if matchesConditions(b, conds) {
			b.IsActive = false
			b.UpdatedAt = m.now()
			affected++
		}
	}
	return affected, nil
}

func (m *memoryStore) DeactivateBlocksFor(key, module string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected int64
	for _, b := range m.blocks {
		if !b.IsActive {
			continue
		}
		if key != "" && b.Key() != key {
			continue
		}
		if module != "" && b.Module != module && b.Module != shared.ModuleAll {
			continue
		}
		b.IsActive = false
		b.UpdatedAt = m.now()
		affected++
	}
	return affected, nil
}

func (m *memoryStore) InsertEvent(ev *model.RateLimitEvent, omitEmail bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, omitEmail)
	if m.failInsertEvent != nil && !omitEmail {
		return m.failInsertEvent
	}

	cp := *ev
	if omitEmail {
		cp.Email = nil
	}
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.events = append(m.events, &cp)
	return nil
}

func (m *memoryStore) filteredEvents(req dto.ListEventsRequest) []model.RateLimitEvent {
	var out []model.RateLimitEvent
	for _, ev := range m.events {
		if req.Module != "" && ev.Module != req.Module {
			continue
		}
		if req.EventType != "" && ev.EventType != req.EventType {
			continue
		}
		if req.Mode != "" && ev.Mode != req.Mode {
			continue
		}
		if req.Key != "" && ev.Key != req.Key {
			continue
		}
		if req.From != nil && ev.CreatedAt.Before(*req.From) {
			continue
		}
		if req.To != nil && ev.CreatedAt.After(*req.To) {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memoryStore) ListEvents(req dto.ListEventsRequest, limit int, after *dto.EventCursor) ([]model.RateLimitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.filteredEvents(req)
	start := 0
	if after != nil {
		for i, ev := range all {
			if ev.ID == after.ID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *memoryStore) CountEvents(req dto.ListEventsRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.filteredEvents(req))), nil
}

func (m *memoryStore) DeleteEvent(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ev := range m.events {
		if ev.ID == id {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) PurgeEvents(before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*model.RateLimitEvent
	var purged int64
	for _, ev := range m.events {
		if ev.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return purged, nil
}

func (m *memoryStore) GetUserByEmail(email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) GetUserByID(id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memoryStore) TouchUserLogin(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		u.LastLogin = &at
	}
	return nil
}

// readyConfigService builds a ConfigService bound to the store with its
// first load already completed.
func readyConfigService(store LimitStore) *ConfigService {
	svc := &ConfigService{
		store:   store,
		configs: map[string]*model.RateLimitConfig{},
		ready:   make(chan struct{}),
	}
	svc.reload()
	return svc
}

func newTestLimitService(store LimitStore) (*LimitService, *ConfigService, *EventService) {
	cfgSvc := readyConfigService(store)
	eventSvc := &EventService{store: store, cfgSvc: cfgSvc}
	limitSvc := &LimitService{store: store, cfgSvc: cfgSvc, eventSvc: eventSvc}
	return limitSvc, cfgSvc, eventSvc
}
