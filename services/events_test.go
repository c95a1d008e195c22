package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

func strp(s string) *string { return &s }

func testEvent(module string) *model.RateLimitEvent {
	now := time.Now()
	return &model.RateLimitEvent{
		ID:          newID(),
		Module:      module,
		Key:         "u-1",
		UserID:      strp("u-1"),
		IPAddress:   strp("10.0.0.1"),
		Email:       strp("user@example.com"),
		EventType:   shared.EventTypeBlock,
		Mode:        shared.ModeEnforce,
		Count:       11,
		MaxRequests: 10,
		WindowStart: now.Add(-time.Minute),
		WindowEnd:   now,
		CreatedAt:   now,
	}
}

func TestRecordEventRedactsPerPolicy(t *testing.T) {
	store := newMemoryStore()
	cfg := testConfig("chat", 10, shared.ModeEnforce)
	cfg.StoreEmailInEvents = false
	cfg.StoreIPInEvents = false
	store.configs["chat"] = cfg

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	svc.RecordEvent(testEvent("chat"))

	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
	ev := store.events[0]
	if ev.Email != nil || ev.IPAddress != nil {
		t.Fatalf("redacted fields should be nil, got email=%v ip=%v", ev.Email, ev.IPAddress)
	}
	if ev.UserID == nil {
		t.Fatal("user id is never redacted")
	}
}

func TestRecordEventRetriesWithoutEmailColumn(t *testing.T) {
	store := newMemoryStore()
	store.configs["chat"] = testConfig("chat", 10, shared.ModeEnforce)
	store.failInsertEvent = &pgconn.PgError{Code: "42703", Message: `column "email" of relation "rate_limit_events" does not exist`}

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	svc.RecordEvent(testEvent("chat"))

	if len(store.insertCalls) != 2 {
		t.Fatalf("insert calls = %d, want 2", len(store.insertCalls))
	}
	if store.insertCalls[0] || !store.insertCalls[1] {
		t.Fatalf("second attempt should omit email, calls = %v", store.insertCalls)
	}
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
	if store.events[0].Email != nil {
		t.Fatal("retried insert must not carry the email")
	}
}

func TestRecordEventSwallowsFailure(t *testing.T) {
	store := newMemoryStore()
	store.configs["chat"] = testConfig("chat", 10, shared.ModeEnforce)
	store.failInsertEvent = errors.New("connection refused")

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	// Must not panic or propagate anything.
	svc.RecordEvent(testEvent("chat"))

	if len(store.events) != 0 {
		t.Fatalf("events = %d, want 0", len(store.events))
	}
}

func TestListEventsPagination(t *testing.T) {
	store := newMemoryStore()
	base := time.Now().Truncate(time.Second)
	for i := 0; i < 7; i++ {
		ev := testEvent("chat")
		ev.Key = fmt.Sprintf("u-%d", i)
		ev.CreatedAt = base.Add(time.Duration(i) * time.Second)
		store.events = append(store.events, ev)
	}

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	seen := map[string]bool{}
	cursor := ""
	for {
		resp, err := svc.ListEvents(dto.ListEventsRequest{Module: "chat", Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Total != 7 {
			t.Fatalf("total = %d, want 7", resp.Total)
		}
		for _, ev := range resp.Items {
			if seen[ev.ID] {
				t.Fatalf("duplicate event %s", ev.ID)
			}
			seen[ev.ID] = true
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	if len(seen) != 7 {
		t.Fatalf("walked %d events, want 7", len(seen))
	}
}

func TestListEventsFilters(t *testing.T) {
	store := newMemoryStore()
	chat := testEvent("chat")
	auth := testEvent("auth")
	warning := testEvent("chat")
	warning.EventType = shared.EventTypeWarning
	store.events = append(store.events, chat, auth, warning)

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	resp, err := svc.ListEvents(dto.ListEventsRequest{Module: "chat", EventType: shared.EventTypeBlock})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != chat.ID {
		t.Fatalf("filtered items = %+v", resp.Items)
	}
}

func TestPurgeEvents(t *testing.T) {
	store := newMemoryStore()
	old := testEvent("chat")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	recent := testEvent("chat")
	store.events = append(store.events, old, recent)

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	purged, err := svc.PurgeEvents(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if len(store.events) != 1 || store.events[0].ID != recent.ID {
		t.Fatal("recent event should survive the purge")
	}
}

func TestDeleteEvent(t *testing.T) {
	store := newMemoryStore()
	ev := testEvent("chat")
	store.events = append(store.events, ev)

	cfgSvc := readyConfigService(store)
	svc := &EventService{store: store, cfgSvc: cfgSvc}

	found, err := svc.DeleteEvent(ev.ID)
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	found, err = svc.DeleteEvent(ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("second delete should report not found")
	}
}
