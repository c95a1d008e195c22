package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// EventService appends the immutable audit trail of warning and block
// decisions. Recording is strictly best-effort: a failed audit write never
// changes the outcome of the limit decision that produced it.
type EventService struct {
	appContext.DefaultService

	store    LimitStore
	cfgSvc   *ConfigService
	minioSvc *MinIOService
}

const RATE_LIMIT_EVENT_SVC = "rate_limit_event_svc"

const exportMaxRows = 10000

func (svc EventService) Id() string {
	return RATE_LIMIT_EVENT_SVC
}

func (svc *EventService) Start() error {
	if svc.store == nil {
		svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	}
	if svc.cfgSvc == nil {
		svc.cfgSvc = svc.Service(RATE_LIMIT_CONFIG_SVC).(*ConfigService)
	}
	if svc.minioSvc == nil {
		svc.minioSvc = svc.Service(MINIO_SVC).(*MinIOService)
	}
	return nil
}

// RecordEvent redacts subject fields per the owning module's policy and
// appends the event. An insert rejected because an older deployment's audit
// table has no email column is retried once without that field.
func (svc *EventService) RecordEvent(ev *model.RateLimitEvent) {
	if ev == nil {
		return
	}

	if cfg := svc.cfgSvc.Get(ev.Module); cfg != nil {
		if !cfg.StoreEmailInEvents {
			ev.Email = nil
		}
		if !cfg.StoreIPInEvents {
			ev.IPAddress = nil
		}
	}

	err := svc.store.InsertEvent(ev, false)
	if err != nil && shared.IsUndefinedColumn(err, "email") {
		log.WithField("module", ev.Module).
			Warn("Audit table is missing the email column, inserting without it - run the pending migration")
		err = svc.store.InsertEvent(ev, true)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"module":     ev.Module,
			"event_type": ev.EventType,
			"error":      err.Error(),
		}).Error("Failed to record rate limit event")
		return
	}
	observeEvent(ev.Module, ev.EventType)
}

func (svc *EventService) ListEvents(req dto.ListEventsRequest) (*dto.ListEventsResponse, error) {
	limit := req.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	cursor := dto.DecodeEventCursor(req.Cursor)
	events, err := svc.store.ListEvents(req, limit+1, cursor)
	if err != nil {
		return nil, err
	}

	total, err := svc.store.CountEvents(req)
	if err != nil {
		return nil, err
	}

	resp := &dto.ListEventsResponse{Total: total}
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		next := dto.EventCursor{CreatedAtMs: last.CreatedAt.UnixMilli(), ID: last.ID}
		resp.NextCursor = next.Encode()
	}
	resp.Items = events
	return resp, nil
}

func (svc *EventService) DeleteEvent(id string) (bool, error) {
	return svc.store.DeleteEvent(id)
}

// PurgeEvents is the one sanctioned way to remove audit rows in bulk.
func (svc *EventService) PurgeEvents(before time.Time) (int64, error) {
	return svc.store.PurgeEvents(before)
}

// ExportEvents snapshots the filtered events to a CSV object in the
// evidence bucket and returns its name.
func (svc *EventService) ExportEvents(ctx context.Context, req dto.ListEventsRequest) (*dto.ExportEventsResponse, error) {
	events, err := svc.store.ListEvents(req, exportMaxRows, nil)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"id", "module", "key", "user_id", "ip_address", "email", "event_type", "mode", "count", "max_requests", "window_start", "window_end", "blocked_until", "created_at"})
	for _, ev := range events {
		_ = w.Write([]string{
			ev.ID,
			ev.Module,
			ev.Key,
			strPtr(ev.UserID),
			strPtr(ev.IPAddress),
			strPtr(ev.Email),
			ev.EventType,
			ev.Mode,
			strconv.Itoa(ev.Count),
			strconv.Itoa(ev.MaxRequests),
			ev.WindowStart.UTC().Format(time.RFC3339),
			ev.WindowEnd.UTC().Format(time.RFC3339),
			timePtr(ev.BlockedUntil),
			ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	object := fmt.Sprintf("rate-limit-events/%s.csv", time.Now().UTC().Format("2006-01-02T150405Z"))
	if err := svc.minioSvc.Upload(ctx, object, buf.Bytes(), "text/csv"); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"object": object, "count": len(events)}).Info("Exported rate limit events")
	return &dto.ExportEventsResponse{Object: object, Count: len(events)}, nil
}

func strPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
