package services

import (
	"time"

	"github.com/google/uuid"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// applyConsume advances one counter row by a single request at time now
// and produces the decision plus any audit events. The caller owns
// exclusive access to st for the duration of the call and persists the
// mutated row afterwards.
//
// Window roll happens first: an expired window restarts the count, and an
// expired block is cleared with it. The count increments only when the
// row is not blocked, so blocked requests do not extend the block. In
// monitor mode the decision is always allowed but events are still
// emitted, which is what makes a dry-run rollout observable.
func applyConsume(st *model.RateLimitState, cfg *model.RateLimitConfig, subjects dto.EventSubjects, increment bool, now time.Time) (*dto.RateLimitInfo, []*model.RateLimitEvent) {
	var events []*model.RateLimitEvent

	if now.After(st.WindowEnd) {
		st.Count = 0
		st.WindowStart = now
		st.WindowEnd = now.Add(cfg.Window())
		if st.BlockedUntil != nil && !now.Before(*st.BlockedUntil) {
			st.BlockedUntil = nil
		}
	}

	if !st.Blocked(now) && increment {
		before := cfg.MaxRequests - st.Count
		st.Count++
		if st.Count > cfg.MaxRequests {
			blockedUntil := now.Add(cfg.BlockDuration())
			st.BlockedUntil = &blockedUntil
			events = append(events, counterEvent(st, cfg, subjects, shared.EventTypeBlock, now))
		} else if remaining := cfg.MaxRequests - st.Count; remaining > 0 && remaining <= cfg.WarnThreshold && before > cfg.WarnThreshold {
			// One warning per window, emitted at the crossing.
			events = append(events, counterEvent(st, cfg, subjects, shared.EventTypeWarning, now))
		}
	}

	remaining := cfg.MaxRequests - st.Count
	if remaining < 0 {
		remaining = 0
	}
	resetTime := st.WindowEnd
	info := &dto.RateLimitInfo{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: &resetTime,
	}
	if st.Blocked(now) {
		info.Allowed = cfg.Mode != shared.ModeEnforce
		info.Remaining = 0
		info.ResetTime = st.BlockedUntil
		info.BlockedUntil = st.BlockedUntil
	}

	st.UpdatedAt = now
	return info, events
}

func counterEvent(st *model.RateLimitState, cfg *model.RateLimitConfig, subjects dto.EventSubjects, eventType string, now time.Time) *model.RateLimitEvent {
	id, _ := uuid.NewV7()
	return &model.RateLimitEvent{
		ID:           id.String(),
		Module:       st.Module,
		Key:          st.Key,
		UserID:       subjects.UserID,
		IPAddress:    subjects.IPAddress,
		Email:        subjects.Email,
		EventType:    eventType,
		Mode:         cfg.Mode,
		Count:        st.Count,
		MaxRequests:  cfg.MaxRequests,
		WindowStart:  st.WindowStart,
		WindowEnd:    st.WindowEnd,
		BlockedUntil: st.BlockedUntil,
		CreatedAt:    now,
	}
}
