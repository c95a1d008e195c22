package dto

import (
	"time"

	"github.com/codeweberdotcom/materionextjs-sub004/model"
)

type RateLimitInfo struct {
	Allowed      bool       `json:"allowed"`
	Remaining    int        `json:"remaining"`
	ResetTime    *time.Time `json:"reset_time,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// CheckLimitOptions carries the optional identity fields of a limit check.
// DryRun reads the current state without consuming quota.
type CheckLimitOptions struct {
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	KeyType   string `json:"key_type,omitempty" validate:"omitempty,oneof=user ip"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

type CheckLimitRequest struct {
	Key    string `json:"key" validate:"required,max=255"`
	Module string `json:"module" validate:"required,max=50"`
	CheckLimitOptions
}

func (r CheckLimitRequest) Validate() error {
	return GetValidator().Struct(r)
}

// EventSubjects are the identity fields attached to audit events, already
// filtered by the module's redaction flags.
type EventSubjects struct {
	UserID    *string
	Email     *string
	IPAddress *string
}

type RateLimitStats struct {
	Module        string                 `json:"module"`
	Config        *model.RateLimitConfig `json:"config"`
	TotalRequests int64                  `json:"total_requests"`
	BlockedCount  int64                  `json:"blocked_count"`
	ActiveWindows int64                  `json:"active_windows"`
}

type UpdateConfigRequest struct {
	MaxRequests        *int    `json:"max_requests,omitempty" validate:"omitempty,gt=0"`
	WindowMs           *int64  `json:"window_ms,omitempty" validate:"omitempty,gt=0"`
	BlockMs            *int64  `json:"block_ms,omitempty" validate:"omitempty,gt=0"`
	WarnThreshold      *int    `json:"warn_threshold,omitempty" validate:"omitempty,gte=0"`
	Mode               *string `json:"mode,omitempty" validate:"omitempty,oneof=monitor enforce"`
	IsActive           *bool   `json:"is_active,omitempty"`
	StoreEmailInEvents *bool   `json:"store_email_in_events,omitempty"`
	StoreIPInEvents    *bool   `json:"store_ip_in_events,omitempty"`
	Description        *string `json:"description,omitempty"`
}

func (r UpdateConfigRequest) Validate() error {
	return GetValidator().Struct(r)
}

type CreateManualBlockRequest struct {
	Module     string `json:"module" validate:"required,max=50"`
	Reason     string `json:"reason" validate:"required"`
	UserID     string `json:"user_id,omitempty"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	IPAddress  string `json:"ip_address,omitempty"`
	Notes      string `json:"notes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
}

func (r CreateManualBlockRequest) Validate() error {
	return GetValidator().Struct(r)
}

type ResetLimitsRequest struct {
	Key    string `json:"key,omitempty"`
	Module string `json:"module,omitempty"`
	// Confirm is required when both key and module are empty: a global
	// reset must be explicit caller intent, never an accidental default.
	Confirm bool `json:"confirm,omitempty"`
}

type ListStatesRequest struct {
	Module string `json:"module,omitempty"`
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// StateItem is one row of the merged state feed. Automatic entries come
// from counter rows, manual entries from operator blocks with no counter
// row covering the same (key, module) pair.
type StateItem struct {
	Source       string             `json:"source"`
	ID           string             `json:"id"`
	Key          string             `json:"key"`
	Module       string             `json:"module"`
	Count        int                `json:"count,omitempty"`
	WindowStart  *time.Time         `json:"window_start,omitempty"`
	WindowEnd    *time.Time         `json:"window_end,omitempty"`
	BlockedUntil *time.Time         `json:"blocked_until,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ActiveBlock  *model.ManualBlock `json:"active_block,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	BlockedBy    string             `json:"blocked_by,omitempty"`
}

type ListStatesResponse struct {
	Items       []StateItem `json:"items"`
	TotalStates int64       `json:"total_states"`
	TotalManual int64       `json:"total_manual"`
	Total       int64       `json:"total"`
	NextCursor  string      `json:"next_cursor,omitempty"`
}

type ListEventsRequest struct {
	Module    string     `json:"module,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Mode      string     `json:"mode,omitempty"`
	Key       string     `json:"key,omitempty"`
	Search    string     `json:"search,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Cursor    string     `json:"cursor,omitempty"`
}

type ListEventsResponse struct {
	Items      []model.RateLimitEvent `json:"items"`
	Total      int64                  `json:"total"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type ExportEventsResponse struct {
	Object string `json:"object"`
	Count  int    `json:"count"`
}
