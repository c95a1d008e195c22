package model

import "time"

// RateLimitConfig is the per-module limiting policy. A fallback row is
// synthesized (inactive, monitor mode) for any module that has neither a
// persisted nor a built-in policy.
type RateLimitConfig struct {
	ID                 string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Module             string    `json:"module" gorm:"uniqueIndex;not null;size:50"`
	MaxRequests        int       `json:"max_requests" gorm:"not null"`
	WindowMs           int64     `json:"window_ms" gorm:"not null"`
	BlockMs            int64     `json:"block_ms" gorm:"not null"`
	WarnThreshold      int       `json:"warn_threshold" gorm:"default:0;not null"`
	IsActive           bool      `json:"is_active" gorm:"default:true;not null"`
	Mode               string    `json:"mode" gorm:"default:enforce;not null;size:20"`
	StoreEmailInEvents bool      `json:"store_email_in_events" gorm:"default:true;not null"`
	StoreIPInEvents    bool      `json:"store_ip_in_events" gorm:"default:true;not null"`
	IsFallback         bool      `json:"is_fallback" gorm:"default:false;not null"`
	Description        string    `json:"description" gorm:"type:text"`
	CreatedAt          time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"not null"`
}

func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

func (c *RateLimitConfig) BlockDuration() time.Duration {
	return time.Duration(c.BlockMs) * time.Millisecond
}

// RateLimitState is the counter row for one (key, module) pair in its
// current counting window.
type RateLimitState struct {
	ID           string     `json:"id" gorm:"primaryKey;type:text;not null"`
	Key          string     `json:"key" gorm:"column:identifier;uniqueIndex:idx_state_key_module;not null;size:255"`
	Module       string     `json:"module" gorm:"uniqueIndex:idx_state_key_module;not null;size:50"`
	Count        int        `json:"count" gorm:"default:0;not null"`
	WindowStart  time.Time  `json:"window_start" gorm:"not null"`
	WindowEnd    time.Time  `json:"window_end" gorm:"not null"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" gorm:"index"`
	CreatedAt    time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"not null"`
}

func (s *RateLimitState) Blocked(now time.Time) bool {
	return s.BlockedUntil != nil && now.Before(*s.BlockedUntil)
}

// ManualBlock is an operator-issued block, independent of automatic
// counters and taking precedence over them. UnblockedAt nil means
// indefinite; a passed UnblockedAt is treated as expired at read time, the
// row is never mutated by expiry alone.
type ManualBlock struct {
	ID          string     `json:"id" gorm:"primaryKey;type:text;not null"`
	Module      string     `json:"module" gorm:"not null;index;size:50"`
	UserID      *string    `json:"user_id,omitempty" gorm:"index;size:255"`
	IPAddress   *string    `json:"ip_address,omitempty" gorm:"index;size:64"`
	EmailDomain *string    `json:"email_domain,omitempty" gorm:"size:255"`
	Reason      string     `json:"reason" gorm:"type:text;not null"`
	Notes       string     `json:"notes,omitempty" gorm:"type:text"`
	BlockedBy   string     `json:"blocked_by" gorm:"size:255"`
	BlockedAt   time.Time  `json:"blocked_at" gorm:"not null"`
	UnblockedAt *time.Time `json:"unblocked_at,omitempty"`
	IsActive    bool       `json:"is_active" gorm:"default:true;not null;index"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"not null"`
}

func (b *ManualBlock) Expired(now time.Time) bool {
	return b.UnblockedAt != nil && !now.Before(*b.UnblockedAt)
}

// Key returns the counter key this block maps onto, preferring the user id.
func (b *ManualBlock) Key() string {
	if b.UserID != nil && *b.UserID != "" {
		return *b.UserID
	}
	if b.IPAddress != nil && *b.IPAddress != "" {
		return *b.IPAddress
	}
	return ""
}

// RateLimitEvent is an append-only audit row for a warning or block
// decision. Never updated; deletable only through the admin purge.
type RateLimitEvent struct {
	ID           string     `json:"id" gorm:"primaryKey;type:text;not null"`
	Module       string     `json:"module" gorm:"not null;index;size:50"`
	Key          string     `json:"key" gorm:"column:identifier;not null;index;size:255"`
	UserID       *string    `json:"user_id,omitempty" gorm:"size:255"`
	IPAddress    *string    `json:"ip_address,omitempty" gorm:"size:64"`
	Email        *string    `json:"email,omitempty" gorm:"size:255"`
	EventType    string     `json:"event_type" gorm:"not null;index;size:20"`
	Mode         string     `json:"mode" gorm:"not null;size:20"`
	Count        int        `json:"count" gorm:"not null"`
	MaxRequests  int        `json:"max_requests" gorm:"not null"`
	WindowStart  time.Time  `json:"window_start" gorm:"not null"`
	WindowEnd    time.Time  `json:"window_end" gorm:"not null"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at" gorm:"not null;index"`
}
