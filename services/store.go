package services

import (
	"context"
	"time"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
)

// EventRecorder receives audit events emitted inside a counter consume.
// Implementations must never fail the consume: recording errors are logged
// and swallowed by the recorder itself.
type EventRecorder func(ev *model.RateLimitEvent)

// BlockConditions is the identity set a manual-block lookup matches
// against. A block matches when any of its identity fields appears in the
// corresponding list.
type BlockConditions struct {
	UserIDs      []string
	IPs          []string
	EmailDomains []string
}

func (c BlockConditions) Empty() bool {
	return len(c.UserIDs) == 0 && len(c.IPs) == 0 && len(c.EmailDomains) == 0
}

// LimitStore is the persistence contract of the abuse-mitigation core.
// PostgresService implements it; tests substitute an in-memory fake.
type LimitStore interface {
	LoadRateLimitConfigs() ([]model.RateLimitConfig, error)
	UpsertRateLimitConfig(cfg *model.RateLimitConfig) error

	ConsumeCounter(ctx context.Context, key, module string, cfg *model.RateLimitConfig, increment bool, subjects dto.EventSubjects, record EventRecorder) (*dto.RateLimitInfo, error)
	GetCounterByID(id string) (*model.RateLimitState, error)
	CounterExists(key, module string) (bool, error)
	ListCounters(module, search string, limit int, afterID string) ([]model.RateLimitState, error)
	CountCounters(module, search string) (int64, error)
	ResetCounters(key, module string) (int64, error)
	CounterStats(module string) (totalRequests, blockedCount, activeWindows int64, err error)

	ActiveBlocksMatching(module string, conds BlockConditions) ([]model.ManualBlock, error)
	ListActiveBlocks(module, search string) ([]model.ManualBlock, error)
	CountActiveBlocks(module, search string) (int64, error)
	CreateBlock(block *model.ManualBlock) error
	GetBlock(id string) (*model.ManualBlock, error)
	DeactivateBlock(id string) error
	DeactivateBlocksMatching(module string, userID, ip, emailDomain *string) (int64, error)
	DeactivateBlocksFor(key, module string) (int64, error)

	InsertEvent(ev *model.RateLimitEvent, omitEmail bool) error
	ListEvents(req dto.ListEventsRequest, limit int, after *dto.EventCursor) ([]model.RateLimitEvent, error)
	CountEvents(req dto.ListEventsRequest) (int64, error)
	DeleteEvent(id string) (bool, error)
	PurgeEvents(before time.Time) (int64, error)

	GetUserByEmail(email string) (*model.User, error)
	GetUserByID(id string) (*model.User, error)
	TouchUserLogin(id string, at time.Time) error
}
