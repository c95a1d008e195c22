package handlers

import (
	"context"
	"time"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
)

type LimitServiceInterface interface {
	CheckLimit(ctx context.Context, key, module string, opts *dto.CheckLimitOptions) (*dto.RateLimitInfo, error)
	GetStats(module string) (*dto.RateLimitStats, error)
	ListStates(req dto.ListStatesRequest) (*dto.ListStatesResponse, error)
}

type BlockServiceInterface interface {
	CreateManualBlock(ctx context.Context, req *dto.CreateManualBlockRequest, blockedBy string) (*model.ManualBlock, error)
	DeactivateManualBlock(ctx context.Context, blockID string) (bool, error)
	ResetLimits(ctx context.Context, req *dto.ResetLimitsRequest) (int64, error)
	ClearState(ctx context.Context, stateID string) (bool, error)
}

type EventServiceInterface interface {
	ListEvents(req dto.ListEventsRequest) (*dto.ListEventsResponse, error)
	DeleteEvent(id string) (bool, error)
	PurgeEvents(before time.Time) (int64, error)
	ExportEvents(ctx context.Context, req dto.ListEventsRequest) (*dto.ExportEventsResponse, error)
}

type ConfigServiceInterface interface {
	GetAll() []model.RateLimitConfig
	Get(module string) *model.RateLimitConfig
	Update(module string, req dto.UpdateConfigRequest) error
}

type AuthServiceInterface interface {
	Login(ctx context.Context, req dto.LoginRequest, clientIP string) (*dto.LoginResponse, error)
}
