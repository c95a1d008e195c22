package services

import (
	"context"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// BlockService owns the manual side of the mitigation ledger: operator
// issued blocks, unblocks, and counter resets.
type BlockService struct {
	appContext.DefaultService

	store    LimitStore
	redisSvc *RedisService
}

const MANUAL_BLOCK_SVC = "manual_block_svc"

func (svc BlockService) Id() string {
	return MANUAL_BLOCK_SVC
}

func (svc *BlockService) Start() error {
	if svc.store == nil {
		svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	}
	if svc.redisSvc == nil {
		if redisSvc, ok := svc.Service(REDIS_SVC).(*RedisService); ok {
			svc.redisSvc = redisSvc
		}
	}
	return nil
}

// CreateManualBlock supersedes any existing active block for the same
// identity and module before inserting the new one, so each identity has
// at most one active block per module.
func (svc *BlockService) CreateManualBlock(ctx context.Context, req *dto.CreateManualBlockRequest, blockedBy string) (*model.ManualBlock, error) {
	if req.UserID == "" && req.IPAddress == "" {
		return nil, shared.NewValidationError("either userId or ipAddress is required")
	}
	if req.Module == "" {
		req.Module = shared.ModuleAll
	}

	now := time.Now()
	block := &model.ManualBlock{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Module:    req.Module,
		Reason:    req.Reason,
		Notes:     req.Notes,
		BlockedBy: blockedBy,
		BlockedAt: now,
		IsActive:  true,
	}

	if req.UserID != "" {
		userID := req.UserID
		block.UserID = &userID
	}
	if req.IPAddress != "" {
		ip := req.IPAddress
		block.IPAddress = &ip
	}
	if req.Email != "" {
		if domain := emailDomain(req.Email); domain != "" {
			block.EmailDomain = &domain
		}
	}
	if req.DurationMs > 0 {
		until := now.Add(time.Duration(req.DurationMs) * time.Millisecond)
		block.UnblockedAt = &until
	}

	superseded, err := svc.store.DeactivateBlocksMatching(req.Module, block.UserID, block.IPAddress, block.EmailDomain)
	if err != nil {
		return nil, err
	}
	if superseded > 0 {
		log.WithFields(log.Fields{
			"module":     req.Module,
			"superseded": superseded,
		}).Info("Superseded existing manual blocks")
	}

	if err := svc.store.CreateBlock(block); err != nil {
		return nil, err
	}

	svc.invalidateBlockCache(ctx)
	return block, nil
}

// DeactivateManualBlock is idempotent: an already inactive block reports
// success without touching anything.
func (svc *BlockService) DeactivateManualBlock(ctx context.Context, blockID string) (bool, error) {
	block, err := svc.store.GetBlock(blockID)
	if err != nil {
		return false, err
	}
	if block == nil {
		return false, nil
	}
	if !block.IsActive {
		return true, nil
	}

	if err := svc.store.DeactivateBlock(blockID); err != nil {
		return false, err
	}

	// Unblocking also forgives accumulated counters so the identity gets a
	// clean window instead of an immediate automatic re-block.
	key := block.Key()
	if key != "" {
		module := block.Module
		if module == shared.ModuleAll {
			module = ""
		}
		if _, err := svc.store.ResetCounters(key, module); err != nil {
			log.WithError(err).WithField("block_id", blockID).Warn("Failed to reset counters after unblock")
		}
	}

	svc.invalidateBlockCache(ctx)
	return true, nil
}

// ResetLimits clears counter state for a key, a module, or both. A global
// wipe needs the confirm flag so a blank form cannot erase everything.
func (svc *BlockService) ResetLimits(ctx context.Context, req *dto.ResetLimitsRequest) (int64, error) {
	if req.Key == "" && req.Module == "" && !req.Confirm {
		return 0, shared.NewValidationError("global reset requires confirm=true")
	}

	module := req.Module
	if module == shared.ModuleAll {
		module = ""
	}

	cleared, err := svc.store.ResetCounters(req.Key, module)
	if err != nil {
		return 0, err
	}

	// A reset lifts manual blocks in scope as well: afterwards the subject
	// checks against a full window again.
	if _, err := svc.store.DeactivateBlocksFor(req.Key, module); err != nil {
		return 0, err
	}

	svc.invalidateBlockCache(ctx)
	return cleared, nil
}

// ClearState resolves an opaque state id against both sources: counter
// rows first, then manual blocks.
func (svc *BlockService) ClearState(ctx context.Context, stateID string) (bool, error) {
	counter, err := svc.store.GetCounterByID(stateID)
	if err != nil {
		return false, err
	}
	if counter != nil {
		if _, err := svc.store.ResetCounters(counter.Key, counter.Module); err != nil {
			return false, err
		}
		if _, err := svc.store.DeactivateBlocksFor(counter.Key, counter.Module); err != nil {
			log.WithError(err).WithField("state_id", stateID).Warn("Failed to deactivate blocks during state clear")
		}
		svc.invalidateBlockCache(ctx)
		return true, nil
	}

	block, err := svc.store.GetBlock(stateID)
	if err != nil {
		return false, err
	}
	if block == nil {
		return false, nil
	}
	return svc.DeactivateManualBlock(ctx, stateID)
}

func (svc *BlockService) invalidateBlockCache(ctx context.Context) {
	if svc.redisSvc == nil {
		return
	}
	svc.redisSvc.DelPattern(ctx, "ratelimit:blocks:*")
}
