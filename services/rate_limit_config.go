package services

import (
	"fmt"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// ConfigService is the per-process policy registry. It caches policies for
// configCacheTTL, shares one in-flight reload between concurrent callers,
// and guarantees the decision engine never sees a missing policy by
// synthesizing inactive fallback rows for unknown modules.
type ConfigService struct {
	appContext.DefaultService

	store LimitStore

	mu         sync.RWMutex
	configs    map[string]*model.RateLimitConfig
	lastLoaded time.Time

	reloads       singleflight.Group
	warnedMissing sync.Map

	readyOnce sync.Once
	ready     chan struct{}
}

const RATE_LIMIT_CONFIG_SVC = "rate_limit_config_svc"

const configCacheTTL = 5 * time.Second

func (svc ConfigService) Id() string {
	return RATE_LIMIT_CONFIG_SVC
}

func (svc *ConfigService) Configure(ctx *appContext.Context) error {
	svc.configs = make(map[string]*model.RateLimitConfig)
	svc.ready = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *ConfigService) Start() error {
	if svc.store == nil {
		svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	}
	svc.EnsureFresh(true)
	return nil
}

// WaitReady blocks until the first load attempt has completed. After that
// the cache always holds at least the built-in defaults.
func (svc *ConfigService) WaitReady() {
	<-svc.ready
}

// EnsureFresh reloads the cache when forced or stale. Concurrent callers
// share a single in-flight reload instead of issuing redundant loads.
func (svc *ConfigService) EnsureFresh(force bool) {
	svc.mu.RLock()
	fresh := !force && time.Since(svc.lastLoaded) < configCacheTTL
	svc.mu.RUnlock()
	if fresh {
		return
	}

	svc.reloads.Do("reload", func() (interface{}, error) {
		svc.reload()
		return nil, nil
	})
}

// reload replaces the cache from the store, then overlays built-in
// defaults for any module with no persisted row. Defaults never override a
// persisted entry, and a failed load keeps the previous cache intact.
func (svc *ConfigService) reload() {
	configs, err := svc.store.LoadRateLimitConfigs()

	svc.mu.Lock()
	if err != nil {
		log.WithField("error", err.Error()).Error("Failed to load rate limit configs, keeping previous cache")
	} else {
		next := make(map[string]*model.RateLimitConfig, len(configs))
		for i := range configs {
			cfg := configs[i]
			next[cfg.Module] = &cfg
		}
		svc.configs = next
	}
	for module, def := range builtinDefaults() {
		if _, ok := svc.configs[module]; !ok {
			svc.configs[module] = def
		}
	}
	svc.lastLoaded = time.Now()
	svc.mu.Unlock()

	svc.readyOnce.Do(func() { close(svc.ready) })
}

func (svc *ConfigService) Get(module string) *model.RateLimitConfig {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.configs[module]
}

func (svc *ConfigService) GetAll() []model.RateLimitConfig {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	all := make([]model.RateLimitConfig, 0, len(svc.configs))
	for _, cfg := range svc.configs {
		all = append(all, *cfg)
	}
	return all
}

// EnsureFallback synthesizes and persists a conservative policy for a
// module that has neither a persisted nor a built-in one. Inactive and in
// monitor mode, so an unconfigured module never denies anything.
func (svc *ConfigService) EnsureFallback(module string) *model.RateLimitConfig {
	if cfg := svc.Get(module); cfg != nil {
		return cfg
	}

	fallback := &model.RateLimitConfig{
		Module:             module,
		MaxRequests:        100,
		WindowMs:           int64(time.Minute / time.Millisecond),
		BlockMs:            int64(time.Minute / time.Millisecond),
		WarnThreshold:      0,
		IsActive:           false,
		Mode:               shared.ModeMonitor,
		StoreEmailInEvents: true,
		StoreIPInEvents:    true,
		IsFallback:         true,
		Description:        "Auto-generated fallback policy",
	}

	if err := svc.store.UpsertRateLimitConfig(fallback); err != nil {
		log.WithFields(log.Fields{"module": module, "error": err.Error()}).
			Error("Failed to persist fallback rate limit config")
	}

	svc.mu.Lock()
	if existing, ok := svc.configs[module]; ok {
		fallback = existing
	} else {
		svc.configs[module] = fallback
	}
	svc.mu.Unlock()

	if _, warned := svc.warnedMissing.LoadOrStore(module, true); !warned {
		log.WithField("module", module).Warn("No rate limit policy configured, using inactive fallback")
	}
	return fallback
}

// Update validates and upserts a policy, then forces a reload so the
// change is visible to this process immediately.
func (svc *ConfigService) Update(module string, req dto.UpdateConfigRequest) error {
	if module == "" {
		return shared.NewValidationError("module is required")
	}
	if err := req.Validate(); err != nil {
		return shared.NewValidationError(fmt.Sprintf("invalid rate limit config: %v", err))
	}

	cfg := svc.Get(module)
	if cfg == nil {
		cfg = svc.EnsureFallback(module)
	}
	next := *cfg

	if req.MaxRequests != nil {
		next.MaxRequests = *req.MaxRequests
	}
	if req.WindowMs != nil {
		next.WindowMs = *req.WindowMs
	}
	if req.BlockMs != nil {
		next.BlockMs = *req.BlockMs
	}
	if req.WarnThreshold != nil {
		next.WarnThreshold = *req.WarnThreshold
	}
	if req.Mode != nil {
		next.Mode = *req.Mode
	}
	if req.IsActive != nil {
		next.IsActive = *req.IsActive
	}
	if req.StoreEmailInEvents != nil {
		next.StoreEmailInEvents = *req.StoreEmailInEvents
	}
	if req.StoreIPInEvents != nil {
		next.StoreIPInEvents = *req.StoreIPInEvents
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	next.IsFallback = false

	if next.MaxRequests <= 0 || next.WindowMs <= 0 || next.BlockMs <= 0 {
		return shared.NewValidationError("max_requests, window_ms and block_ms must all be positive")
	}

	if err := svc.store.UpsertRateLimitConfig(&next); err != nil {
		if shared.IsUndefinedColumn(err, "") {
			return shared.NewSchemaDriftError("rate_limit_configs", undefinedColumnName(err), err)
		}
		return err
	}

	svc.EnsureFresh(true)
	return nil
}

// undefinedColumnName pulls the column out of a pg 42703 message; best
// effort, the drift error stays actionable either way.
func undefinedColumnName(err error) string {
	msg := err.Error()
	start := -1
	for i := 0; i < len(msg); i++ {
		if msg[i] == '"' {
			if start == -1 {
				start = i + 1
			} else {
				return msg[start:i]
			}
		}
	}
	return "unknown"
}

func builtinDefaults() map[string]*model.RateLimitConfig {
	minute := int64(time.Minute / time.Millisecond)
	return map[string]*model.RateLimitConfig{
		shared.ModuleAuth: {
			Module:             shared.ModuleAuth,
			MaxRequests:        10,
			WindowMs:           15 * minute,
			BlockMs:            30 * minute,
			WarnThreshold:      2,
			IsActive:           true,
			Mode:               shared.ModeEnforce,
			StoreEmailInEvents: true,
			StoreIPInEvents:    true,
			Description:        "Login attempts rate limit",
		},
		shared.ModuleRegister: {
			Module:             shared.ModuleRegister,
			MaxRequests:        5,
			WindowMs:           15 * minute,
			BlockMs:            60 * minute,
			WarnThreshold:      1,
			IsActive:           true,
			Mode:               shared.ModeEnforce,
			StoreEmailInEvents: true,
			StoreIPInEvents:    true,
			Description:        "Registration rate limit",
		},
		shared.ModuleChat: {
			Module:             shared.ModuleChat,
			MaxRequests:        60,
			WindowMs:           minute,
			BlockMs:            10 * minute,
			WarnThreshold:      5,
			IsActive:           true,
			Mode:               shared.ModeEnforce,
			StoreEmailInEvents: false,
			StoreIPInEvents:    true,
			Description:        "Chat message rate limit",
		},
		shared.ModuleUpload: {
			Module:             shared.ModuleUpload,
			MaxRequests:        20,
			WindowMs:           60 * minute,
			BlockMs:            120 * minute,
			WarnThreshold:      3,
			IsActive:           true,
			Mode:               shared.ModeEnforce,
			StoreEmailInEvents: false,
			StoreIPInEvents:    true,
			Description:        "Listing image upload rate limit",
		},
		shared.ModuleEmail: {
			Module:             shared.ModuleEmail,
			MaxRequests:        3,
			WindowMs:           15 * minute,
			BlockMs:            60 * minute,
			WarnThreshold:      1,
			IsActive:           true,
			Mode:               shared.ModeEnforce,
			StoreEmailInEvents: true,
			StoreIPInEvents:    true,
			Description:        "Outbound email rate limit",
		},
	}
}
