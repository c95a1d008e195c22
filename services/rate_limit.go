package services

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// LimitService is the decision engine gating sensitive actions. Manual
// blocks always win over counters; inactive modules are pure pass-through;
// everything else goes through the store's atomic consume.
type LimitService struct {
	appContext.DefaultService

	store    LimitStore
	cfgSvc   *ConfigService
	eventSvc *EventService
	redisSvc *RedisService
}

const RATE_LIMIT_SVC = "rate_limit_svc"

const blockCacheTTL = 2 * time.Second

func (svc LimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *LimitService) Start() error {
	if svc.store == nil {
		svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	}
	if svc.cfgSvc == nil {
		svc.cfgSvc = svc.Service(RATE_LIMIT_CONFIG_SVC).(*ConfigService)
	}
	if svc.eventSvc == nil {
		svc.eventSvc = svc.Service(RATE_LIMIT_EVENT_SVC).(*EventService)
	}
	if svc.redisSvc == nil {
		if redisSvc, ok := svc.Service(REDIS_SVC).(*RedisService); ok {
			svc.redisSvc = redisSvc
		}
	}
	return nil
}

// ==================== CORE DECISION ====================

func (svc *LimitService) CheckLimit(ctx context.Context, key, module string, opts *dto.CheckLimitOptions) (*dto.RateLimitInfo, error) {
	if key == "" || module == "" {
		return nil, shared.NewValidationError("key and module are required")
	}
	if opts == nil {
		opts = &dto.CheckLimitOptions{}
	}

	// No decision before the registry's first load has completed.
	svc.cfgSvc.WaitReady()
	svc.cfgSvc.EnsureFresh(false)

	now := time.Now()

	conds := svc.blockConditions(key, opts)
	blocks, err := svc.lookupBlocks(ctx, module, conds)
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		info := manualBlockInfo(blocks, now)
		observeCheck(module, "denied_manual")
		return info, nil
	}

	cfg := svc.cfgSvc.Get(module)
	if cfg == nil {
		cfg = svc.cfgSvc.EnsureFallback(module)
	}

	if !cfg.IsActive {
		resetTime := now.Add(cfg.Window())
		observeCheck(module, "bypassed")
		return &dto.RateLimitInfo{
			Allowed:   true,
			Remaining: cfg.MaxRequests,
			ResetTime: &resetTime,
		}, nil
	}

	subjects := redactSubjects(cfg, opts)
	start := time.Now()
	info, err := svc.store.ConsumeCounter(ctx, key, module, cfg, !opts.DryRun, subjects, svc.eventSvc.RecordEvent)
	if err != nil {
		return nil, err
	}
	observeConsume(module, time.Since(start))

	if info.Allowed {
		observeCheck(module, "allowed")
	} else {
		observeCheck(module, "denied")
	}
	return info, nil
}

// blockConditions expands the request into every identity a manual block
// could have been issued against: the key itself, the explicit user/ip,
// and the email's owning user plus its domain.
func (svc *LimitService) blockConditions(key string, opts *dto.CheckLimitOptions) BlockConditions {
	var conds BlockConditions

	if opts.KeyType == shared.KeyTypeIP {
		conds.IPs = append(conds.IPs, key)
	} else {
		conds.UserIDs = append(conds.UserIDs, key)
	}
	if opts.UserID != "" && opts.UserID != key {
		conds.UserIDs = append(conds.UserIDs, opts.UserID)
	}
	if opts.IPAddress != "" && opts.IPAddress != key {
		conds.IPs = append(conds.IPs, opts.IPAddress)
	}
	if opts.Email != "" {
		if owner, err := svc.store.GetUserByEmail(opts.Email); err == nil && owner != nil {
			conds.UserIDs = append(conds.UserIDs, owner.ID)
		}
		if domain := emailDomain(opts.Email); domain != "" {
			conds.EmailDomains = append(conds.EmailDomains, domain)
		}
	}
	return conds
}

func (svc *LimitService) lookupBlocks(ctx context.Context, module string, conds BlockConditions) ([]model.ManualBlock, error) {
	if conds.Empty() {
		return nil, nil
	}

	cacheKey := blockCacheKey(module, conds)
	if svc.redisSvc != nil {
		if raw, ok := svc.redisSvc.Get(ctx, cacheKey); ok {
			var cached []model.ManualBlock
			if err := sonic.UnmarshalString(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	blocks, err := svc.store.ActiveBlocksMatching(module, conds)
	if err != nil {
		return nil, err
	}

	if svc.redisSvc != nil {
		if raw, err := sonic.MarshalString(blocks); err == nil {
			svc.redisSvc.Set(ctx, cacheKey, raw, blockCacheTTL)
		}
	}
	return blocks, nil
}

func blockCacheKey(module string, conds BlockConditions) string {
	parts := make([]string, 0, len(conds.UserIDs)+len(conds.IPs)+len(conds.EmailDomains))
	parts = append(parts, conds.UserIDs...)
	parts = append(parts, conds.IPs...)
	parts = append(parts, conds.EmailDomains...)
	return "ratelimit:blocks:" + module + ":" + strings.Join(parts, ",")
}

// manualBlockInfo denies with the block's expiry, or a 24h horizon for
// indefinite blocks.
func manualBlockInfo(blocks []model.ManualBlock, now time.Time) *dto.RateLimitInfo {
	var until *time.Time
	indefinite := false
	for i := range blocks {
		if blocks[i].UnblockedAt == nil {
			indefinite = true
			continue
		}
		if until == nil || blocks[i].UnblockedAt.After(*until) {
			until = blocks[i].UnblockedAt
		}
	}

	resetTime := now.Add(24 * time.Hour)
	if !indefinite && until != nil {
		resetTime = *until
	}
	info := &dto.RateLimitInfo{
		Allowed:   false,
		Remaining: 0,
		ResetTime: &resetTime,
	}
	if !indefinite {
		info.BlockedUntil = until
	}
	return info
}

func redactSubjects(cfg *model.RateLimitConfig, opts *dto.CheckLimitOptions) dto.EventSubjects {
	var subjects dto.EventSubjects
	if opts.UserID != "" {
		userID := opts.UserID
		subjects.UserID = &userID
	}
	if opts.Email != "" && cfg.StoreEmailInEvents {
		email := opts.Email
		subjects.Email = &email
	}
	if opts.IPAddress != "" && cfg.StoreIPInEvents {
		ip := opts.IPAddress
		subjects.IPAddress = &ip
	}
	return subjects
}

func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}

// ==================== STATS ====================

func (svc *LimitService) GetStats(module string) (*dto.RateLimitStats, error) {
	svc.cfgSvc.WaitReady()
	svc.cfgSvc.EnsureFresh(false)

	cfg := svc.cfgSvc.Get(module)
	if cfg == nil {
		return nil, nil
	}

	totalRequests, blockedCount, activeWindows, err := svc.store.CounterStats(module)
	if err != nil {
		return nil, err
	}

	return &dto.RateLimitStats{
		Module:        module,
		Config:        cfg,
		TotalRequests: totalRequests,
		BlockedCount:  blockedCount,
		ActiveWindows: activeWindows,
	}, nil
}

// ==================== MIDDLEWARE ====================

// ModuleRateLimit gates a route group on the named module, keyed by client
// IP. Errors never block the caller; abuse mitigation failing open beats
// the dashboard failing closed.
func (svc *LimitService) ModuleRateLimit(module string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getClientIP(c)

		info, err := svc.CheckLimit(c.UserContext(), ip, module, &dto.CheckLimitOptions{
			KeyType:   shared.KeyTypeIP,
			IPAddress: ip,
		})
		if err != nil {
			log.Printf("Rate limit check error for %s (%s): %v", module, ip, err)
			return c.Next()
		}

		addRateLimitHeaders(c, info)

		if !info.Allowed {
			return rateLimitExceeded(c, module, info)
		}
		return c.Next()
	}
}

// UserRateLimit keys on the authenticated user, falling back to IP.
func (svc *LimitService) UserRateLimit(module string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := ""
		keyType := shared.KeyTypeUser
		if userID, ok := c.Locals(shared.UserID).(string); ok && userID != "" {
			key = userID
		} else {
			key = getClientIP(c)
			keyType = shared.KeyTypeIP
		}

		info, err := svc.CheckLimit(c.UserContext(), key, module, &dto.CheckLimitOptions{
			KeyType:   keyType,
			IPAddress: getClientIP(c),
		})
		if err != nil {
			log.Printf("Rate limit check error for %s (%s): %v", module, key, err)
			return c.Next()
		}

		addRateLimitHeaders(c, info)

		if !info.Allowed {
			return rateLimitExceeded(c, module, info)
		}
		return c.Next()
	}
}

func addRateLimitHeaders(c *fiber.Ctx, info *dto.RateLimitInfo) {
	if info == nil {
		return
	}

	if info.Remaining >= 0 {
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}
	if info.ResetTime != nil {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
	if info.BlockedUntil != nil {
		retryAfter := int(time.Until(*info.BlockedUntil).Seconds())
		if retryAfter > 0 {
			c.Set("Retry-After", strconv.Itoa(retryAfter))
		}
	}
}

func rateLimitExceeded(c *fiber.Ctx, module string, info *dto.RateLimitInfo) error {
	response := map[string]interface{}{
		"error":  "Rate limit exceeded",
		"module": module,
	}
	if info.BlockedUntil != nil {
		response["blocked_until"] = info.BlockedUntil.Unix()
		response["retry_after"] = int(time.Until(*info.BlockedUntil).Seconds())
	}
	return shared.ResponseJSON(c, http.StatusTooManyRequests, "Too many requests. Please try again later.", response)
}

func getClientIP(c *fiber.Ctx) string {
	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if cfIP := c.Get("CF-Connecting-IP"); cfIP != "" {
		return cfIP
	}

	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}
	return ip
}
