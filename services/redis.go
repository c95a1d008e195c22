package services

import (
	"context"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisService is a best-effort cache in front of the manual-block lookup.
// When redis is unreachable every lookup falls through to Postgres.
type RedisService struct {
	appContext.DefaultService
	redis   *redis.Client
	enabled bool
}

const REDIS_SVC = "redis_svc"

func (svc RedisService) Id() string {
	return REDIS_SVC
}

func (svc *RedisService) Configure(ctx *appContext.Context) error {
	svc.initRedisClient()
	return svc.DefaultService.Configure(ctx)
}

func (svc *RedisService) Start() error {
	if svc.redis != nil {
		ctx := context.Background()
		if _, err := svc.redis.Ping(ctx).Result(); err != nil {
			log.WithField("error", err.Error()).Warn("Redis unreachable, block-lookup cache disabled")
			svc.enabled = false
			return nil
		}
		svc.enabled = true
	}
	return nil
}

func (svc *RedisService) Shutdown() {
	if svc.redis != nil {
		svc.redis.Close()
	}
}

func (svc *RedisService) initRedisClient() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")

	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			redisDB = db
		}
	}

	svc.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
}

func (svc *RedisService) Enabled() bool {
	return svc.enabled
}

func (svc *RedisService) Get(ctx context.Context, key string) (string, bool) {
	if !svc.enabled {
		return "", false
	}
	val, err := svc.redis.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (svc *RedisService) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if !svc.enabled {
		return
	}
	if err := svc.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		log.WithField("error", err.Error()).Debug("Redis set failed")
	}
}

// DelPattern drops every key matching pattern. Only used on rare admin
// mutations, so KEYS is acceptable here.
func (svc *RedisService) DelPattern(ctx context.Context, pattern string) {
	if !svc.enabled {
		return
	}
	keys, err := svc.redis.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	if err := svc.redis.Del(ctx, keys...).Err(); err != nil {
		log.WithField("error", err.Error()).Debug("Redis delete failed")
	}
}
