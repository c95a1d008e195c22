package services

import (
	"context"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// AuthService is the login surface of the dashboard and the primary
// consumer of the auth module's rate limit: every attempt, successful or
// not, consumes quota for the caller's identity.
type AuthService struct {
	appContext.DefaultService

	store    LimitStore
	jwtSvc   *JWTService
	limitSvc *LimitService
}

const AUTH_SVC = "auth_svc"

func (svc AuthService) Id() string {
	return AUTH_SVC
}

func (svc *AuthService) Start() error {
	if svc.store == nil {
		svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	}
	if svc.jwtSvc == nil {
		svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	}
	if svc.limitSvc == nil {
		svc.limitSvc = svc.Service(RATE_LIMIT_SVC).(*LimitService)
	}
	return nil
}

func (svc *AuthService) Login(ctx context.Context, req dto.LoginRequest, clientIP string) (*dto.LoginResponse, error) {
	info, err := svc.limitSvc.CheckLimit(ctx, clientIP, shared.ModuleAuth, &dto.CheckLimitOptions{
		KeyType:   shared.KeyTypeIP,
		Email:     req.Email,
		IPAddress: clientIP,
	})
	if err != nil {
		// Limiter trouble must not lock every operator out of the dashboard.
		log.WithError(err).Warn("Rate limit check failed during login, allowing attempt")
	} else if !info.Allowed {
		return nil, shared.NewRateLimitedError("Too many login attempts. Please try again later.")
	}

	user, err := svc.store.GetUserByEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, shared.NewUnauthorizedError("Invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, shared.NewUnauthorizedError("Invalid email or password")
	}

	token, err := svc.jwtSvc.ToJWT(user.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user.LastLogin = &now
	if err := svc.store.TouchUserLogin(user.ID, now); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Warn("Failed to record login time")
	}

	return &dto.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int64(svc.jwtSvc.AccessTokenDuration.Seconds()),
		UserID:      user.ID,
		Role:        user.Role,
	}, nil
}
