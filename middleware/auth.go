package middleware

import (
	"net/http"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"

	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

// TokenVerifier is the slice of the JWT service the auth gate needs.
type TokenVerifier interface {
	ExtractTokenFromHeader(authHeader string) (string, error)
	VerifyJWTToken(token string) (string, error)
}

// UserResolver resolves the caller's account for role checks.
type UserResolver interface {
	GetUserByID(id string) (*model.User, error)
}

type AuthMiddleware struct {
	context.DefaultService

	users  UserResolver
	jwtSvc TokenVerifier
}

const (
	AUTH_MIDDLEWARE_SVC = "auth"

	jwtSvcID   = "jwt_svc"
	storeSvcID = "postgres_svc"
)

func (svc AuthMiddleware) Id() string {
	return AUTH_MIDDLEWARE_SVC
}

func (svc *AuthMiddleware) Start() error {
	if svc.jwtSvc == nil {
		svc.jwtSvc = svc.Service(jwtSvcID).(TokenVerifier)
	}
	if svc.users == nil {
		svc.users = svc.Service(storeSvcID).(UserResolver)
	}
	return nil
}

func (svc *AuthMiddleware) RequiredAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		token, err := svc.jwtSvc.ExtractTokenFromHeader(authHeader)
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", err.Error())
		}

		userID, err := svc.jwtSvc.VerifyJWTToken(token)
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Invalid JWT token")
		}

		if userID == "" {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Invalid user ID in token")
		}

		c.Locals(shared.UserID, userID)
		return c.Next()
	}
}

// RequireRole gates a route on the caller's stored role. Must run after
// RequiredAuth.
func (svc *AuthMiddleware) RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals(shared.UserID).(string)
		if !ok || userID == "" {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Missing authentication")
		}

		user, err := svc.users.GetUserByID(userID)
		if err != nil || user == nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Unknown user")
		}

		if user.Role != role {
			return shared.ResponseJSON(c, http.StatusForbidden, "Forbidden", "Insufficient permissions")
		}

		return c.Next()
	}
}
