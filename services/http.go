package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/rs/zerolog/log"

	"github.com/codeweberdotcom/materionextjs-sub004/middleware"
	"github.com/codeweberdotcom/materionextjs-sub004/services/handlers"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

type HttpService struct {
	context.DefaultService

	limitSvc      *LimitService
	blockSvc      *BlockService
	eventSvc      *EventService
	cfgSvc        *ConfigService
	authSvc       *AuthService
	authMw        *middleware.AuthMiddleware
	monitoringSvc *MonitoringService

	port   int
	server *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.limitSvc = svc.Service(RATE_LIMIT_SVC).(*LimitService)
	svc.blockSvc = svc.Service(MANUAL_BLOCK_SVC).(*BlockService)
	svc.eventSvc = svc.Service(RATE_LIMIT_EVENT_SVC).(*EventService)
	svc.cfgSvc = svc.Service(RATE_LIMIT_CONFIG_SVC).(*ConfigService)
	svc.authSvc = svc.Service(AUTH_SVC).(*AuthService)
	svc.authMw = svc.Service(middleware.AUTH_MIDDLEWARE_SVC).(*middleware.AuthMiddleware)
	if monitoringSvc, ok := svc.Service(MONITORING_SVC).(*MonitoringService); ok {
		svc.monitoringSvc = monitoringSvc
	}

	app := fiber.New(fiber.Config{
		JSONEncoder:  sonic.Marshal,
		JSONDecoder:  sonic.Unmarshal,
		ErrorHandler: svc.HandleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	if svc.monitoringSvc != nil {
		app.Use(MonitoringMiddleware(svc.monitoringSvc))
	}

	app.Get("/ping", svc.ping)
	app.Get("/swagger/*", swagger.HandlerDefault)

	authHandler := handlers.NewAuthHandler(svc.authSvc)
	rlHandler := handlers.NewRateLimitHandler(svc.limitSvc, svc.blockSvc, svc.eventSvc, svc.cfgSvc)

	v1 := app.Group("/api/v1")
	v1.Get("/ping", svc.ping)
	v1.Post("/auth/login", svc.limitSvc.ModuleRateLimit(shared.ModuleAuth), authHandler.Login)

	admin := v1.Group("/admin/ratelimit",
		svc.authMw.RequiredAuth(),
		svc.authMw.RequireRole(shared.RoleAdmin),
		svc.limitSvc.UserRateLimit(shared.ModuleAdmin),
	)
	admin.Get("/configs", rlHandler.GetConfigs)
	admin.Get("/configs/:module", rlHandler.GetConfig)
	admin.Put("/configs/:module", rlHandler.UpdateConfig)
	admin.Get("/stats/:module", rlHandler.GetStats)
	admin.Get("/states", rlHandler.ListStates)
	admin.Post("/states/reset", rlHandler.ResetLimits)
	admin.Delete("/states/:stateId", rlHandler.ClearState)
	admin.Post("/blocks", rlHandler.CreateBlock)
	admin.Delete("/blocks/:blockId", rlHandler.DeleteBlock)
	admin.Get("/events", rlHandler.ListEvents)
	admin.Delete("/events/:eventId", rlHandler.DeleteEvent)
	admin.Post("/events/purge", rlHandler.PurgeEvents)
	admin.Post("/events/export", rlHandler.ExportEvents)

	svc.server = app

	log.Info().Int("port", svc.port).Msg("HTTP server starting")
	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")
	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

func (svc *HttpService) HandleError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	return shared.ResponseInternalError(c, err)
}
