package main

import (
	"github.com/codeweberdotcom/materionextjs-sub004/middleware"
	"github.com/codeweberdotcom/materionextjs-sub004/services"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Err(err).Msg("No .env file found, using system environment")
	}

	ctx, err := context.NewCtx(
		&services.PostgresService{},
		&services.RedisService{},
		&services.MinIOService{},
		&services.JWTService{},
		&middleware.AuthMiddleware{},

		&services.ConfigService{},
		&services.EventService{},
		&services.LimitService{},
		&services.BlockService{},
		&services.AuthService{},

		&services.MonitoringService{},
		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err)
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err)
		return
	}
}
