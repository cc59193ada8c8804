package http

import (
	"github.com/gin-gonic/gin"
	"github.com/loomai/credits-service/internal/config"
	"github.com/loomai/credits-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(credits *service.CreditService, gen *service.GenerationService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, credits, gen, log)
	return r
}
