package http

import (
	"github.com/gin-gonic/gin"
	"github.com/vendapay/ledger-service/internal/config"
	"github.com/vendapay/ledger-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(ledger *service.LedgerService, engine *service.CommissionEngine, guard *service.LimitGuard, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, ledger, engine, guard, log)
	return r
}
