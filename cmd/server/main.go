package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vendapay/ledger-service/internal/config"
	"github.com/vendapay/ledger-service/internal/logger"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/repo"
	"github.com/vendapay/ledger-service/internal/service"
	httptransport "github.com/vendapay/ledger-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{},
		&model.Transaction{},
		&model.Commission{},
		&model.Referral{},
		&model.Setting{},
		&model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log).
		WithCacheTTLs(cfg.Ledger.BalanceCacheTTL(), cfg.Ledger.SettingCacheTTL())
	ledger := service.NewLedgerService(repository, log)
	engine := service.NewCommissionEngine(repository, ledger, log)
	guard := service.NewLimitGuard(repository, log)

	// 7. gin router
	router := httptransport.NewRouter(ledger, engine, guard, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("ledger-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
