package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"coinledger/internal/config"
	"coinledger/internal/gateway"
	"coinledger/internal/gateway/paypal"
	"coinledger/internal/handler"
	"coinledger/internal/infrastructure/cache"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/infrastructure/mq"
	"coinledger/internal/job"
	"coinledger/internal/logger"
	"coinledger/internal/metrics"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/pkg/idgen"
)

func main() {
	configPath := os.Getenv("COINLEDGER_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg := config.LoadConfig(configPath)
	logger.New(cfg.Log)

	idgen.Init(1)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// 存储
	var (
		store repository.Store
		db    *gorm.DB
	)
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		log.Warn().Msg("使用内存存储，重启后数据丢失")
		store = repository.NewMemoryStore()
	default:
		var err error
		db, err = database.InitMySQL(&cfg.MySQL)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化 MySQL 失败")
		}
		defer database.Close(db)
		store = repository.NewGormStore(db)
	}

	// Redis 订单锁可选，不可用时只靠数据库行锁
	var locker service.OrderLocker
	if cfg.Redis.Enabled {
		rdb, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis 不可用，结算不使用订单锁")
		} else {
			defer rdb.Close()
			locker = lock.NewOrderLocker(rdb)
		}
	}

	var producer *mq.Producer
	if cfg.Kafka.Enabled {
		var err error
		producer, err = mq.InitKafka(&cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化 Kafka 失败")
		}
		defer producer.Close()
	} else {
		log.Warn().Msg("Kafka 未启用，不写入事件消息")
		cfg.Kafka.Topic = config.KafkaTopicConfig{}
	}

	paypalClient, err := paypal.NewClient(cfg.PayPal, cfg.CircuitBreaker, m)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化 PayPal 客户端失败")
	}
	checkGatewayCredentials(paypalClient)

	accounts := service.NewAccountService(store, cfg)
	settlement := service.NewSettlementService(store, paypalClient, locker, cfg, m)
	purchases := service.NewPurchaseService(store, cfg, m)
	reads := service.NewReadService(store, purchases, m)
	webhooks := service.NewWebhookService(paypalClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	var jobs []interface{ Stop() }
	if producer != nil {
		outboxSender := job.NewOutboxSender(store.Outbox(), producer, cfg, m)
		go outboxSender.Start(ctx)
		jobs = append(jobs, outboxSender)
	}

	reconcileJob := job.NewPendingOrderReconcileJob(store.Orders(), settlement, cfg)
	go reconcileJob.Start(ctx)
	jobs = append(jobs, reconcileJob)

	h := handler.NewHandler(handler.Services{
		Accounts:   accounts,
		Settlement: settlement,
		Purchases:  purchases,
		Reads:      reads,
		Webhooks:   webhooks,
	}, cfg)
	router := handler.SetupRouter(h, cfg, m, registry)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("storage", cfg.Storage.Driver).Msg("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("服务启动失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("服务关闭异常")
	}

	// 等后台任务处理完当前批次，再关闭 Kafka 和数据库
	for _, j := range jobs {
		j.Stop()
	}
	cancel()

	log.Info().Msg("服务已关闭")
}

// checkGatewayCredentials 启动时获取一次 token，凭证错误直接退出，网关暂时不可用只告警
func checkGatewayCredentials(client *paypal.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := client.GetAccessCredential(ctx)
	switch {
	case err == nil:
		log.Info().Msg("PayPal 凭证校验通过")
	case errors.Is(err, gateway.ErrUnauthenticated):
		log.Fatal().Err(err).Msg("PayPal 凭证无效")
	default:
		log.Warn().Err(err).Msg("PayPal 暂不可用，稍后重试")
	}
}
