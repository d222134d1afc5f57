package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/growthclub/backend/config"
	"github.com/growthclub/backend/internal/consumer"
	"github.com/growthclub/backend/internal/handlers"
	"github.com/growthclub/backend/internal/pkg/lock"
	"github.com/growthclub/backend/internal/repositories"
	"github.com/growthclub/backend/internal/routers"
	"github.com/growthclub/backend/internal/scheduler"
	"github.com/growthclub/backend/internal/services"
	"github.com/growthclub/backend/internal/storage"
	jwtmw "github.com/growthclub/backend/middleware/jwt"
	logger "github.com/growthclub/backend/middleware/log"
	"github.com/growthclub/backend/pkg/mq"
	"github.com/growthclub/backend/utils/ratelimit"
)

// Scheduled task types.
const (
	taskSubscriptionReminder = "subscription_reminder"
	taskReportReminder       = "report_reminder"
)

func main() {
	cfg, err := config.LoadConfig("./config.toml")
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	appLogger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer appLogger.Close()
	zl := appLogger.Logger

	// 初始化 PostgreSQL
	dsn := storage.BuildDSN(cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName)
	postgres, err := storage.InitPostgres(dsn, cfg.Postgres.MaxIdleConns, cfg.Postgres.MaxOpenConns)
	if err != nil {
		log.Fatalf("postgres 初始化失败: %v", err)
	}

	// 初始化 Redis
	redisClient, err := storage.InitRedis(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.MinIdleConns)
	if err != nil {
		log.Fatalf("redis 初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := repositories.NewGormStore(postgres)
	locker := lock.NewLocker(redisClient, zl)
	chat := services.NewNopChatGateway(zl)

	allocator := services.NewAllocatorService(store, chat, zl, cfg.Groups.DefaultCapacity)
	energy := services.NewEnergyService(store, locker, zl, cfg.Energy.ExpiryMonths)

	// 延迟任务调度器
	sched := scheduler.New(redisClient, locker, zl, scheduler.Options{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		LockTTL:      cfg.Scheduler.LockTTL,
	})
	sched.RegisterHandler(taskSubscriptionReminder, func(ctx context.Context, task scheduler.Task) error {
		var payload struct {
			Text string `json:"text"`
		}
		if len(task.Payload) > 0 {
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				return fmt.Errorf("decode reminder payload: %w", err)
			}
		}
		if payload.Text == "" {
			payload.Text = "Your subscription is about to expire."
		}
		return chat.SendMessage(ctx, task.OwnerID, payload.Text)
	})
	sched.RegisterHandler(taskReportReminder, func(ctx context.Context, task scheduler.Task) error {
		return chat.SendMessage(ctx, task.OwnerID, "Please submit your weekly group report.")
	})
	sched.Start(ctx)
	defer sched.Stop()

	// 订阅过期守护
	guard := services.NewSubscriptionGuard(store, allocator, sched, locker, zl)
	go guard.Run(ctx, cfg.Groups.GuardInterval)

	// 积分过期清扫
	go func() {
		interval := cfg.Energy.SweepInterval
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := energy.ProcessExpiry(ctx); err != nil {
					zl.Error("energy expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()

	// 初始化 Kafka Producer（失败时降级为直接入账）
	kafkaProducer, err := mq.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, zl)
	if err != nil {
		zl.Warn("Kafka 生产者初始化失败，奖励将直接入账", zap.Error(err))
		kafkaProducer = nil
	} else {
		defer kafkaProducer.Close()
	}

	// 初始化 Kafka Consumer (如果 Kafka 可用)
	if kafkaProducer != nil {
		rewardConsumer := consumer.NewRewardConsumer(energy, zl)
		if err := consumer.StartConsumer(ctx, cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, rewardConsumer, zl); err != nil {
			zl.Warn("Kafka 消费者初始化失败", zap.Error(err))
		}
	}

	// 认证与限流
	tm := jwtmw.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)
	limiter := ratelimit.NewTokenBucketLimiter(redisClient, zl, cfg.RateLimit.Fallback)

	// 初始化处理器
	groupHandler := handlers.NewGroupHandler(allocator)
	energyHandler := handlers.NewEnergyHandler(energy, kafkaProducer, zl)
	taskHandler := handlers.NewTaskHandler(sched)

	// 配置并创建 Gin 引擎
	gin.SetMode(cfg.Server.Mode)

	r := gin.Default()

	routers.SetupRoutes(r,
		cfg,
		tm,
		limiter,
		groupHandler,
		energyHandler,
		taskHandler,
	)

	// 启动服务器
	zl.Info("starting server", zap.Int("port", cfg.Server.Port))
	if err := r.Run(":" + strconv.FormatInt(int64(cfg.Server.Port), 10)); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}
}
