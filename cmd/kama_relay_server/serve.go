package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/dao/mysql"
	myredis "kama_relay_server/internal/dao/redis"
	"kama_relay_server/internal/gateway/websocket"
	"kama_relay_server/internal/handler"
	"kama_relay_server/internal/https_server"
	"kama_relay_server/internal/infrastructure/logger"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/service"
	"kama_relay_server/pkg/util/jwt"
	"kama_relay_server/pkg/util/pool"
	"kama_relay_server/pkg/util/snowflake"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动中继服务（WebSocket 网关 + REST）",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(conf)
		},
	}
}

func runServe(conf *config.Config) error {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 1. 实例 ID，用于总线事件去重和 Kafka 消费组
	instanceID := conf.MainConfig.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	zap.L().Info("实例启动", zap.String("instance_id", instanceID), zap.String("message_mode", conf.KafkaConfig.MessageMode))

	// 2. 初始化 JWT 与雪花算法
	if conf.JWTConfig.Secret == "" {
		return errors.New("jwtConfig.secret is empty, set it in config or RELAY_JWT_SECRET")
	}
	jwt.Init(conf.JWTConfig.Secret, conf.JWTConfig.Issuer, conf.JWTConfig.AccessTokenExpiry)
	snowflake.Init(conf.SnowflakeConfig.MachineID)

	// 3. 初始化数据库，存储调用经过有界并发池
	db, err := mysql.Open(conf)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := mysql.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	rc := conf.RelayConfig
	repos := mysql.NewRepositories(db, pool.New("store", rc.StorePoolSize, config.Millis(rc.PoolWait)))
	zap.L().Info("数据库初始化成功")

	// 4. 初始化 Redis：redis 总线模式必需，否则只用于成员缓存，不可用时直接回源数据库
	var chats mysql.ChatDirectory = repos.Chats
	var client *goredis.Client
	client, err = myredis.NewClient(context.Background(), &conf.RedisConfig)
	switch {
	case err == nil:
		defer client.Close()
		cache := myredis.NewRedisCache(client, 15, 1000)
		defer cache.Close()
		chats = myredis.NewParticipantCache(repos.Chats, cache, 0)
		zap.L().Info("Redis 初始化成功", zap.String("addr", conf.RedisConfig.Addr()))
	case conf.KafkaConfig.MessageMode == mq.ModeRedis:
		return fmt.Errorf("messageMode redis: %w", err)
	default:
		client = nil
		zap.L().Warn("Redis 不可用，成员缓存关闭", zap.Error(err))
	}

	// 5. 扇出总线
	bus, err := mq.NewBus(conf, instanceID, client, pool.New("bus", rc.BusPoolSize, config.Millis(rc.PoolWait)))
	if err != nil {
		return err
	}
	defer bus.Close()

	// 6. 校验翻译器，gin 与中继引擎共用
	if err := handler.InitTrans("zh"); err != nil {
		return fmt.Errorf("init trans failed: %w", err)
	}

	// 7. Service 层与网关
	svc := service.NewServices(service.Deps{
		Config:   conf,
		Origin:   instanceID,
		Store:    repos.Messages,
		Chats:    chats,
		Bus:      bus,
		Validate: handler.Validator(),
		Trans:    handler.Trans,
	})
	unsubscribe, err := svc.Presence.Listen()
	if err != nil {
		return fmt.Errorf("subscribe presence topic: %w", err)
	}
	defer unsubscribe()
	gw := websocket.NewGateway(svc.Auth, svc.Registry, svc.Relay, svc.Presence, websocket.OptionsFrom(conf.GatewayConfig))

	// 8. HTTP 服务器
	engine := https_server.Init(conf, handler.NewHandlers(svc, gw), svc.Auth)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.MainConfig.Host, conf.MainConfig.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 9. 启动并等待信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return bus.Start(gctx) })
	g.Go(func() error { return svc.Presence.Run(gctx) })
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error {
		zap.L().Info("HTTP 服务器启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server running fault: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("关闭服务器...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 先关网关，进行中的发送在总线关闭前完成
		if err := gw.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("gateway shutdown timed out", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("http shutdown", zap.Error(err))
		}
		return bus.Close()
	})

	err = g.Wait()
	zap.L().Info("服务器已关闭")
	return err
}
