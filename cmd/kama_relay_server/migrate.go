package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/dao/mysql"
	"kama_relay_server/internal/infrastructure/logger"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/pkg/util/pool"
)

func newMigrateCmd() *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "迁移表结构；kafka 模式下同时创建总线 topic",
		Example: `  kama_relay_server migrate
  kama_relay_server migrate --seed-chat c1:direct:alice,bob --seed-chat g1:group:alice,bob,carol`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runMigrate(cmd.Context(), conf, seeds)
		},
	}
	cmd.Flags().StringArrayVar(&seeds, "seed-chat", nil, "创建会话，格式 id:kind:member1,member2")
	return cmd
}

func runMigrate(ctx context.Context, conf *config.Config, seeds []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := mysql.Open(conf)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := mysql.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	zap.L().Info("数据库迁移完成")

	if conf.KafkaConfig.MessageMode == mq.ModeKafka {
		kctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := mq.EnsureTopic(kctx, conf.KafkaConfig); err != nil {
			return fmt.Errorf("ensure kafka topic: %w", err)
		}
		zap.L().Info("Kafka topic 已就绪", zap.String("topic", conf.KafkaConfig.ChatTopic))
	}

	if len(seeds) == 0 {
		return nil
	}
	chats := mysql.NewChatDirectory(db, pool.New("store", 1, 0))
	for _, seed := range seeds {
		id, kind, members, err := parseSeed(seed)
		if err != nil {
			return err
		}
		if _, err := chats.CreateChat(ctx, id, kind, members); err != nil {
			return fmt.Errorf("seed chat %s: %w", id, err)
		}
		zap.L().Info("会话已创建", zap.String("chat_id", id), zap.String("kind", kind), zap.Strings("members", members))
	}
	return nil
}

// parseSeed 解析 id:kind:member1,member2
func parseSeed(s string) (id, kind string, members []string, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", nil, fmt.Errorf("invalid --seed-chat %q, want id:kind:member1,member2", s)
	}
	for _, m := range strings.Split(parts[2], ",") {
		if m = strings.TrimSpace(m); m != "" {
			members = append(members, m)
		}
	}
	return parts[0], parts[1], members, nil
}
