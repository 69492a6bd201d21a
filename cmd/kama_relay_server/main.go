package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/infrastructure/logger"
)

// 全局命令行参数
var (
	configPath string
	mode       string
)

func main() {
	root := &cobra.Command{
		Use:           "kama_relay_server",
		Short:         "端到端加密消息中继服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认按 configs/ 下的候选路径查找")
	root.PersistentFlags().StringVar(&mode, "mode", "dev", "运行模式：dev | release")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志，所有子命令共用
func setup() (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		// 显式指定的配置文件必须存在
		if configPath != "" {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "config file not found, using defaults: %v\n", err)
	}
	config.SetConfig(conf)

	if err := logger.Init(&conf.LogConfig, mode); err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}
	zap.L().Info("日志初始化成功", zap.String("mode", mode))
	return conf, nil
}
