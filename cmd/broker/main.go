package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trade-broker/internal/app"
	"trade-broker/internal/config"
	"trade-broker/internal/log"
	"trade-broker/internal/store"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, *configPath)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "交易代理异常退出: %v\n", err)
		os.Exit(1)
	}
}

// run 装配配置、日志与存储并运行交易代理，直到 ctx 结束。数据库在日志之前关闭，关闭失败并入返回的错误。
func run(ctx context.Context, configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	db, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("关闭数据库失败: %w", closeErr))
		}
	}()

	broker, err := app.New(cfg, logger, db)
	if err != nil {
		return fmt.Errorf("初始化交易代理失败: %w", err)
	}

	if runErr := broker.Run(ctx); runErr != nil {
		logger.Error("系统运行异常", zap.Error(runErr))
		return runErr
	}

	logger.Info("系统已安全退出")
	return nil
}
