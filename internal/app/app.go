package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
	"trade-broker/internal/execution"
	"trade-broker/internal/settlement"
	"trade-broker/internal/store"
	"trade-broker/internal/workflow"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	host    *entity.Host
	engine  *workflow.Engine
	gateway *gateway
}

// New 创建 App 实例并完成组件装配。
func New(cfg *config.Config, logger *zap.Logger, s *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	journal, err := entity.NewSQLiteJournal(s)
	if err != nil {
		return nil, fmt.Errorf("初始化实体日志失败: %w", err)
	}

	// 编排引擎依赖实体宿主，实体宿主又需要启动编排，这里用闭包打破循环
	var engine *workflow.Engine
	starter := entity.StarterFunc(func(ctx context.Context, instanceID string, trade entity.Trade) (string, error) {
		return engine.StartOrchestration(ctx, instanceID, trade)
	})

	host := entity.NewHost(journal, starter, entity.Options{IdleTimeout: cfg.Entity.IdleTimeout}, logger.Named("entity"))
	executor := execution.NewExecutor(nil, cfg.Execution, logger.Named("execution"))

	engine, err = workflow.NewEngine(cfg.Workflow, s, host, executor, logger.Named("workflow"))
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("初始化编排引擎失败: %w", err)
	}

	waiter := workflow.NewCompletionWaiter(host, cfg.Completion, logger.Named("waiter"))
	settler := settlement.NewManager(cfg.Settlement, logger.Named("settlement"))

	return &App{
		cfg:     cfg,
		logger:  logger,
		host:    host,
		engine:  engine,
		gateway: newGateway(host, engine, waiter, settler, logger.Named("gateway")),
	}, nil
}

// Handler 返回网关路由。
func (a *App) Handler() http.Handler {
	return a.gateway.routes()
}

// Run 恢复未完成的实体信号与编排实例，随后对外提供服务直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	a.logger.Info("交易代理已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("addr", a.cfg.HTTP.Addr),
	)

	// 先重投实体信号，保证编排实例恢复后发出的调用排在积压信号之后
	if err := a.host.Recover(ctx); err != nil {
		return fmt.Errorf("恢复实体日志失败: %w", err)
	}
	if err := a.engine.Recover(ctx); err != nil {
		return fmt.Errorf("恢复编排实例失败: %w", err)
	}

	listener, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", a.cfg.HTTP.Addr, err)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.logger.Info("网关已启动", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("网关服务异常: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		timeout := a.cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("关闭网关失败", zap.Error(err))
		}
		a.logger.Info("系统收到退出信号，正在停止")
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}

// Close 停止编排与实体宿主，未完成的工作保留在存储中等待下次恢复。
func (a *App) Close() {
	a.engine.Close()
	a.host.Close()
}
