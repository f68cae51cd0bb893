package app

import (
	"context"

	"go.uber.org/zap"

	"copytrade/internal/api"
	"copytrade/internal/audit"
	"copytrade/internal/config"
	"copytrade/internal/registry"
	"copytrade/internal/replication"
	"copytrade/internal/store"
	"copytrade/internal/terminal"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// endpointProvider 把终端连接管理器适配成复制协调器需要的端点来源。
type endpointProvider struct {
	terminals *terminal.Manager
}

func (p endpointProvider) Endpoint(ctx context.Context, id registry.Identity) (replication.Endpoint, error) {
	return p.terminals.ClientFor(ctx, id)
}

// Run 完成组件装配并运行 HTTP 控制面,直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("复制系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("listen_addr", a.cfg.API.ListenAddr),
		zap.Int("max_in_flight", a.cfg.Replication.MaxInFlight),
	)

	reg, err := registry.NewRegistry(a.store, a.logger)
	if err != nil {
		return err
	}

	auditSvc, err := audit.NewService(a.store, a.logger)
	if err != nil {
		return err
	}

	mirrors, err := replication.NewMirrorBook(a.store, a.logger)
	if err != nil {
		return err
	}

	terminals := terminal.NewManager(reg, a.cfg.Terminal, a.logger)

	coordinator := replication.NewCoordinator(
		reg,
		endpointProvider{terminals: terminals},
		mirrors,
		auditSvc,
		a.cfg.Replication,
		a.logger,
	)

	srv := api.NewServer(a.cfg.API, a.cfg.Terminal, reg, terminals, coordinator, auditSvc, a.logger)
	return srv.Run(ctx)
}
