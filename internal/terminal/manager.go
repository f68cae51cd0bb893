package terminal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"copytrade/internal/config"
	"copytrade/internal/registry"
)

// AccountResolver 将账户身份解析为服务器与账户记录。
type AccountResolver interface {
	GetServer(ctx context.Context, id string) (registry.Server, error)
	GetAccount(ctx context.Context, id registry.Identity) (registry.Account, error)
}

// Manager 按账户身份维护终端客户端。
// 每个账户独享一个客户端及其会话生命周期，账户间互不影响。
type Manager struct {
	resolver AccountResolver
	cfg      config.TerminalConfig
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[registry.Identity]*Client
}

// NewManager 创建终端客户端管理器。
func NewManager(resolver AccountResolver, cfg config.TerminalConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[registry.Identity]*Client),
	}
}

// ClientFor 返回账户对应的终端客户端，必要时创建。
func (m *Manager) ClientFor(ctx context.Context, id registry.Identity) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[id]; ok {
		return client, nil
	}

	srv, err := m.resolver.GetServer(ctx, id.ServerID)
	if err != nil {
		return nil, err
	}
	acct, err := m.resolver.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	client := NewClient(srv.URL, Credentials{
		Login:    acct.Login,
		Password: acct.Password,
		Server:   acct.TradeServer,
	}, m.cfg, m.logger.With(
		zap.String("server_id", id.ServerID),
		zap.String("account_id", id.AccountID),
	))

	m.clients[id] = client
	return client, nil
}

// Evict 丢弃账户的缓存客户端，下次调用将以最新记录重建。
// 账户或服务器记录变更、删除后调用。
func (m *Manager) Evict(id registry.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

// EvictServer 丢弃某服务器下全部账户的缓存客户端。
func (m *Manager) EvictServer(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.clients {
		if id.ServerID == serverID {
			delete(m.clients, id)
		}
	}
}
