package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copytrade/internal/store"
)

var (
	// ErrServerNotFound 表示服务器不存在。
	ErrServerNotFound = errors.New("registry: server not found")
	// ErrAccountNotFound 表示账户不存在。
	ErrAccountNotFound = errors.New("registry: account not found")
	// ErrLinkNotFound 表示主从配置不存在。
	ErrLinkNotFound = errors.New("registry: master-slave link not found")
	// ErrInvalidLink 表示主从配置字段不合法。
	ErrInvalidLink = errors.New("registry: invalid master-slave link")
)

// Registry 负责持久化服务器、账户与主从关系记录。
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRegistry 初始化注册表，创建所需表结构。
func NewRegistry(st *store.Store, logger *zap.Logger) (*Registry, error) {
	if st == nil {
		return nil, fmt.Errorf("registry: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		db:     st.DB(),
		logger: logger,
	}

	if err := r.initSchema(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline'
);
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL REFERENCES servers(id),
	login TEXT NOT NULL,
	password TEXT NOT NULL,
	trade_server TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline'
);
CREATE INDEX IF NOT EXISTS idx_accounts_server ON accounts(server_id);
CREATE TABLE IF NOT EXISTS links (
	master_server_id TEXT NOT NULL,
	master_account_id TEXT NOT NULL,
	PRIMARY KEY (master_server_id, master_account_id)
);
CREATE TABLE IF NOT EXISTS link_slaves (
	master_server_id TEXT NOT NULL,
	master_account_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	slave_server_id TEXT NOT NULL,
	slave_account_id TEXT NOT NULL,
	size_ratio REAL NOT NULL,
	direction TEXT NOT NULL,
	copy_risk_params INTEGER NOT NULL,
	PRIMARY KEY (master_server_id, master_account_id, position)
);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("registry: 初始化表失败: %w", err)
	}
	return nil
}

// CreateServer 登记一台新服务器并分配ID。
func (r *Registry) CreateServer(ctx context.Context, srv Server) (Server, error) {
	srv.ID = uuid.NewString()
	if srv.Status == "" {
		srv.Status = "offline"
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, url, status) VALUES (?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.URL, srv.Status,
	)
	if err != nil {
		return Server{}, fmt.Errorf("registry: 写入服务器失败: %w", err)
	}

	r.logger.Info("服务器已注册", zap.String("server_id", srv.ID), zap.String("name", srv.Name))
	return srv, nil
}

// ListServers 返回全部已注册服务器。
func (r *Registry) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, url, status FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("registry: 查询服务器失败: %w", err)
	}
	defer rows.Close()

	servers := make([]Server, 0)
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.URL, &srv.Status); err != nil {
			return nil, fmt.Errorf("registry: 解析服务器失败: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: 读取服务器失败: %w", err)
	}
	return servers, nil
}

// GetServer 按ID获取服务器。
func (r *Registry) GetServer(ctx context.Context, id string) (Server, error) {
	var srv Server
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, url, status FROM servers WHERE id = ?`, id,
	).Scan(&srv.ID, &srv.Name, &srv.URL, &srv.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, ErrServerNotFound
	}
	if err != nil {
		return Server{}, fmt.Errorf("registry: 查询服务器失败: %w", err)
	}
	return srv, nil
}

// UpdateServer 更新服务器的名称、地址与状态。
func (r *Registry) UpdateServer(ctx context.Context, srv Server) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET name = ?, url = ?, status = ? WHERE id = ?`,
		srv.Name, srv.URL, srv.Status, srv.ID,
	)
	if err != nil {
		return fmt.Errorf("registry: 更新服务器失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: 更新服务器失败: %w", err)
	}
	if affected == 0 {
		return ErrServerNotFound
	}
	return nil
}

// DeleteServer 删除服务器并级联清理其账户与全部主从引用。
// 整个清理在单个事务内完成。
func (r *Registry) DeleteServer(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: 开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: 删除服务器失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: 删除服务器失败: %w", err)
	}
	if affected == 0 {
		return ErrServerNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM link_slaves WHERE slave_server_id = ? OR master_server_id = ?`, id, id,
	); err != nil {
		return fmt.Errorf("registry: 清理从账户引用失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE master_server_id = ?`, id,
	); err != nil {
		return fmt.Errorf("registry: 清理主从配置失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM accounts WHERE server_id = ?`, id,
	); err != nil {
		return fmt.Errorf("registry: 清理账户失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: 提交事务失败: %w", err)
	}

	r.logger.Info("服务器已删除", zap.String("server_id", id))
	return nil
}

// CreateAccount 在指定服务器下登记账户并分配ID。
func (r *Registry) CreateAccount(ctx context.Context, acct Account) (Account, error) {
	if _, err := r.GetServer(ctx, acct.ServerID); err != nil {
		return Account{}, err
	}

	acct.ID = uuid.NewString()
	if acct.Status == "" {
		acct.Status = "offline"
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, server_id, login, password, trade_server, description, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.ServerID, acct.Login, acct.Password, acct.TradeServer, acct.Description, acct.Status,
	)
	if err != nil {
		return Account{}, fmt.Errorf("registry: 写入账户失败: %w", err)
	}

	r.logger.Info("账户已注册",
		zap.String("server_id", acct.ServerID),
		zap.String("account_id", acct.ID),
		zap.String("login", acct.Login),
	)
	return acct, nil
}

// ListAccounts 返回某服务器下的全部账户。
func (r *Registry) ListAccounts(ctx context.Context, serverID string) ([]Account, error) {
	if _, err := r.GetServer(ctx, serverID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, server_id, login, password, trade_server, description, status
		 FROM accounts WHERE server_id = ? ORDER BY login`, serverID)
	if err != nil {
		return nil, fmt.Errorf("registry: 查询账户失败: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		var acct Account
		if err := rows.Scan(&acct.ID, &acct.ServerID, &acct.Login, &acct.Password,
			&acct.TradeServer, &acct.Description, &acct.Status); err != nil {
			return nil, fmt.Errorf("registry: 解析账户失败: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: 读取账户失败: %w", err)
	}
	return accounts, nil
}

// GetAccount 按身份获取账户。
func (r *Registry) GetAccount(ctx context.Context, id Identity) (Account, error) {
	var acct Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, server_id, login, password, trade_server, description, status
		 FROM accounts WHERE server_id = ? AND id = ?`, id.ServerID, id.AccountID,
	).Scan(&acct.ID, &acct.ServerID, &acct.Login, &acct.Password,
		&acct.TradeServer, &acct.Description, &acct.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("registry: 查询账户失败: %w", err)
	}
	return acct, nil
}

// UpdateAccount 更新账户的凭据、描述与状态。
func (r *Registry) UpdateAccount(ctx context.Context, acct Account) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET login = ?, password = ?, trade_server = ?, description = ?, status = ?
		 WHERE server_id = ? AND id = ?`,
		acct.Login, acct.Password, acct.TradeServer, acct.Description, acct.Status,
		acct.ServerID, acct.ID,
	)
	if err != nil {
		return fmt.Errorf("registry: 更新账户失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: 更新账户失败: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeleteAccount 删除账户并级联清理其作为主账户的配置以及所有从账户引用。
// 整个清理在单个事务内完成。
func (r *Registry) DeleteAccount(ctx context.Context, id Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: 开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM accounts WHERE server_id = ? AND id = ?`, id.ServerID, id.AccountID)
	if err != nil {
		return fmt.Errorf("registry: 删除账户失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: 删除账户失败: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM link_slaves
		 WHERE (slave_server_id = ? AND slave_account_id = ?)
		    OR (master_server_id = ? AND master_account_id = ?)`,
		id.ServerID, id.AccountID, id.ServerID, id.AccountID,
	); err != nil {
		return fmt.Errorf("registry: 清理从账户引用失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE master_server_id = ? AND master_account_id = ?`,
		id.ServerID, id.AccountID,
	); err != nil {
		return fmt.Errorf("registry: 清理主从配置失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: 提交事务失败: %w", err)
	}

	r.logger.Info("账户已删除",
		zap.String("server_id", id.ServerID),
		zap.String("account_id", id.AccountID),
	)
	return nil
}

// ResolveAccount 检查身份是否指向已注册的服务器与账户。
func (r *Registry) ResolveAccount(ctx context.Context, id Identity) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM accounts WHERE server_id = ? AND id = ?`, id.ServerID, id.AccountID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: 校验账户失败: %w", err)
	}
	return true, nil
}

// UpsertLink 创建或整体替换一条主从配置。
// 主账户与全部从账户必须已注册，否则拒绝写入。
func (r *Registry) UpsertLink(ctx context.Context, link MasterSlaveLink) error {
	ok, err := r.ResolveAccount(ctx, link.Master)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: master %s", ErrAccountNotFound, link.Master)
	}

	for _, spec := range link.Slaves {
		ok, err := r.ResolveAccount(ctx, spec.Target)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: slave %s", ErrAccountNotFound, spec.Target)
		}
		if spec.SizeRatio <= 0 {
			return fmt.Errorf("%w: slave %s 的 size_ratio 必须为正", ErrInvalidLink, spec.Target)
		}
		if !spec.Direction.Valid() {
			return fmt.Errorf("%w: slave %s 的 direction %q 不合法", ErrInvalidLink, spec.Target, spec.Direction)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: 开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM link_slaves WHERE master_server_id = ? AND master_account_id = ?`,
		link.Master.ServerID, link.Master.AccountID,
	); err != nil {
		return fmt.Errorf("registry: 清理旧配置失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO links (master_server_id, master_account_id) VALUES (?, ?)
		 ON CONFLICT (master_server_id, master_account_id) DO NOTHING`,
		link.Master.ServerID, link.Master.AccountID,
	); err != nil {
		return fmt.Errorf("registry: 写入主从配置失败: %w", err)
	}

	for i, spec := range link.Slaves {
		copyRisk := 0
		if spec.CopyRiskParams {
			copyRisk = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_slaves
			 (master_server_id, master_account_id, position,
			  slave_server_id, slave_account_id, size_ratio, direction, copy_risk_params)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			link.Master.ServerID, link.Master.AccountID, i,
			spec.Target.ServerID, spec.Target.AccountID,
			spec.SizeRatio, string(spec.Direction), copyRisk,
		); err != nil {
			return fmt.Errorf("registry: 写入从账户配置失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: 提交事务失败: %w", err)
	}

	r.logger.Info("主从配置已保存",
		zap.String("master", link.Master.String()),
		zap.Int("slaves", len(link.Slaves)),
	)
	return nil
}

// LookupLink 查找主账户的主从配置，不存在时返回 nil。
func (r *Registry) LookupLink(ctx context.Context, master Identity) (*MasterSlaveLink, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM links WHERE master_server_id = ? AND master_account_id = ?`,
		master.ServerID, master.AccountID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: 查询主从配置失败: %w", err)
	}

	slaves, err := r.linkSlaves(ctx, master)
	if err != nil {
		return nil, err
	}

	return &MasterSlaveLink{Master: master, Slaves: slaves}, nil
}

// ListLinks 返回全部主从配置。
func (r *Registry) ListLinks(ctx context.Context) ([]MasterSlaveLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT master_server_id, master_account_id FROM links ORDER BY master_server_id, master_account_id`)
	if err != nil {
		return nil, fmt.Errorf("registry: 查询主从配置失败: %w", err)
	}
	defer rows.Close()

	masters := make([]Identity, 0)
	for rows.Next() {
		var master Identity
		if err := rows.Scan(&master.ServerID, &master.AccountID); err != nil {
			return nil, fmt.Errorf("registry: 解析主从配置失败: %w", err)
		}
		masters = append(masters, master)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: 读取主从配置失败: %w", err)
	}

	links := make([]MasterSlaveLink, 0, len(masters))
	for _, master := range masters {
		slaves, err := r.linkSlaves(ctx, master)
		if err != nil {
			return nil, err
		}
		links = append(links, MasterSlaveLink{Master: master, Slaves: slaves})
	}
	return links, nil
}

// DeleteLink 删除一条主从配置。
func (r *Registry) DeleteLink(ctx context.Context, master Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: 开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE master_server_id = ? AND master_account_id = ?`,
		master.ServerID, master.AccountID,
	)
	if err != nil {
		return fmt.Errorf("registry: 删除主从配置失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: 删除主从配置失败: %w", err)
	}
	if affected == 0 {
		return ErrLinkNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM link_slaves WHERE master_server_id = ? AND master_account_id = ?`,
		master.ServerID, master.AccountID,
	); err != nil {
		return fmt.Errorf("registry: 清理从账户配置失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: 提交事务失败: %w", err)
	}
	return nil
}

func (r *Registry) linkSlaves(ctx context.Context, master Identity) ([]SlaveSpec, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT slave_server_id, slave_account_id, size_ratio, direction, copy_risk_params
		 FROM link_slaves
		 WHERE master_server_id = ? AND master_account_id = ?
		 ORDER BY position`,
		master.ServerID, master.AccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: 查询从账户配置失败: %w", err)
	}
	defer rows.Close()

	slaves := make([]SlaveSpec, 0)
	for rows.Next() {
		var (
			spec     SlaveSpec
			dir      string
			copyRisk int
		)
		if err := rows.Scan(&spec.Target.ServerID, &spec.Target.AccountID,
			&spec.SizeRatio, &dir, &copyRisk); err != nil {
			return nil, fmt.Errorf("registry: 解析从账户配置失败: %w", err)
		}
		spec.Direction = Direction(dir)
		spec.CopyRiskParams = copyRisk != 0
		slaves = append(slaves, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: 读取从账户配置失败: %w", err)
	}
	return slaves, nil
}
