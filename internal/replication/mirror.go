package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"copytrade/internal/registry"
	"copytrade/internal/store"
)

// MirrorBook 记录主账户持仓与各从账户镜像持仓的对应关系。
// 平仓复制依赖这些记录找到每个从账户应平的票号。
type MirrorBook struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMirrorBook 初始化镜像簿，创建所需表结构。
func NewMirrorBook(st *store.Store, logger *zap.Logger) (*MirrorBook, error) {
	if st == nil {
		return nil, fmt.Errorf("replication: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &MirrorBook{
		db:     st.DB(),
		logger: logger,
	}

	if err := b.initSchema(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *MirrorBook) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS position_mirrors (
	master_server_id TEXT NOT NULL,
	master_account_id TEXT NOT NULL,
	master_ticket INTEGER NOT NULL,
	slave_server_id TEXT NOT NULL,
	slave_account_id TEXT NOT NULL,
	slave_ticket INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (master_server_id, master_account_id, master_ticket, slave_server_id, slave_account_id)
);
`
	if _, err := b.db.Exec(stmt); err != nil {
		return fmt.Errorf("replication: 初始化镜像表失败: %w", err)
	}
	return nil
}

// Record 写入一条镜像记录，同一主从对重复写入时覆盖。
func (b *MirrorBook) Record(ctx context.Context, master registry.Identity, masterTicket int64, slave registry.Identity, slaveTicket int64) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO position_mirrors
		 (master_server_id, master_account_id, master_ticket, slave_server_id, slave_account_id, slave_ticket, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (master_server_id, master_account_id, master_ticket, slave_server_id, slave_account_id)
		 DO UPDATE SET slave_ticket = excluded.slave_ticket, created_at = excluded.created_at`,
		master.ServerID, master.AccountID, masterTicket,
		slave.ServerID, slave.AccountID, slaveTicket,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("replication: 写入镜像记录失败: %w", err)
	}
	return nil
}

// Find 查找从账户对应主持仓的镜像票号。
func (b *MirrorBook) Find(ctx context.Context, master registry.Identity, masterTicket int64, slave registry.Identity) (int64, bool, error) {
	var ticket int64
	err := b.db.QueryRowContext(ctx,
		`SELECT slave_ticket FROM position_mirrors
		 WHERE master_server_id = ? AND master_account_id = ? AND master_ticket = ?
		   AND slave_server_id = ? AND slave_account_id = ?`,
		master.ServerID, master.AccountID, masterTicket,
		slave.ServerID, slave.AccountID,
	).Scan(&ticket)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("replication: 查询镜像记录失败: %w", err)
	}
	return ticket, true, nil
}

// Remove 删除一条镜像记录，从账户平仓成功后调用。
func (b *MirrorBook) Remove(ctx context.Context, master registry.Identity, masterTicket int64, slave registry.Identity) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM position_mirrors
		 WHERE master_server_id = ? AND master_account_id = ? AND master_ticket = ?
		   AND slave_server_id = ? AND slave_account_id = ?`,
		master.ServerID, master.AccountID, masterTicket,
		slave.ServerID, slave.AccountID,
	)
	if err != nil {
		return fmt.Errorf("replication: 删除镜像记录失败: %w", err)
	}
	return nil
}
