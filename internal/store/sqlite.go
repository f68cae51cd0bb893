package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"copytrade/internal/config"
)

// Store 封装供各组件共享的 SQLite 连接池。
type Store struct {
	db *sql.DB
}

// NewSQLite 打开（必要时创建）配置指定的数据库。
// 外键约束必须打开，服务器与账户的级联删除依赖它。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	path := cfg.Path
	params := url.Values{
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
	}

	if cfg.InMemory {
		path = ":memory:"
	} else {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: 创建数据目录 %q 失败: %w", dir, err)
			}
		}
		// WAL 只对落盘数据库有意义，内存库的日志模式固定为 memory。
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: 连接 SQLite 失败: %w", err)
	}

	return &Store{db: db}, nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
