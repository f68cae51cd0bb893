package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	API         APIConfig         `mapstructure:"api"`
	Terminal    TerminalConfig    `mapstructure:"terminal"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// APIConfig 控制对外HTTP接口。
type APIConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	AuthUsername string `mapstructure:"auth_username"`
	AuthPassword string `mapstructure:"auth_password"`
}

// TerminalConfig 描述远程交易终端代理的调用参数。
type TerminalConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
	HistoryDays int           `mapstructure:"history_days"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ReplicationConfig 控制主从复制行为。
type ReplicationConfig struct {
	MaxInFlight              int           `mapstructure:"max_in_flight"`
	CallTimeout              time.Duration `mapstructure:"call_timeout"`
	ReplicateOnMasterFailure bool          `mapstructure:"replicate_on_master_failure"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.API.ListenAddr == "" {
		err = multierr.Append(err, errors.New("api.listen_addr 不能为空"))
	}
	if c.API.AuthUsername == "" || c.API.AuthPassword == "" {
		err = multierr.Append(err, errors.New("api.auth_username 与 api.auth_password 不能为空"))
	}
	if c.Terminal.Timeout <= 0 {
		err = multierr.Append(err, errors.New("terminal.timeout 必须大于0"))
	}
	if c.Terminal.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("terminal.retry.max_attempts 必须大于0"))
	}
	if c.Terminal.Retry.MinDelay <= 0 || c.Terminal.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("terminal.retry.delay 必须为正"))
	}
	if c.Terminal.Retry.MinDelay > c.Terminal.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("terminal.retry.min_delay 不能大于 max_delay"))
	}
	if c.Terminal.HistoryDays <= 0 {
		err = multierr.Append(err, errors.New("terminal.history_days 必须大于0"))
	}
	if c.Replication.MaxInFlight <= 0 {
		err = multierr.Append(err, errors.New("replication.max_in_flight 必须大于0"))
	}
	if c.Replication.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("replication.call_timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
