package replication

import (
	"context"

	"copytrade/internal/registry"
	"copytrade/internal/terminal"
)

// Endpoint 抽象单个账户的执行终端。
type Endpoint interface {
	Place(ctx context.Context, intent terminal.TradeIntent) (terminal.ExecutionOutcome, error)
	Close(ctx context.Context, ticket int64) (terminal.ExecutionOutcome, error)
}

// EndpointProvider 按账户身份解析执行终端。
type EndpointProvider interface {
	Endpoint(ctx context.Context, id registry.Identity) (Endpoint, error)
}

// LinkSource 提供主从配置查询与账户存在性校验。
type LinkSource interface {
	LookupLink(ctx context.Context, master registry.Identity) (*registry.MasterSlaveLink, error)
	ResolveAccount(ctx context.Context, id registry.Identity) (bool, error)
}

// Recorder 记录复制过程事件，实现可为空。
type Recorder interface {
	RecordOpen(ctx context.Context, result Result)
	RecordClose(ctx context.Context, result Result)
	RecordError(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// SlaveOutcome 为单个从账户的执行结果，失败不影响其余从账户。
type SlaveOutcome struct {
	Spec    registry.SlaveSpec
	Outcome terminal.ExecutionOutcome
	Err     error
}

// Result 汇总一次复制：主腿结果加上每个从账户各自的结果。
type Result struct {
	Master        registry.Identity
	MasterOutcome terminal.ExecutionOutcome
	MasterErr     error
	Aborted       bool
	Slaves        []SlaveOutcome
}

// SlaveTicket 由调用方显式指定的从账户持仓票号，优先于镜像记录。
type SlaveTicket struct {
	Target registry.Identity
	Ticket int64
}
