package audit

import (
	"time"

	"copytrade/internal/registry"
	"copytrade/internal/replication"
	"copytrade/internal/terminal"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventReplicationOpen  EventType = "replication_open"
	EventReplicationClose EventType = "replication_close"
	EventError            EventType = "error"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ReplicationPayload 记录一次复制的主腿与全部从腿结果。
type ReplicationPayload struct {
	Master        registry.Identity         `json:"master"`
	MasterOutcome terminal.ExecutionOutcome `json:"master_outcome"`
	MasterError   string                    `json:"master_error,omitempty"`
	Aborted       bool                      `json:"aborted"`
	Slaves        []ReplicationSlavePayload `json:"slaves"`
}

// ReplicationSlavePayload 为单个从腿的留痕。
type ReplicationSlavePayload struct {
	Target  registry.Identity         `json:"target"`
	Outcome terminal.ExecutionOutcome `json:"outcome"`
	Error   string                    `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func replicationPayload(result replication.Result) ReplicationPayload {
	payload := ReplicationPayload{
		Master:        result.Master,
		MasterOutcome: result.MasterOutcome,
		Aborted:       result.Aborted,
		Slaves:        make([]ReplicationSlavePayload, 0, len(result.Slaves)),
	}
	if result.MasterErr != nil {
		payload.MasterError = result.MasterErr.Error()
	}
	for _, so := range result.Slaves {
		entry := ReplicationSlavePayload{
			Target:  so.Spec.Target,
			Outcome: so.Outcome,
		}
		if so.Err != nil {
			entry.Error = so.Err.Error()
		}
		payload.Slaves = append(payload.Slaves, entry)
	}
	return payload
}
