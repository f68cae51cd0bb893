package api

import (
	"copytrade/internal/registry"
	"copytrade/internal/replication"
	"copytrade/internal/terminal"
)

type createServerRequest struct {
	Name string `json:"name" binding:"required"`
	URL  string `json:"url" binding:"required"`
}

type updateServerRequest struct {
	Name   *string `json:"name"`
	URL    *string `json:"url"`
	Status *string `json:"status"`
}

type createAccountRequest struct {
	Login       string `json:"login" binding:"required"`
	Password    string `json:"password" binding:"required"`
	TradeServer string `json:"trade_server" binding:"required"`
	Description string `json:"description"`
}

type updateAccountRequest struct {
	Login       *string `json:"login"`
	Password    *string `json:"password"`
	TradeServer *string `json:"trade_server"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

type slaveSpecRequest struct {
	ServerID       string  `json:"server_id" binding:"required"`
	AccountID      string  `json:"account_id" binding:"required"`
	SizeRatio      float64 `json:"size_ratio" binding:"required,gt=0"`
	Direction      string  `json:"direction" binding:"required,oneof=same opposite"`
	CopyRiskParams bool    `json:"use_sl_tp"`
}

type masterSlaveRequest struct {
	MasterServerID  string             `json:"master_server_id" binding:"required"`
	MasterAccountID string             `json:"master_account_id" binding:"required"`
	Slaves          []slaveSpecRequest `json:"slaves"`
}

type slaveSpecResponse struct {
	ServerID       string  `json:"server_id"`
	AccountID      string  `json:"account_id"`
	SizeRatio      float64 `json:"size_ratio"`
	Direction      string  `json:"direction"`
	CopyRiskParams bool    `json:"use_sl_tp"`
}

type masterSlaveResponse struct {
	MasterServerID  string              `json:"master_server_id"`
	MasterAccountID string              `json:"master_account_id"`
	Slaves          []slaveSpecResponse `json:"slaves"`
}

func toMasterSlaveResponse(link registry.MasterSlaveLink) masterSlaveResponse {
	resp := masterSlaveResponse{
		MasterServerID:  link.Master.ServerID,
		MasterAccountID: link.Master.AccountID,
		Slaves:          make([]slaveSpecResponse, 0, len(link.Slaves)),
	}
	for _, spec := range link.Slaves {
		resp.Slaves = append(resp.Slaves, slaveSpecResponse{
			ServerID:       spec.Target.ServerID,
			AccountID:      spec.Target.AccountID,
			SizeRatio:      spec.SizeRatio,
			Direction:      string(spec.Direction),
			CopyRiskParams: spec.CopyRiskParams,
		})
	}
	return resp
}

type openPositionRequest struct {
	Symbol           string  `json:"symbol" binding:"required"`
	Type             string  `json:"type" binding:"required,oneof=buy sell"`
	Volume           float64 `json:"volume" binding:"required,gt=0"`
	StopLoss         float64 `json:"sl"`
	TakeProfit       float64 `json:"tp"`
	LimitPrice       float64 `json:"limit_price"`
	FallbackToMarket bool    `json:"fallback_to_market"`
}

type explicitSlaveTicket struct {
	ServerID  string `json:"server_id" binding:"required"`
	AccountID string `json:"account_id" binding:"required"`
	Ticket    int64  `json:"ticket" binding:"required"`
}

type closePositionRequest struct {
	SlaveTickets []explicitSlaveTicket `json:"slave_tickets"`
}

type slaveOutcomeResponse struct {
	Target    registry.Identity         `json:"target"`
	SizeRatio float64                   `json:"size_ratio"`
	Direction string                    `json:"direction"`
	Outcome   terminal.ExecutionOutcome `json:"outcome"`
	Error     string                    `json:"error,omitempty"`
}

type replicationResponse struct {
	Master        registry.Identity         `json:"master"`
	MasterOutcome terminal.ExecutionOutcome `json:"master_outcome"`
	MasterError   string                    `json:"master_error,omitempty"`
	Aborted       bool                      `json:"aborted"`
	SlaveOutcomes []slaveOutcomeResponse    `json:"slave_outcomes"`
}

func toReplicationResponse(result replication.Result) replicationResponse {
	resp := replicationResponse{
		Master:        result.Master,
		MasterOutcome: result.MasterOutcome,
		Aborted:       result.Aborted,
		SlaveOutcomes: make([]slaveOutcomeResponse, 0, len(result.Slaves)),
	}
	if result.MasterErr != nil {
		resp.MasterError = result.MasterErr.Error()
	}
	for _, so := range result.Slaves {
		entry := slaveOutcomeResponse{
			Target:    so.Spec.Target,
			SizeRatio: so.Spec.SizeRatio,
			Direction: string(so.Spec.Direction),
			Outcome:   so.Outcome,
		}
		if so.Err != nil {
			entry.Error = so.Err.Error()
		}
		resp.SlaveOutcomes = append(resp.SlaveOutcomes, entry)
	}
	return resp
}
