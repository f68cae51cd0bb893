package terminal

import "time"

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 判断方向取值是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeIntent 描述一次下单意图。
// LimitPrice 大于0时为挂单，否则为市价单；SL/TP 为0表示未设置。
type TradeIntent struct {
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"`
	Volume           float64 `json:"volume"`
	StopLoss         float64 `json:"stop_loss,omitempty"`
	TakeProfit       float64 `json:"take_profit,omitempty"`
	LimitPrice       float64 `json:"limit_price,omitempty"`
	FallbackToMarket bool    `json:"fallback_to_market,omitempty"`
}

// IsLimit 判断该意图是否为挂单。
func (t TradeIntent) IsLimit() bool {
	return t.LimitPrice > 0
}

// Validate 在发起任何远程调用前校验意图字段。
func (t TradeIntent) Validate() error {
	if t.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "不能为空"}
	}
	if !t.Side.Valid() {
		return &ValidationError{Field: "side", Reason: "必须为 buy 或 sell"}
	}
	if t.Volume <= 0 {
		return ErrInvalidVolume
	}
	if t.LimitPrice < 0 {
		return &ValidationError{Field: "limit_price", Reason: "必须为正"}
	}
	return nil
}

// ExecutionOutcome 描述一次远程执行的结果，回显请求参数供审计。
type ExecutionOutcome struct {
	Accepted     bool        `json:"accepted"`
	Reason       string      `json:"reason,omitempty"`
	Ticket       int64       `json:"ticket,omitempty"`
	Deal         int64       `json:"deal,omitempty"`
	Price        float64     `json:"price,omitempty"`
	Bid          float64     `json:"bid,omitempty"`
	Ask          float64     `json:"ask,omitempty"`
	UsedFallback bool        `json:"used_fallback"`
	Request      TradeIntent `json:"request"`
}

// AccountSnapshot 为账户资金快照。
type AccountSnapshot struct {
	Login       string  `json:"login"`
	TradeServer string  `json:"server"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
}

// Position 为一笔持仓。
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"price_open"`
	CurrentPrice float64   `json:"price_current"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Deal 为历史成交记录。
type Deal struct {
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	Fee        float64   `json:"fee"`
	Time       time.Time `json:"time"`
}
