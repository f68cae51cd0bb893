package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"copytrade/internal/config"
)

// Credentials 为终端登录某个交易账户所需的凭据。
type Credentials struct {
	Login    string
	Password string
	Server   string
}

// Client 负责与单个账户的远程交易终端代理交互。
// 终端会话不可重入，同一账户的所有远程调用在客户端内部串行。
type Client struct {
	baseURL string
	creds   Credentials
	cfg     config.TerminalConfig
	http    *http.Client
	logger  *zap.Logger

	mu           sync.Mutex
	sessionReady bool
}

// NewClient 构造指向单个终端代理的客户端。
func NewClient(baseURL string, creds Credentials, cfg config.TerminalConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Place 按意图下单。市价单由终端按当前报价成交，结果回显成交价与买卖价。
// 挂单被柜台拒绝且意图允许回退时，改发一次市价单，成功则标记 used_fallback。
// 回退决策在本端：挂单提交从不委托终端侧回退。
func (c *Client) Place(ctx context.Context, intent TradeIntent) (ExecutionOutcome, error) {
	if err := intent.Validate(); err != nil {
		return ExecutionOutcome{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return ExecutionOutcome{}, err
	}

	outcome := ExecutionOutcome{Request: intent}

	if !intent.IsLimit() {
		res, err := c.submitOrder(ctx, intent, 0)
		return c.finishSubmission(outcome, res, err)
	}

	res, err := c.submitOrder(ctx, intent, intent.LimitPrice)
	if err == nil {
		return c.finishSubmission(outcome, res, nil)
	}

	var rejectErr *RejectError
	if errors.As(err, &rejectErr) && intent.FallbackToMarket {
		c.logger.Info("挂单被拒绝，回退为市价单",
			zap.String("login", c.creds.Login),
			zap.String("symbol", intent.Symbol),
			zap.Int("retcode", rejectErr.Code),
		)
		res, fallbackErr := c.submitOrder(ctx, intent, 0)
		if fallbackErr == nil {
			outcome.UsedFallback = true
			return c.finishSubmission(outcome, res, nil)
		}
		err = fallbackErr
	}

	return c.finishSubmission(outcome, orderResult{}, err)
}

// Close 按票号平仓。
// 平仓单由终端以持仓方向的反向、全部手数、对侧报价提交。
func (c *Client) Close(ctx context.Context, ticket int64) (ExecutionOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return ExecutionOutcome{}, err
	}

	positions, err := c.fetchPositions(ctx)
	if err != nil {
		return ExecutionOutcome{}, err
	}

	var pos *Position
	for i := range positions {
		if positions[i].Ticket == ticket {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return ExecutionOutcome{}, fmt.Errorf("%w: ticket=%d", ErrPositionNotFound, ticket)
	}

	outcome := ExecutionOutcome{
		Request: TradeIntent{Symbol: pos.Symbol, Side: pos.Side.Opposite(), Volume: pos.Volume},
	}

	var res orderResult
	err = c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/positions/%d", ticket), nil, nil, &res)
	return c.finishSubmission(outcome, res, err)
}

// AccountSnapshot 获取账户资金快照。
func (c *Client) AccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return AccountSnapshot{}, err
	}

	var raw wireAccount
	err := c.callWithRetry(ctx, "account_snapshot", func() error {
		return c.do(ctx, http.MethodGet, "/api/account", nil, nil, &raw)
	})
	if err != nil {
		return AccountSnapshot{}, err
	}

	return AccountSnapshot{
		Login:       strconv.FormatInt(raw.Login, 10),
		TradeServer: raw.Server,
		Balance:     raw.Balance,
		Equity:      raw.Equity,
		Margin:      raw.Margin,
		MarginFree:  raw.MarginFree,
		MarginLevel: raw.MarginLevel,
		Currency:    raw.Currency,
	}, nil
}

// OpenPositions 获取全部持仓。
func (c *Client) OpenPositions(ctx context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	return c.fetchPositions(ctx)
}

// History 获取最近 days 天的成交历史。
func (c *Client) History(ctx context.Context, days int) ([]Deal, error) {
	if days <= 0 {
		days = c.cfg.HistoryDays
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var raw []wireDeal
	err := c.callWithRetry(ctx, "history", func() error {
		query := url.Values{"days": []string{strconv.Itoa(days)}}
		return c.do(ctx, http.MethodGet, "/api/history", query, nil, &raw)
	})
	if err != nil {
		return nil, err
	}

	deals := make([]Deal, 0, len(raw))
	for _, d := range raw {
		deals = append(deals, Deal{
			Ticket:     d.Ticket,
			Symbol:     d.Symbol,
			Side:       sideFromOrderType(d.Type),
			Volume:     d.Volume,
			Price:      d.Price,
			Profit:     d.Profit,
			Commission: d.Commission,
			Swap:       d.Swap,
			Fee:        d.Fee,
			Time:       time.Unix(d.Time, 0).UTC(),
		})
	}
	return deals, nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.sessionReady {
		return nil
	}

	err := c.callWithRetry(ctx, "initialize", func() error {
		body := map[string]string{
			"account_number": c.creds.Login,
			"password":       c.creds.Password,
			"server":         c.creds.Server,
		}
		return c.do(ctx, http.MethodPost, "/api/initialize", nil, body, nil)
	})
	if err != nil {
		return err
	}

	c.sessionReady = true
	c.logger.Info("终端会话已建立",
		zap.String("login", c.creds.Login),
		zap.String("endpoint", c.baseURL),
	)
	return nil
}

func (c *Client) fetchPositions(ctx context.Context) ([]Position, error) {
	var raw []wirePosition
	err := c.callWithRetry(ctx, "positions", func() error {
		return c.do(ctx, http.MethodGet, "/api/positions", nil, nil, &raw)
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, Position{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Side:         sideFromOrderType(p.Type),
			Volume:       p.Volume,
			OpenPrice:    p.PriceOpen,
			CurrentPrice: p.PriceCurrent,
			StopLoss:     p.SL,
			TakeProfit:   p.TP,
			Profit:       p.Profit,
			OpenedAt:     time.Unix(p.Time, 0).UTC(),
		})
	}
	return positions, nil
}

// submitOrder 发送单次委托，不做重试：委托提交不是幂等操作。
// limitPrice 为0时提交市价单，否则提交该价位的挂单。
func (c *Client) submitOrder(ctx context.Context, intent TradeIntent, limitPrice float64) (orderResult, error) {
	body := orderRequest{
		Symbol: intent.Symbol,
		Type:   string(intent.Side),
		Volume: intent.Volume,
		SL:     intent.StopLoss,
		TP:     intent.TakeProfit,
	}
	if limitPrice > 0 {
		body.LimitPrice = &limitPrice
	}

	var res orderResult
	if err := c.do(ctx, http.MethodPost, "/api/positions", nil, body, &res); err != nil {
		return orderResult{}, err
	}
	return res, nil
}

func (c *Client) finishSubmission(outcome ExecutionOutcome, res orderResult, err error) (ExecutionOutcome, error) {
	if err != nil {
		var rejectErr *RejectError
		if errors.As(err, &rejectErr) {
			outcome.Accepted = false
			outcome.Reason = rejectErr.Error()
			outcome.UsedFallback = false
			return outcome, err
		}
		return ExecutionOutcome{Request: outcome.Request}, err
	}

	outcome.Accepted = true
	outcome.Ticket = res.Order
	outcome.Deal = res.Deal
	outcome.Price = res.Price
	outcome.Bid = res.Bid
	outcome.Ask = res.Ask
	return outcome, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, ctxErr)
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("终端调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("终端调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// do 执行一次HTTP调用并解包终端代理的响应。
// 代理失败时只返回 {"success": false, "message": "..."}，缺参时为
// {"error": "..."}；没有独立的错误码字段，按消息前缀分类。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("terminal: 序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("terminal: 构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var envelope agentEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("terminal: 解析终端响应失败 (http %d): %w", resp.StatusCode, err)
	}

	if !envelope.Success {
		return c.mapAgentError(envelope)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("terminal: 解析终端数据失败: %w", err)
		}
	}
	return nil
}

// 终端代理MT5封装层的失败消息前缀。
const (
	msgNotInitialized   = "MT5 non inizializzato"
	msgSymbolNotFound   = "Simbolo non trovato"
	msgPositionNotFound = "Posizione non trovata"
	msgOpenRejected     = "Errore nell'apertura della posizione"
	msgCloseRejected    = "Errore nella chiusura della posizione"
)

func (c *Client) mapAgentError(envelope agentEnvelope) error {
	msg := envelope.Message
	if msg == "" {
		msg = envelope.Error
	}

	switch {
	case strings.HasPrefix(msg, msgNotInitialized):
		c.sessionReady = false
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, msg)
	case strings.HasPrefix(msg, msgSymbolNotFound):
		return fmt.Errorf("%w: %s", ErrSymbolUnavailable, msg)
	case strings.HasPrefix(msg, msgPositionNotFound):
		return fmt.Errorf("%w: %s", ErrPositionNotFound, msg)
	case strings.HasPrefix(msg, msgOpenRejected), strings.HasPrefix(msg, msgCloseRejected):
		return &RejectError{Code: retcodeFromMessage(msg), Message: msg}
	default:
		return fmt.Errorf("terminal: 终端返回错误: %s", msg)
	}
}

// retcodeFromMessage 提取 "...: <retcode>" 形式拒绝消息末尾的返回码。
func retcodeFromMessage(msg string) int {
	idx := strings.LastIndex(msg, ":")
	if idx < 0 || idx+1 >= len(msg) {
		return 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(msg[idx+1:]))
	if err != nil {
		return 0
	}
	return code
}

// sideFromOrderType 映射MT5的数字委托类型：0 买，1 卖。
func sideFromOrderType(t int) Side {
	if t == 0 {
		return SideBuy
	}
	return SideSell
}

type agentEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type orderRequest struct {
	Symbol     string   `json:"symbol"`
	Type       string   `json:"type"`
	Volume     float64  `json:"volume"`
	SL         float64  `json:"sl,omitempty"`
	TP         float64  `json:"tp,omitempty"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
}

type orderResult struct {
	Retcode int     `json:"retcode"`
	Deal    int64   `json:"deal"`
	Order   int64   `json:"order"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Comment string  `json:"comment"`
}

type wireAccount struct {
	Login       int64   `json:"login"`
	Server      string  `json:"server"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
}

type wirePosition struct {
	Ticket       int64   `json:"ticket"`
	Time         int64   `json:"time"`
	Type         int     `json:"type"`
	Symbol       string  `json:"symbol"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
}

type wireDeal struct {
	Ticket     int64   `json:"ticket"`
	Time       int64   `json:"time"`
	Type       int     `json:"type"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Fee        float64 `json:"fee"`
}
