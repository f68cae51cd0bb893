package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"copytrade/internal/config"
)

// fakeAgent 模拟远程终端代理的 HTTP 接口。
// 失败按代理的真实形态返回：HTTP 500 加 {"success": false, "message": "..."}，
// 拒绝消息形如 "Errore nell'apertura della posizione: <retcode>"。
type fakeAgent struct {
	mu            sync.Mutex
	initCalls     int
	initBodies    []map[string]string
	orders        []orderRequest
	closedTickets []string
	rejectPending bool
	rejectAll     bool
	rejectCode    string
	failPositions string
	positions     []wirePosition
	nextTicket    int64
	bid           float64
	ask           float64
	dropNextInit  bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{nextTicket: 1000, bid: 1.1000, ask: 1.1002, rejectCode: "10016"}
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/initialize":
		if a.dropNextInit {
			a.dropNextInit = false
			hijackAndClose(w)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.initCalls++
		a.initBodies = append(a.initBodies, body)
		if body["account_number"] == "" || body["password"] == "" || body["server"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Dati mancanti"})
			return
		}
		writeEnvelope(w, http.StatusOK, agentEnvelope{Success: true, Message: "MT5 inizializzato con successo"})

	case r.Method == http.MethodPost && r.URL.Path == "/api/positions":
		var req orderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.orders = append(a.orders, req)
		if a.rejectAll || (a.rejectPending && req.LimitPrice != nil) {
			writeFailure(w, "Errore nell'apertura della posizione: "+a.rejectCode)
			return
		}
		price := a.ask
		if req.Type == string(SideSell) {
			price = a.bid
		}
		if req.LimitPrice != nil {
			price = *req.LimitPrice
		}
		a.nextTicket++
		writeData(w, orderResult{
			Retcode: 10009,
			Order:   a.nextTicket,
			Deal:    a.nextTicket + 5000,
			Volume:  req.Volume,
			Price:   price,
			Bid:     a.bid,
			Ask:     a.ask,
		})

	case r.Method == http.MethodGet && r.URL.Path == "/api/positions":
		if a.failPositions != "" {
			msg := a.failPositions
			a.failPositions = ""
			writeFailure(w, msg)
			return
		}
		writeData(w, a.positions)

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/positions/"):
		ticket := strings.TrimPrefix(r.URL.Path, "/api/positions/")
		a.closedTickets = append(a.closedTickets, ticket)
		a.nextTicket++
		writeData(w, orderResult{Retcode: 10009, Order: a.nextTicket, Price: a.bid, Bid: a.bid, Ask: a.ask})

	case r.Method == http.MethodGet && r.URL.Path == "/api/account":
		writeData(w, wireAccount{Login: 100001, Server: "Broker-Demo", Balance: 10000, Equity: 10050, Currency: "USD"})

	case r.Method == http.MethodGet && r.URL.Path == "/api/history":
		writeData(w, []wireDeal{{Ticket: 1, Symbol: "EURUSD", Type: 0, Volume: 0.1, Price: 1.09, Time: 1700000000}})

	default:
		writeFailure(w, "Errore: percorso sconosciuto "+r.URL.Path)
	}
}

func hijackAndClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		_ = conn.Close()
	}
}

func writeEnvelope(w http.ResponseWriter, status int, env agentEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeFailure(w http.ResponseWriter, message string) {
	writeEnvelope(w, http.StatusInternalServerError, agentEnvelope{Success: false, Message: message})
}

func writeData(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	writeEnvelope(w, http.StatusOK, agentEnvelope{Success: true, Data: raw})
}

func testTerminalConfig() config.TerminalConfig {
	return config.TerminalConfig{
		Timeout: 2 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		HistoryDays: 7,
	}
}

func newTestClient(t *testing.T, agent *fakeAgent) *Client {
	t.Helper()
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, Credentials{Login: "100001", Password: "pw", Server: "Broker-Demo"}, testTerminalConfig(), nil)
}

func TestPlace_MarketOrderOmitsLimitPrice(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	outcome, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 0.5, StopLoss: 1.0800, TakeProfit: 1.1200,
	})
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected accepted outcome")
	}
	if outcome.Ticket == 0 {
		t.Errorf("expected ticket assigned")
	}
	if outcome.UsedFallback {
		t.Errorf("market order must not report fallback")
	}
	if outcome.Price != agent.ask {
		t.Errorf("buy must fill at the terminal ask: got %f want %f", outcome.Price, agent.ask)
	}

	if agent.initCalls != 1 {
		t.Errorf("expected one initialize call, got %d", agent.initCalls)
	}
	if len(agent.orders) != 1 {
		t.Fatalf("expected one order submission, got %d", len(agent.orders))
	}
	got := agent.orders[0]
	if got.LimitPrice != nil {
		t.Errorf("market order must not carry limit_price, got %f", *got.LimitPrice)
	}
	if got.SL != 1.0800 || got.TP != 1.1200 {
		t.Errorf("risk params not forwarded: %+v", got)
	}
}

func TestPlace_MarketSellFillsAtBid(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	outcome, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideSell, Volume: 0.5,
	})
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if outcome.Price != agent.bid {
		t.Errorf("sell must fill at the terminal bid: got %f want %f", outcome.Price, agent.bid)
	}
}

func TestPlace_InitializeSendsAccountNumber(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	if _, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 0.1,
	}); err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if len(agent.initBodies) != 1 {
		t.Fatalf("expected one initialize call, got %d", len(agent.initBodies))
	}
	body := agent.initBodies[0]
	if body["account_number"] != "100001" {
		t.Errorf("initialize must send account_number, got %v", body)
	}
	if body["password"] != "pw" || body["server"] != "Broker-Demo" {
		t.Errorf("initialize must send password and server, got %v", body)
	}
}

// 挂单被柜台以 "Errore nell'apertura della posizione: 10016" 拒绝时，
// 允许回退的意图必须恰好补发一次不带 limit_price 的市价单。
func TestPlace_LimitFallsBackToMarketOnce(t *testing.T) {
	agent := newFakeAgent()
	agent.rejectPending = true
	client := newTestClient(t, agent)

	outcome, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 1.0, LimitPrice: 1.0850, FallbackToMarket: true,
	})
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if !outcome.Accepted || !outcome.UsedFallback {
		t.Fatalf("expected accepted fallback outcome, got %+v", outcome)
	}

	if len(agent.orders) != 2 {
		t.Fatalf("expected exactly two submissions (limit then market), got %d", len(agent.orders))
	}
	first := agent.orders[0]
	if first.LimitPrice == nil || *first.LimitPrice != 1.0850 {
		t.Errorf("first submission must carry limit_price 1.0850: %+v", first)
	}
	if agent.orders[1].LimitPrice != nil {
		t.Errorf("fallback must be a market order without limit_price: %+v", agent.orders[1])
	}
}

func TestPlace_LimitRejectionWithoutFallback(t *testing.T) {
	agent := newFakeAgent()
	agent.rejectPending = true
	client := newTestClient(t, agent)

	outcome, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 1.0, LimitPrice: 1.0850,
	})
	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if rejectErr.Code != 10016 {
		t.Errorf("expected retcode 10016 parsed from rejection message, got %d", rejectErr.Code)
	}
	if outcome.Accepted || outcome.UsedFallback {
		t.Errorf("rejected order must not report accepted or fallback: %+v", outcome)
	}
	if len(agent.orders) != 1 {
		t.Fatalf("expected single submission without fallback, got %d", len(agent.orders))
	}
}

func TestPlace_FallbackRejectionSurfaces(t *testing.T) {
	agent := newFakeAgent()
	agent.rejectAll = true
	client := newTestClient(t, agent)

	outcome, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 1.0, LimitPrice: 1.0850, FallbackToMarket: true,
	})
	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("expected RejectError from fallback, got %v", err)
	}
	if outcome.UsedFallback {
		t.Errorf("failed fallback must not be reported as used")
	}
	if len(agent.orders) != 2 {
		t.Fatalf("expected limit plus one fallback attempt, got %d submissions", len(agent.orders))
	}
}

func TestPlace_NoRetryOnOrderSubmission(t *testing.T) {
	agent := newFakeAgent()
	agent.rejectAll = true
	client := newTestClient(t, agent)

	_, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 1.0,
	})
	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if len(agent.orders) != 1 {
		t.Fatalf("order submission must never be retried, got %d attempts", len(agent.orders))
	}
}

func TestPlace_SessionReusedAcrossCalls(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	for i := 0; i < 3; i++ {
		if _, err := client.Place(context.Background(), TradeIntent{
			Symbol: "EURUSD", Side: SideBuy, Volume: 0.1,
		}); err != nil {
			t.Fatalf("Place %d returned error: %v", i, err)
		}
	}
	if agent.initCalls != 1 {
		t.Errorf("expected session reuse with single initialize, got %d", agent.initCalls)
	}
}

func TestPlace_RetriesTransientInitializeFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.dropNextInit = true
	client := newTestClient(t, agent)

	outcome, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 0.1,
	})
	if err != nil {
		t.Fatalf("expected initialize retry to succeed, got %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected accepted outcome after retry")
	}
}

// "MT5 non inizializzato" 使会话失效，下一次调用必须重新初始化。
func TestOpenPositions_SessionResetOnNotInitialized(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	if _, err := client.OpenPositions(context.Background()); err != nil {
		t.Fatalf("warmup OpenPositions returned error: %v", err)
	}

	agent.failPositions = "MT5 non inizializzato"
	if _, err := client.OpenPositions(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	if _, err := client.OpenPositions(context.Background()); err != nil {
		t.Fatalf("expected re-initialized call to succeed, got %v", err)
	}
	if agent.initCalls != 2 {
		t.Errorf("expected re-initialize after session loss, got %d initialize calls", agent.initCalls)
	}
}

func TestPlace_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(srv.URL, Credentials{Login: "1"}, testTerminalConfig(), nil)
	_, err := client.Place(context.Background(), TradeIntent{
		Symbol: "EURUSD", Side: SideBuy, Volume: 0.1,
	})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestPlace_ValidatesBeforeRemoteCall(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	if _, err := client.Place(context.Background(), TradeIntent{Symbol: "EURUSD", Side: SideBuy, Volume: 0}); !errors.Is(err, ErrInvalidVolume) {
		t.Errorf("expected ErrInvalidVolume, got %v", err)
	}
	if _, err := client.Place(context.Background(), TradeIntent{Side: SideBuy, Volume: 1}); err == nil {
		t.Errorf("expected validation error for empty symbol")
	}

	var validationErr *ValidationError
	_, err := client.Place(context.Background(), TradeIntent{Symbol: "EURUSD", Side: "hold", Volume: 1})
	if !errors.As(err, &validationErr) {
		t.Errorf("expected ValidationError for bad side, got %v", err)
	}

	if agent.initCalls != 0 {
		t.Errorf("invalid intents must not touch the terminal, got %d initialize calls", agent.initCalls)
	}
}

func TestClose_SubmitsInverseForFullVolume(t *testing.T) {
	agent := newFakeAgent()
	agent.positions = []wirePosition{
		{Ticket: 42, Symbol: "EURUSD", Type: 0, Volume: 1.5, PriceOpen: 1.0900},
	}
	client := newTestClient(t, agent)

	outcome, err := client.Close(context.Background(), 42)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected accepted close")
	}
	if outcome.Request.Side != SideSell {
		t.Errorf("closing a buy must be a sell, got %s", outcome.Request.Side)
	}
	if outcome.Request.Volume != 1.5 {
		t.Errorf("close must cover the full volume, got %f", outcome.Request.Volume)
	}
	if len(agent.closedTickets) != 1 || agent.closedTickets[0] != "42" {
		t.Errorf("expected DELETE for ticket 42, got %v", agent.closedTickets)
	}
}

func TestClose_UnknownTicket(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	_, err := client.Close(context.Background(), 9999)
	if !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
	if len(agent.closedTickets) != 0 {
		t.Errorf("expected no close call for unknown ticket")
	}
}

func TestHistory_MapsWireDeals(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	deals, err := client.History(context.Background(), 3)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("expected one deal, got %d", len(deals))
	}
	if deals[0].Symbol != "EURUSD" || deals[0].Side != SideBuy {
		t.Errorf("unexpected deal mapping: %+v", deals[0])
	}
	if deals[0].Time.IsZero() {
		t.Errorf("expected deal time populated")
	}
}

func TestAccountSnapshot(t *testing.T) {
	agent := newFakeAgent()
	client := newTestClient(t, agent)

	snap, err := client.AccountSnapshot(context.Background())
	if err != nil {
		t.Fatalf("AccountSnapshot returned error: %v", err)
	}
	if snap.Login != "100001" || snap.Currency != "USD" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.TradeServer != "Broker-Demo" {
		t.Errorf("expected trade server mapped, got %q", snap.TradeServer)
	}
}

func TestMapAgentError_ClassifiesByMessage(t *testing.T) {
	client := NewClient("http://unused", Credentials{}, testTerminalConfig(), nil)

	cases := []struct {
		name    string
		message string
		target  error
	}{
		{"not initialized", "MT5 non inizializzato", ErrNotAuthenticated},
		{"symbol", "Simbolo non trovato: XAUUSD", ErrSymbolUnavailable},
		{"position", "Posizione non trovata: 42", ErrPositionNotFound},
	}
	for _, tc := range cases {
		err := client.mapAgentError(agentEnvelope{Message: tc.message})
		if !errors.Is(err, tc.target) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.target, err)
		}
	}

	var rejectErr *RejectError
	err := client.mapAgentError(agentEnvelope{Message: "Errore nell'apertura della posizione: 10016"})
	if !errors.As(err, &rejectErr) || rejectErr.Code != 10016 {
		t.Errorf("expected open rejection with retcode 10016, got %v", err)
	}
	err = client.mapAgentError(agentEnvelope{Message: "Errore nella chiusura della posizione: 10019"})
	if !errors.As(err, &rejectErr) || rejectErr.Code != 10019 {
		t.Errorf("expected close rejection with retcode 10019, got %v", err)
	}

	if err := client.mapAgentError(agentEnvelope{Error: "Dati mancanti"}); err == nil {
		t.Errorf("expected generic error for missing request data")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unreachable", ErrUnreachable, true},
		{"reject", &RejectError{Code: 10015}, false},
		{"not authenticated", ErrNotAuthenticated, false},
		{"symbol", ErrSymbolUnavailable, false},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable=%v want %v", tc.name, got, tc.want)
		}
	}
}
