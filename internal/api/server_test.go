package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade/internal/audit"
	"copytrade/internal/config"
	"copytrade/internal/registry"
	"copytrade/internal/replication"
	"copytrade/internal/store"
	"copytrade/internal/terminal"
)

// stubAgent 模拟终端代理,所有请求一律成功。
type stubAgent struct {
	mu         sync.Mutex
	orderCount int
	nextTicket int64
}

type agentResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (a *stubAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/initialize":
		_ = enc.Encode(agentResponse{Success: true, Message: "MT5 inizializzato con successo"})
	case r.Method == http.MethodPost && r.URL.Path == "/api/positions":
		a.orderCount++
		a.nextTicket++
		_ = enc.Encode(agentResponse{Success: true, Data: map[string]interface{}{
			"retcode": 10009, "order": a.nextTicket, "deal": a.nextTicket,
			"price": 1.1002, "bid": 1.1000, "ask": 1.1002,
		}})
	case r.Method == http.MethodGet && r.URL.Path == "/api/positions":
		_ = enc.Encode(agentResponse{Success: true, Data: []interface{}{}})
	case r.Method == http.MethodGet && r.URL.Path == "/api/account":
		_ = enc.Encode(agentResponse{Success: true, Data: map[string]interface{}{
			"login": 100001, "server": "Broker-Demo", "balance": 10000.0, "equity": 10050.0, "currency": "USD",
		}})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_ = enc.Encode(agentResponse{Success: false, Message: "Errore: percorso sconosciuto " + r.URL.Path})
	}
}

func (a *stubAgent) orders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderCount
}

type testHarness struct {
	server *Server
	engine *gin.Engine
	reg    *registry.Registry
	agent  *stubAgent
}

func newTestHarness(t *testing.T, apiCfg config.APIConfig) *testHarness {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.NewRegistry(st, nil)
	if err != nil {
		t.Fatalf("init registry: %v", err)
	}
	auditSvc, err := audit.NewService(st, nil)
	if err != nil {
		t.Fatalf("init audit: %v", err)
	}
	mirrors, err := replication.NewMirrorBook(st, nil)
	if err != nil {
		t.Fatalf("init mirror book: %v", err)
	}

	termCfg := config.TerminalConfig{
		Timeout: 2 * time.Second,
		Retry:   config.RetryConfig{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	terminals := terminal.NewManager(reg, termCfg, nil)

	coordinator := replication.NewCoordinator(
		reg,
		managerProvider{terminals},
		mirrors,
		auditSvc,
		config.ReplicationConfig{MaxInFlight: 2, CallTimeout: 2 * time.Second},
		nil,
	)

	srv := NewServer(apiCfg, termCfg, reg, terminals, coordinator, auditSvc, nil)
	return &testHarness{server: srv, engine: srv.buildRouter(), reg: reg, agent: &stubAgent{}}
}

type managerProvider struct {
	terminals *terminal.Manager
}

func (p managerProvider) Endpoint(ctx context.Context, id registry.Identity) (replication.Endpoint, error) {
	return p.terminals.ClientFor(ctx, id)
}

func (h *testHarness) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAPI_ServerAndAccountCRUD(t *testing.T) {
	h := newTestHarness(t, config.APIConfig{})

	rec := h.request(t, http.MethodPost, "/api/servers", map[string]string{
		"name": "vps-1", "url": "http://10.0.0.1:5000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create server: status %d body %s", rec.Code, rec.Body.String())
	}
	var srv registry.Server
	h.decode(t, rec, &srv)
	if srv.ID == "" {
		t.Fatalf("expected server id assigned")
	}

	rec = h.request(t, http.MethodPost, "/api/servers/"+srv.ID+"/accounts", map[string]string{
		"login": "100001", "password": "pw", "trade_server": "Broker-Demo",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: status %d body %s", rec.Code, rec.Body.String())
	}
	var acct registry.Account
	h.decode(t, rec, &acct)

	rec = h.request(t, http.MethodGet, "/api/servers/"+srv.ID+"/accounts/"+acct.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get account: status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"password"`) {
		t.Errorf("password must never appear in responses: %s", rec.Body.String())
	}

	rec = h.request(t, http.MethodGet, "/api/servers/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown server, got %d", rec.Code)
	}

	rec = h.request(t, http.MethodDelete, "/api/servers/"+srv.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete server: status %d", rec.Code)
	}
	rec = h.request(t, http.MethodGet, "/api/servers/"+srv.ID+"/accounts/"+acct.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected cascade delete of accounts, got status %d", rec.Code)
	}
}

func TestAPI_MasterSlaveLinkValidation(t *testing.T) {
	h := newTestHarness(t, config.APIConfig{})

	rec := h.request(t, http.MethodPost, "/api/master-slave", map[string]interface{}{
		"master_server_id":  "srv",
		"master_account_id": "missing",
		"slaves":            []interface{}{},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown master, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_OpenPositionReplicates(t *testing.T) {
	h := newTestHarness(t, config.APIConfig{})

	agentSrv := httptest.NewServer(h.agent)
	t.Cleanup(agentSrv.Close)

	ctx := context.Background()
	srv, err := h.reg.CreateServer(ctx, registry.Server{Name: "vps", URL: agentSrv.URL})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	master, err := h.reg.CreateAccount(ctx, registry.Account{ServerID: srv.ID, Login: "m", Password: "pw", TradeServer: "Demo"})
	if err != nil {
		t.Fatalf("create master: %v", err)
	}
	slave, err := h.reg.CreateAccount(ctx, registry.Account{ServerID: srv.ID, Login: "s", Password: "pw", TradeServer: "Demo"})
	if err != nil {
		t.Fatalf("create slave: %v", err)
	}
	if err := h.reg.UpsertLink(ctx, registry.MasterSlaveLink{
		Master: registry.Identity{ServerID: srv.ID, AccountID: master.ID},
		Slaves: []registry.SlaveSpec{{
			Target:    registry.Identity{ServerID: srv.ID, AccountID: slave.ID},
			SizeRatio: 0.5, Direction: registry.DirectionSame,
		}},
	}); err != nil {
		t.Fatalf("upsert link: %v", err)
	}

	path := fmt.Sprintf("/api/servers/%s/accounts/%s/positions", srv.ID, master.ID)
	rec := h.request(t, http.MethodPost, path, map[string]interface{}{
		"symbol": "EURUSD", "type": "buy", "volume": 1.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("open position: status %d body %s", rec.Code, rec.Body.String())
	}

	var resp replicationResponse
	h.decode(t, rec, &resp)
	if !resp.MasterOutcome.Accepted {
		t.Fatalf("expected master accepted: %+v", resp)
	}
	if len(resp.SlaveOutcomes) != 1 {
		t.Fatalf("expected one slave outcome, got %d", len(resp.SlaveOutcomes))
	}
	if !resp.SlaveOutcomes[0].Outcome.Accepted {
		t.Errorf("expected slave accepted: %+v", resp.SlaveOutcomes[0])
	}
	if resp.SlaveOutcomes[0].Outcome.Request.Volume != 0.5 {
		t.Errorf("expected scaled slave volume 0.5, got %f", resp.SlaveOutcomes[0].Outcome.Request.Volume)
	}

	// 主腿加从腿各一笔委托。
	if h.agent.orders() != 2 {
		t.Errorf("expected 2 order submissions at the agent, got %d", h.agent.orders())
	}
}

func TestAPI_OpenPositionValidation(t *testing.T) {
	h := newTestHarness(t, config.APIConfig{})

	rec := h.request(t, http.MethodPost, "/api/servers/s/accounts/a/positions", map[string]interface{}{
		"symbol": "EURUSD", "type": "hold", "volume": 1.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad side, got %d", rec.Code)
	}

	rec = h.request(t, http.MethodPost, "/api/servers/s/accounts/a/positions", map[string]interface{}{
		"symbol": "EURUSD", "type": "buy", "volume": 1.0,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown master account, got %d", rec.Code)
	}
}

func TestAPI_BasicAuthGuardsAPIGroup(t *testing.T) {
	h := newTestHarness(t, config.APIConfig{AuthUsername: "admin", AuthPassword: "secret"})

	rec := h.request(t, http.MethodGet, "/api/servers", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rec.Code)
	}

	// 根路径的状态页不需要认证。
	rec = h.request(t, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected unauthenticated status page, got %d", rec.Code)
	}
}
