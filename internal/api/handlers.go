package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copytrade/internal/audit"
	"copytrade/internal/registry"
	"copytrade/internal/replication"
	"copytrade/internal/terminal"
)

func identityFromPath(c *gin.Context) registry.Identity {
	return registry.Identity{
		ServerID:  c.Param("server_id"),
		AccountID: c.Param("account_id"),
	}
}

// renderError 按错误类别映射 HTTP 状态码。校验类错误归 400,
// 找不到的资源归 404,终端不可达归 502,其余一律 500。
func (s *Server) renderError(c *gin.Context, err error) {
	var validationErr *terminal.ValidationError
	switch {
	case errors.As(err, &validationErr),
		errors.Is(err, terminal.ErrInvalidVolume),
		errors.Is(err, registry.ErrInvalidLink):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrServerNotFound),
		errors.Is(err, registry.ErrAccountNotFound),
		errors.Is(err, registry.ErrLinkNotFound),
		errors.Is(err, terminal.ErrPositionNotFound),
		errors.Is(err, terminal.ErrSymbolUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, terminal.ErrUnreachable),
		errors.Is(err, terminal.ErrNotAuthenticated):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.Error("请求处理失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ---- 服务器管理 ----

func (s *Server) handleCreateServer(c *gin.Context) {
	var req createServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	srv, err := s.registry.CreateServer(c.Request.Context(), registry.Server{
		Name: req.Name,
		URL:  req.URL,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, srv)
}

func (s *Server) handleListServers(c *gin.Context) {
	servers, err := s.registry.ListServers(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

func (s *Server) handleGetServer(c *gin.Context) {
	srv, err := s.registry.GetServer(c.Request.Context(), c.Param("server_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, srv)
}

func (s *Server) handleUpdateServer(c *gin.Context) {
	var req updateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	srv, err := s.registry.GetServer(ctx, c.Param("server_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	urlChanged := false
	if req.Name != nil {
		srv.Name = *req.Name
	}
	if req.URL != nil && *req.URL != srv.URL {
		srv.URL = *req.URL
		urlChanged = true
	}
	if req.Status != nil {
		srv.Status = *req.Status
	}
	if err := s.registry.UpdateServer(ctx, srv); err != nil {
		s.renderError(c, err)
		return
	}
	// 地址变了,缓存的终端连接全部作废。
	if urlChanged {
		s.terminals.EvictServer(srv.ID)
	}
	c.JSON(http.StatusOK, srv)
}

func (s *Server) handleDeleteServer(c *gin.Context) {
	serverID := c.Param("server_id")
	if err := s.registry.DeleteServer(c.Request.Context(), serverID); err != nil {
		s.renderError(c, err)
		return
	}
	s.terminals.EvictServer(serverID)
	c.JSON(http.StatusOK, gin.H{"deleted": serverID})
}

// ---- 账户管理 ----

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, err := s.registry.CreateAccount(c.Request.Context(), registry.Account{
		ServerID:    c.Param("server_id"),
		Login:       req.Login,
		Password:    req.Password,
		TradeServer: req.TradeServer,
		Description: req.Description,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.registry.ListAccounts(c.Request.Context(), c.Param("server_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	acct, err := s.registry.GetAccount(c.Request.Context(), identityFromPath(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	id := identityFromPath(c)
	acct, err := s.registry.GetAccount(ctx, id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	credsChanged := false
	if req.Login != nil && *req.Login != acct.Login {
		acct.Login = *req.Login
		credsChanged = true
	}
	if req.Password != nil && *req.Password != acct.Password {
		acct.Password = *req.Password
		credsChanged = true
	}
	if req.TradeServer != nil && *req.TradeServer != acct.TradeServer {
		acct.TradeServer = *req.TradeServer
		credsChanged = true
	}
	if req.Description != nil {
		acct.Description = *req.Description
	}
	if req.Status != nil {
		acct.Status = *req.Status
	}
	if err := s.registry.UpdateAccount(ctx, acct); err != nil {
		s.renderError(c, err)
		return
	}
	if credsChanged {
		s.terminals.Evict(id)
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id := identityFromPath(c)
	if err := s.registry.DeleteAccount(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	s.terminals.Evict(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id.String()})
}

// ---- 主从关系管理 ----

func (s *Server) handleUpsertLink(c *gin.Context) {
	var req masterSlaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	link := registry.MasterSlaveLink{
		Master: registry.Identity{ServerID: req.MasterServerID, AccountID: req.MasterAccountID},
		Slaves: make([]registry.SlaveSpec, 0, len(req.Slaves)),
	}
	for _, spec := range req.Slaves {
		link.Slaves = append(link.Slaves, registry.SlaveSpec{
			Target:         registry.Identity{ServerID: spec.ServerID, AccountID: spec.AccountID},
			SizeRatio:      spec.SizeRatio,
			Direction:      registry.Direction(spec.Direction),
			CopyRiskParams: spec.CopyRiskParams,
		})
	}
	if err := s.registry.UpsertLink(c.Request.Context(), link); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMasterSlaveResponse(link))
}

func (s *Server) handleListLinks(c *gin.Context) {
	links, err := s.registry.ListLinks(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	resp := make([]masterSlaveResponse, 0, len(links))
	for _, link := range links {
		resp = append(resp, toMasterSlaveResponse(link))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetLink(c *gin.Context) {
	link, err := s.registry.LookupLink(c.Request.Context(), identityFromPath(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if link == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrLinkNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, toMasterSlaveResponse(*link))
}

func (s *Server) handleDeleteLink(c *gin.Context) {
	id := identityFromPath(c)
	if err := s.registry.DeleteLink(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id.String()})
}

// ---- 交易与复制 ----

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req openPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent := terminal.TradeIntent{
		Symbol:           req.Symbol,
		Side:             terminal.Side(req.Type),
		Volume:           req.Volume,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		LimitPrice:       req.LimitPrice,
		FallbackToMarket: req.FallbackToMarket,
	}
	result, err := s.coordinator.Replicate(c.Request.Context(), identityFromPath(c), intent)
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.renderReplication(c, result)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	ticket, err := strconv.ParseInt(c.Param("ticket"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticket 必须是整数"})
		return
	}
	var req closePositionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	explicit := make([]replication.SlaveTicket, 0, len(req.SlaveTickets))
	for _, st := range req.SlaveTickets {
		explicit = append(explicit, replication.SlaveTicket{
			Target: registry.Identity{ServerID: st.ServerID, AccountID: st.AccountID},
			Ticket: st.Ticket,
		})
	}
	result, err := s.coordinator.ReplicateClose(c.Request.Context(), identityFromPath(c), ticket, explicit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.renderReplication(c, result)
}

// renderReplication 输出复制结果。主账户传输层失败导致的中止用 502,
// 提示调用方稍后重试;主账户被柜台明确拒绝仍是 200,由 accepted 字段表达。
func (s *Server) renderReplication(c *gin.Context, result replication.Result) {
	status := http.StatusOK
	if result.Aborted && result.MasterErr != nil {
		var rejectErr *terminal.RejectError
		if !errors.As(result.MasterErr, &rejectErr) {
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, toReplicationResponse(result))
}

// ---- 终端只读查询 ----

func (s *Server) handleListPositions(c *gin.Context) {
	client, err := s.terminals.ClientFor(c.Request.Context(), identityFromPath(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	positions, err := client.OpenPositions(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleAccountSnapshot(c *gin.Context) {
	client, err := s.terminals.ClientFor(c.Request.Context(), identityFromPath(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	snapshot, err := client.AccountSnapshot(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleHistory(c *gin.Context) {
	days := s.termCfg.HistoryDays
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days 必须是正整数"})
			return
		}
		days = parsed
	}
	client, err := s.terminals.ClientFor(c.Request.Context(), identityFromPath(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	deals, err := client.History(c.Request.Context(), days)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, deals)
}

// ---- 审计事件 ----

func (s *Server) handleListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 必须是正整数"})
			return
		}
		limit = parsed
	}
	events, err := s.audit.ListEvents(c.Request.Context(), audit.EventType(c.Query("type")), limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
