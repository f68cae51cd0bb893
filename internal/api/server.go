package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copytrade/internal/audit"
	"copytrade/internal/config"
	"copytrade/internal/registry"
	"copytrade/internal/replication"
	"copytrade/internal/terminal"
)

// Server 对外提供管理与下单的 HTTP 控制面。
type Server struct {
	cfg         config.APIConfig
	termCfg     config.TerminalConfig
	registry    *registry.Registry
	terminals   *terminal.Manager
	coordinator *replication.Coordinator
	audit       *audit.Service
	logger      *zap.Logger

	httpSrv *http.Server
}

func NewServer(
	cfg config.APIConfig,
	termCfg config.TerminalConfig,
	reg *registry.Registry,
	terminals *terminal.Manager,
	coordinator *replication.Coordinator,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		termCfg:     termCfg,
		registry:    reg,
		terminals:   terminals,
		coordinator: coordinator,
		audit:       auditSvc,
		logger:      logger,
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.buildRouter(),
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	r.GET("/", s.handleIndex)

	api := r.Group("/api")
	if s.cfg.AuthUsername != "" {
		api.Use(gin.BasicAuth(gin.Accounts{s.cfg.AuthUsername: s.cfg.AuthPassword}))
	}

	api.POST("/servers", s.handleCreateServer)
	api.GET("/servers", s.handleListServers)
	api.GET("/servers/:server_id", s.handleGetServer)
	api.PUT("/servers/:server_id", s.handleUpdateServer)
	api.DELETE("/servers/:server_id", s.handleDeleteServer)

	api.POST("/servers/:server_id/accounts", s.handleCreateAccount)
	api.GET("/servers/:server_id/accounts", s.handleListAccounts)
	api.GET("/servers/:server_id/accounts/:account_id", s.handleGetAccount)
	api.PUT("/servers/:server_id/accounts/:account_id", s.handleUpdateAccount)
	api.DELETE("/servers/:server_id/accounts/:account_id", s.handleDeleteAccount)

	api.POST("/master-slave", s.handleUpsertLink)
	api.GET("/master-slave", s.handleListLinks)
	api.GET("/master-slave/:server_id/:account_id", s.handleGetLink)
	api.DELETE("/master-slave/:server_id/:account_id", s.handleDeleteLink)

	api.POST("/servers/:server_id/accounts/:account_id/positions", s.handleOpenPosition)
	api.GET("/servers/:server_id/accounts/:account_id/positions", s.handleListPositions)
	api.DELETE("/servers/:server_id/accounts/:account_id/positions/:ticket", s.handleClosePosition)
	api.GET("/servers/:server_id/accounts/:account_id/account", s.handleAccountSnapshot)
	api.GET("/servers/:server_id/accounts/:account_id/history", s.handleHistory)

	api.GET("/events", s.handleListEvents)

	return r
}

// Run 启动 HTTP 服务并阻塞,直到 ctx 取消后完成优雅退出。
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务启动", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP 服务关闭失败", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP 服务已退出")
	return <-errCh
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"message": "copytrade control API",
		"version": "1.0.0",
	})
}
