// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/packsale-admin/internal/audit"
	"github.com/yourusername/packsale-admin/internal/auth"
	"github.com/yourusername/packsale-admin/internal/config"
	"github.com/yourusername/packsale-admin/internal/password"
	"github.com/yourusername/packsale-admin/internal/token"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter, closeLimiter, err := setupLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up login limiter", "error", err)
		os.Exit(1)
	}
	defer closeLimiter()

	// 署名鍵が未設定の場合、ログインとセッション確認は 500 を返す
	var issuer *token.Issuer
	if cfg.SessionSecret != "" {
		issuer, err = token.NewIssuer(cfg.SessionSecret)
		if err != nil {
			logger.Error("failed to create token issuer", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("ADMIN_SESSION_SECRET is not set; admin login is disabled")
	}
	if cfg.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH is not set; admin login is disabled")
	}

	var (
		recorder audit.Recorder = audit.Nop{}
		events   auditLister
	)
	if cfg.AuditRedisURL != "" {
		auditManager, closeAudit, err := setupAudit(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to set up audit trail", "error", err)
			os.Exit(1)
		}
		auditManager.StartWorkers()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := auditManager.Shutdown(shutdownCtx); err != nil {
				logger.Warn("audit shutdown failed", "error", err)
			}
			closeAudit()
		}()
		recorder = auditManager
		events = auditManager
	}

	authManager := auth.NewManager(cfg, auth.Deps{
		Hasher:  password.NewHasher(password.DefaultParams),
		Limiter: limiter,
		Issuer:  issuer,
		Audit:   recorder,
		Logger:  logger,
	})

	router, err := newRouter(cfg, authManager, events, logger)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	go runSweeper(ctx, limiter, time.Duration(cfg.RateLimitSweepMinutes)*time.Minute, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failure", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
}

// newRouter はミドルウェアとルーティングを組み立てます。events が nil の場合、監査ログ一覧は 503 を返します。
func newRouter(cfg *config.Config, authManager *auth.Manager, events auditLister, logger *slog.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	if len(cfg.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			return nil, err
		}
	}

	// 許可されていないメソッドは 404 ではなく 405 を返す
	router.HandleMethodNotAllowed = true
	router.NoMethod(auth.MethodNotAllowed)

	// CORSミドルウェアの設定
	if origins := cfg.AllowedOrigins(); len(origins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
		corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
		corsConfig.OptionsResponseStatusCode = http.StatusOK
		router.Use(cors.New(corsConfig))
	}

	setupRoutes(router, authManager, events)
	return router, nil
}

// setupRoutes は管理者向けエンドポイントを登録します。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, events auditLister) {
	router.GET("/health", handleHealth)

	admin := router.Group("/admin")
	{
		admin.POST("/login", authManager.Login)
		admin.OPTIONS("/login", auth.Preflight)

		admin.GET("/session", authManager.Session)
		admin.OPTIONS("/session", auth.Preflight)

		admin.POST("/logout", authManager.Logout)
		admin.OPTIONS("/logout", auth.Preflight)

		admin.GET("/audit", authManager.RequireAdmin(), auditListHandler(events))
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "packsale-admin-api",
		"version": "0.1.0",
	})
}
