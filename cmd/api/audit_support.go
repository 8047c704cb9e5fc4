package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/packsale-admin/internal/audit"
	"github.com/yourusername/packsale-admin/internal/config"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// auditLister は直近の監査イベントを返すコンポーネントです。
type auditLister interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// setupAudit は監査イベントのキューと保存先を初期化します。
// DATABASE_URL が設定されていれば Postgres にも書き込みます。
// 戻り値の closeFn は Manager を止めた後に呼び、Redis と Postgres の接続を閉じます。
func setupAudit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*audit.Manager, func(), error) {
	opt, err := redis.ParseURL(cfg.AuditRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse AUDIT_REDIS_URL: %w", err)
	}
	store := audit.NewStore(redis.NewClient(opt), cfg.AuditRetention)
	closers := []func() error{store.Close}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close audit connection", "error", err)
			}
		}
	}

	var sink audit.Sink
	if cfg.DatabaseURL != "" {
		db, err := audit.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, sqlDB.Close)
		}
		if err := audit.RunMigrations(ctx, db, logger); err != nil {
			closeAll()
			return nil, nil, err
		}
		sink = audit.NewPostgresSink(db)
		logger.Info("audit events are mirrored to postgres")
	}

	manager, err := audit.NewManager(cfg, store, sink, logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return manager, closeAll, nil
}

// auditListHandler は GET /admin/audit のハンドラーです。
func auditListHandler(events auditLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		if events == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"code":    "AUDIT_DISABLED",
				"message": "監査ログは無効になっています",
			})
			return
		}

		limit := defaultAuditLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"success": false,
					"code":    "INVALID_INPUT",
					"message": "limit は正の整数で指定してください",
				})
				return
			}
			limit = min(n, maxAuditLimit)
		}

		list, err := events.Recent(c.Request.Context(), limit)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "failed to list audit events", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"code":    "INTERNAL_ERROR",
				"message": "監査ログの取得に失敗しました",
			})
			return
		}
		if list == nil {
			list = []audit.Event{}
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"events":  list,
		})
	}
}
