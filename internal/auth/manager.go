// Package auth は管理者の認証・認可機能を提供します。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/yourusername/packsale-admin/internal/audit"
	"github.com/yourusername/packsale-admin/internal/config"
	"github.com/yourusername/packsale-admin/internal/password"
	"github.com/yourusername/packsale-admin/internal/ratelimit"
	"github.com/yourusername/packsale-admin/internal/token"
)

// ContextClaimsKey は、ハンドラー間で検証済みトークンの内容を共有するためのキーです。
const ContextClaimsKey = "auth.claims"

var (
	errMissingCredential = errors.New("ADMIN_PASSWORD_HASH is not configured")
	errMissingSecret     = errors.New("ADMIN_SESSION_SECRET is not configured")
)

// Deps は Manager が利用するコンポーネントです。
type Deps struct {
	Hasher  *password.Hasher
	Limiter *ratelimit.Limiter
	Issuer  *token.Issuer // 署名鍵が未設定の場合は nil
	Audit   audit.Recorder
	Logger  *slog.Logger

	// MaxConcurrentVerify は同時に実行する KDF の上限です。0 なら GOMAXPROCS。
	MaxConcurrentVerify int
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	credential   string
	secureCookie bool
	hasher       *password.Hasher
	limiter      *ratelimit.Limiter
	issuer       *token.Issuer
	audit        audit.Recorder
	logger       *slog.Logger
	verifySlots  *semaphore.Weighted
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, deps Deps) *Manager {
	m := &Manager{
		credential:   cfg.AdminPasswordHash,
		secureCookie: cfg.IsProduction(),
		hasher:       deps.Hasher,
		limiter:      deps.Limiter,
		issuer:       deps.Issuer,
		audit:        deps.Audit,
		logger:       deps.Logger,
	}
	if m.hasher == nil {
		m.hasher = password.NewHasher(password.DefaultParams)
	}
	if m.limiter == nil {
		m.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	slots := deps.MaxConcurrentVerify
	if slots <= 0 {
		slots = runtime.GOMAXPROCS(0)
	}
	m.verifySlots = semaphore.NewWeighted(int64(slots))
	m.logger = m.logger.With("module", "auth")
	return m
}

func (m *Manager) ensureCredentials() error {
	if m.credential == "" {
		return errMissingCredential
	}
	if m.issuer == nil {
		return errMissingSecret
	}
	return nil
}

// verifyPassword は KDF の同時実行数を制限したうえで照合します。
// 1回の導出で数十 MiB を確保するため、待ち行列はリクエストのコンテキストで打ち切ります。
func (m *Manager) verifyPassword(ctx context.Context, pw string) (bool, error) {
	if err := m.verifySlots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer m.verifySlots.Release(1)
	return m.hasher.Verify(pw, m.credential), nil
}

// currentSession は Cookie ヘッダーのトークンを検証します。
func (m *Manager) currentSession(c *gin.Context) (token.Claims, bool) {
	if m.issuer == nil {
		return token.Claims{}, false
	}
	raw, ok := DecodeCookie(c.GetHeader("Cookie"))
	if !ok {
		return token.Claims{}, false
	}
	return m.issuer.Verify(raw)
}

func (m *Manager) record(c *gin.Context, event audit.Event) {
	event.IP = c.ClientIP()
	event.UserAgent = c.Request.UserAgent()
	m.audit.Record(c.Request.Context(), event)
}
