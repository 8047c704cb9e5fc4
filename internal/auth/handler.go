package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/packsale-admin/internal/audit"
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login は /admin/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"code":    "INVALID_INPUT",
			"message": "password を文字列の JSON で送ってください",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		m.logger.Error("login rejected: server misconfigured", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"code":    "SERVER_MISCONFIGURATION",
			"message": "サーバーの設定に問題があります",
		})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()

	// KDF より前に試行を1回分確保する。ロック中は KDF を実行しない
	decision, err := m.limiter.Reserve(ctx, ip)
	if err != nil {
		m.internalError(c, "rate limit reservation failed", err)
		return
	}
	if !decision.Allowed {
		m.logger.WarnContext(ctx, "login throttled", "ip", ip, "retry_after", decision.RetryAfter)
		m.record(c, audit.Event{Type: audit.EventLoginThrottled, RetryAfterSeconds: decision.RetryAfter})
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success":    false,
			"code":       "TOO_MANY_ATTEMPTS",
			"message":    "一定時間後に再度お試しください",
			"retryAfter": decision.RetryAfter,
		})
		return
	}

	ok, err := m.verifyPassword(ctx, req.Password)
	if err != nil {
		m.internalError(c, "password verification aborted", err)
		return
	}
	if !ok {
		// 失敗は Reserve で数え済み
		m.logger.InfoContext(ctx, "login failed", "ip", ip, "attempts", decision.Attempts)
		m.record(c, audit.Event{Type: audit.EventLoginFailed})
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"code":    "INVALID_CREDENTIALS",
			"message": "認証に失敗しました",
		})
		return
	}

	if err := m.limiter.RecordSuccess(ctx, ip); err != nil {
		m.logger.ErrorContext(ctx, "failed to reset login attempts", "ip", ip, "error", err)
	}

	raw, claims, err := m.issuer.Issue()
	if err != nil {
		m.internalError(c, "token issue failed", err)
		return
	}

	m.logger.InfoContext(ctx, "login succeeded", "ip", ip, "token_id", claims.ID)
	m.record(c, audit.Event{Type: audit.EventLoginSucceeded, TokenID: claims.ID})
	c.Header("Set-Cookie", EncodeCookie(raw, m.secureCookie))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Session は /admin/session のハンドラーです。
// 未ログインはエラーではなく authenticated=false として返します。
func (m *Manager) Session(c *gin.Context) {
	if m.issuer == nil {
		m.internalError(c, "session check failed", errMissingSecret)
		return
	}

	claims, ok := m.currentSession(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"authenticated": false,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"authenticated": true,
		"expiresAt":     claims.ExpiresAt,
	})
}

// Logout は /admin/logout のハンドラーです。サーバー側に失効リストはなく、クッキーを消すだけです。
func (m *Manager) Logout(c *gin.Context) {
	if claims, ok := m.currentSession(c); ok {
		m.record(c, audit.Event{Type: audit.EventLogout, TokenID: claims.ID})
	}
	c.Header("Set-Cookie", ClearCookie(m.secureCookie))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MethodNotAllowed は未対応メソッドへの応答です。
func MethodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{
		"success": false,
		"code":    "METHOD_NOT_ALLOWED",
		"message": "このメソッドは利用できません",
	})
}

// Preflight は CORS ミドルウェアを通らない OPTIONS に空の 200 を返します。
func Preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (m *Manager) internalError(c *gin.Context, msg string, err error) {
	m.logger.ErrorContext(c.Request.Context(), msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"code":    "INTERNAL_ERROR",
		"message": "内部エラーが発生しました",
	})
}
