package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/packsale-admin/internal/token"
)

// RequireAdmin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := m.currentSession(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom は RequireAdmin が保存したトークンの内容を取り出します。
func ClaimsFrom(c *gin.Context) (token.Claims, bool) {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return token.Claims{}, false
	}
	claims, ok := v.(token.Claims)
	return claims, ok
}
