package auth

import (
	"net/http"
	"strings"

	"github.com/yourusername/packsale-admin/internal/token"
)

// SessionCookieName はセッショントークンを載せるクッキー名です。
const SessionCookieName = "ps_admin_session"

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(token.Lifetime.Seconds())
}

// EncodeCookie はトークンを Set-Cookie ヘッダーの値に変換します。
// Secure 属性は本番環境でのみ付けます。
func EncodeCookie(value string, secure bool) string {
	return sessionCookie(value, SessionMaxAgeSeconds(), secure).String()
}

// ClearCookie はクライアント側のクッキーを即時に失効させる Set-Cookie 値を返します。
func ClearCookie(secure bool) string {
	// MaxAge < 0 は "Max-Age=0" として出力される
	return sessionCookie("", -1, secure).String()
}

// DecodeCookie は Cookie ヘッダーからセッショントークンを取り出します。
func DecodeCookie(header string) (string, bool) {
	if strings.TrimSpace(header) == "" {
		return "", false
	}
	for _, part := range strings.Split(header, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || strings.TrimSpace(name) != SessionCookieName {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return "", false
		}
		return value, true
	}
	return "", false
}

func sessionCookie(value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}
