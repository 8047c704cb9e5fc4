// Package token は管理者セッション用の署名付きトークンを発行・検証します。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Subject はトークンが表す唯一の主体です。
	Subject = "admin"
	// Lifetime はセッションの有効期間です。延長はできません。
	Lifetime = 30 * time.Minute
	// Leeway はインスタンス間の時計のずれとして iat / exp に許容する幅です。
	Leeway = 5 * time.Second
)

// ErrEmptySecret は署名鍵が未設定であることを表します。
var ErrEmptySecret = errors.New("token signing secret is empty")

// Claims は検証済みトークンの内容です。
type Claims struct {
	ID        string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer は HS256 でトークンを署名・検証します。
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// Option は Issuer の設定を変更します。
type Option func(*Issuer)

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer は Issuer を作成します。
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	i := &Issuer{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue は subject=admin のトークンを発行します。
func (i *Issuer) Issue() (string, Claims, error) {
	// JWT の時刻は秒単位なので、返す Claims も秒に揃える
	now := i.now().UTC().Truncate(time.Second)
	claims := Claims{
		ID:        uuid.NewString(),
		Subject:   Subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(Lifetime),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        claims.ID,
		Subject:   claims.Subject,
		IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
	})
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify は署名・有効期限・subject を検証します。
// 失敗理由は区別せず、すべて false を返します。
func (i *Issuer) Verify(raw string) (Claims, bool) {
	if raw == "" {
		return Claims{}, false
	}

	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithSubject(Subject),
		jwt.WithTimeFunc(i.now),
		jwt.WithLeeway(Leeway),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, false
	}

	rc, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || rc.ExpiresAt == nil || rc.IssuedAt == nil {
		return Claims{}, false
	}
	return Claims{
		ID:        rc.ID,
		Subject:   rc.Subject,
		IssuedAt:  rc.IssuedAt.Time.UTC(),
		ExpiresAt: rc.ExpiresAt.Time.UTC(),
	}, true
}
