// Package password は管理者パスワードのハッシュ化と検証を提供します。
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Algorithm はクレデンシャルレコードに記録するアルゴリズム識別子です。
const Algorithm = "scrypt"

const (
	saltLength = 32
	separator  = "$"
)

// ErrMalformedRecord はレコード文字列を解釈できなかったことを表します。
var ErrMalformedRecord = errors.New("malformed credential record")

// Params は scrypt のコストパラメータです。
type Params struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// DefaultParams は本番で使用するパラメータです（1回の導出で数十ミリ秒）。
var DefaultParams = Params{N: 32768, R: 8, P: 1, KeyLen: 64}

// Record はハッシュ化済みのクレデンシャルです。
type Record struct {
	Algorithm string
	Salt      []byte
	Hash      []byte
}

// String は保存用の文字列表現 scrypt$<salt>$<hash> を返します。
func (r Record) String() string {
	return strings.Join([]string{
		r.Algorithm,
		hex.EncodeToString(r.Salt),
		hex.EncodeToString(r.Hash),
	}, separator)
}

// ParseRecord は String で生成した文字列をレコードに戻します。
func ParseRecord(encoded string) (Record, error) {
	parts := strings.Split(strings.TrimSpace(encoded), separator)
	if len(parts) != 3 || parts[0] != Algorithm {
		return Record{}, ErrMalformedRecord
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return Record{}, ErrMalformedRecord
	}
	hash, err := hex.DecodeString(parts[2])
	if err != nil || len(hash) == 0 {
		return Record{}, ErrMalformedRecord
	}
	return Record{Algorithm: parts[0], Salt: salt, Hash: hash}, nil
}

// Hasher はパスワードの導出と検証を行います。
type Hasher struct {
	params Params
}

// NewHasher は Hasher を作成します。ゼロ値の項目は DefaultParams で補います。
func NewHasher(params Params) *Hasher {
	if params.N <= 0 {
		params.N = DefaultParams.N
	}
	if params.R <= 0 {
		params.R = DefaultParams.R
	}
	if params.P <= 0 {
		params.P = DefaultParams.P
	}
	if params.KeyLen <= 0 {
		params.KeyLen = DefaultParams.KeyLen
	}
	return &Hasher{params: params}
}

// Hash は新しいソルトを生成してパスワードを導出します。
func (h *Hasher) Hash(password string) (Record, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return Record{}, fmt.Errorf("generate salt: %w", err)
	}
	key, err := h.derive(password, salt)
	if err != nil {
		return Record{}, err
	}
	return Record{Algorithm: Algorithm, Salt: salt, Hash: key}, nil
}

// Verify はパスワードが保存済みレコードと一致するかを返します。
// 壊れたレコードでも同じ導出処理を1回行い、単に false を返します。
func (h *Hasher) Verify(password, encoded string) bool {
	record, err := ParseRecord(encoded)
	if err != nil {
		h.burn(password)
		return false
	}

	key, err := scrypt.Key([]byte(password), record.Salt, h.params.N, h.params.R, h.params.P, len(record.Hash))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, record.Hash) == 1
}

func (h *Hasher) derive(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, h.params.N, h.params.R, h.params.P, h.params.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// burn は検証失敗の理由が応答時間から推測されないよう、捨てる導出を行います。
func (h *Hasher) burn(password string) {
	dummy := make([]byte, saltLength)
	key, err := h.derive(password, dummy)
	if err != nil {
		return
	}
	subtle.ConstantTimeCompare(key, dummy)
}
