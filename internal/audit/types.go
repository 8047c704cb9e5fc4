package audit

import (
	"context"
	"time"
)

// EventType は監査イベントの種類です。
type EventType string

const (
	EventLoginSucceeded EventType = "login_succeeded"
	EventLoginFailed    EventType = "login_failed"
	EventLoginThrottled EventType = "login_throttled"
	EventLogout         EventType = "logout"
)

// Event は管理者ログインまわりの1件の出来事です。
type Event struct {
	ID                string    `json:"id"`
	Type              EventType `json:"type"`
	IP                string    `json:"ip"`
	UserAgent         string    `json:"userAgent,omitempty"`
	RetryAfterSeconds int       `json:"retryAfterSeconds,omitempty"`
	TokenID           string    `json:"tokenId,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// Recorder はイベントを記録する先です。失敗してもリクエストの結果は変えません。
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Nop は何も記録しない Recorder です。監査が無効な場合に使います。
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Sink はワーカーが書き込む永続化先です。
type Sink interface {
	Insert(ctx context.Context, event Event) error
}
