package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	eventsKey = "audit:events"
)

// Store は直近の監査イベントを Redis のリストに保存します。
type Store struct {
	rdb       *redis.Client
	retention int64
}

// NewStore は Store を作成します。retention は保持する件数です。
func NewStore(rdb *redis.Client, retention int) *Store {
	if retention <= 0 {
		retention = 500
	}
	return &Store{
		rdb:       rdb,
		retention: int64(retention),
	}
}

// Close は Redis クライアントを閉じます。
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Insert はイベントを先頭に追加し、保持件数を超えた分を削除します。
func (s *Store) Insert(ctx context.Context, event Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, eventsKey, payload)
		p.LTrim(ctx, eventsKey, 0, s.retention-1)
		return nil
	})
	return err
}

// Recent は新しい順に最大 limit 件のイベントを返します。
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return []Event{}, nil
	}
	rows, err := s.rdb.LRange(ctx, eventsKey, 0, int64(limit)-1).Result()
	if err != nil {
		if err == redis.Nil {
			return []Event{}, nil
		}
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		var event Event
		if err := json.Unmarshal([]byte(row), &event); err != nil {
			// 壊れた行は読み飛ばす
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
