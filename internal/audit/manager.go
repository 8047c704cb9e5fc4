// Package audit は管理者ログインの監査イベントを非同期に記録します。
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/packsale-admin/internal/config"
)

const (
	taskTypeAudit = "audit:login"
	queueName     = "audit"
)

// eventStore は直近イベントの保存先です（通常は *Store）。
type eventStore interface {
	Sink
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Manager はイベントの投入と保存を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  eventStore
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewManager は Manager を初期化します。sink は nil でも構いません。
func NewManager(cfg *config.Config, store *Store, sink Sink, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.AuditRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: newAsynqLogger(logger),
		},
	)

	manager := &Manager{
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
		store:  store,
		sink:   sink,
		logger: logger.With("module", "audit"),
		now:    time.Now,
	}
	manager.mux.HandleFunc(taskTypeAudit, manager.handleEventTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", "error", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Record はイベントをキューに投入します。失敗はログに残すだけです。
func (m *Manager) Record(ctx context.Context, event Event) {
	event = m.normalize(event)
	body, err := json.Marshal(event)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to encode audit event", "event_type", event.Type, "error", err)
		return
	}

	task := asynq.NewTask(taskTypeAudit, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		m.logger.WarnContext(ctx, "failed to enqueue audit event",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", err,
		)
	}
}

// Recent は直近のイベントを返します。
func (m *Manager) Recent(ctx context.Context, limit int) ([]Event, error) {
	return m.store.Recent(ctx, limit)
}

func (m *Manager) normalize(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.now().UTC()
	}
	return event
}
