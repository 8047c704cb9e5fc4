package audit

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type loginEventModel struct {
	EventID           uuid.UUID `gorm:"column:event_id;type:uuid;primaryKey"`
	EventType         string    `gorm:"column:event_type"`
	IPAddress         *string   `gorm:"column:ip_address"`
	UserAgent         string    `gorm:"column:user_agent"`
	RetryAfterSeconds int       `gorm:"column:retry_after_seconds"`
	TokenID           string    `gorm:"column:token_id"`
	OccurredAt        time.Time `gorm:"column:occurred_at"`
}

func (loginEventModel) TableName() string { return "admin_login_events" }

// PostgresSink は監査イベントを Postgres に保存します。
type PostgresSink struct {
	db *gorm.DB
}

// NewPostgresSink は PostgresSink を作成します。
func NewPostgresSink(db *gorm.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Insert はイベントを1行追加します。再試行で同じイベントが来ても重複しません。
func (s *PostgresSink) Insert(ctx context.Context, event Event) error {
	row, err := toLoginEventModel(event)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func toLoginEventModel(event Event) (loginEventModel, error) {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		return loginEventModel{}, fmt.Errorf("parse event id: %w", err)
	}
	var ip *string
	if event.IP != "" {
		v := event.IP
		ip = &v
	}
	return loginEventModel{
		EventID:           id,
		EventType:         string(event.Type),
		IPAddress:         ip,
		UserAgent:         event.UserAgent,
		RetryAfterSeconds: event.RetryAfterSeconds,
		TokenID:           event.TokenID,
		OccurredAt:        event.OccurredAt.UTC(),
	}, nil
}

// ConnectPostgres は GORM の接続プールを開き、疎通を確認します。
func ConnectPostgres(ctx context.Context, databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RunMigrations は埋め込みの SQL を名前順に適用します。
func RunMigrations(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if logger != nil {
			logger.InfoContext(ctx, "migration applied", "module", "audit", "migration", name)
		}
	}
	return nil
}
