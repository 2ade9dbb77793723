package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is the sqlite-backed Store implementation. The pure-Go driver
// keeps the binary CGO-free.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the database at dsn and migrates the
// schema. Use ":memory:" for tests.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&Room{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// SQLite allows one writer at a time; a small pool avoids lock contention.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, room *Room) error {
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return fmt.Errorf("creating room %s: %w", room.RoomID, err)
	}
	return nil
}

func (s *GormStore) GetByID(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).First(&room, "room_id = ?", roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *GormStore) Update(ctx context.Context, roomID string, patch RoomPatch) error {
	updates := patch.toMap()
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&Room{}).Where("room_id = ?", roomID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating room %s: %w", roomID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Append(ctx context.Context, msg *Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("appending message to %s: %w", msg.RoomID, err)
	}
	return nil
}

func (s *GormStore) ListByRoom(ctx context.Context, roomID string, limit int, ascending bool) ([]Message, error) {
	order := "timestamp DESC"
	if ascending {
		order = "timestamp ASC"
	}

	var msgs []Message
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", roomID, err)
	}
	return msgs, nil
}

// Ping verifies the database is reachable, for the readiness probe.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toMap converts the set fields of a patch to a gorm update map. UpdatedAt is
// maintained by gorm itself.
func (p RoomPatch) toMap() map[string]any {
	updates := make(map[string]any)
	if p.HostDisplayName != nil {
		updates["host_display_name"] = *p.HostDisplayName
	}
	if p.CurrentVideoURL != nil {
		updates["current_video_url"] = *p.CurrentVideoURL
	}
	if p.CurrentVideoTitle != nil {
		updates["current_video_title"] = *p.CurrentVideoTitle
	}
	if p.LastKnownTime != nil {
		updates["last_known_time"] = *p.LastKnownTime
	}
	if p.LastKnownState != nil {
		updates["last_known_state"] = *p.LastKnownState
	}
	return updates
}
