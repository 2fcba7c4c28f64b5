package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glkvm-cloud/device-console/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// sqliteStore implements a Store backed by SQLite through gorm.
type sqliteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// openSQLite opens the database file and migrates the devices table.
func openSQLite(path string, opts Options) (Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.AutoMigrate(&DeviceMeta{}); err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("migrate devices table: %w", err)
	}

	return &sqliteStore{db: db, now: opts.Now}, nil
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Close releases the underlying connection pool.
func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return closeGorm(s.db)
}

// SaveDevice upserts on device_id. The mac ownership check and the write share a transaction.
func (s *sqliteStore) SaveDevice(ctx context.Context, meta DeviceMeta) error {
	meta, err := prepare(meta)
	if err != nil {
		return err
	}
	now := s.now().Unix()
	meta.CreateTime = now
	meta.UpdateTime = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if meta.Mac != "" {
			var owner DeviceMeta
			err := tx.Where("mac = ? AND device_id <> ?", meta.Mac, meta.DeviceID).First(&owner).Error
			switch {
			case err == nil:
				return ErrMacConflict
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		return upsert(tx, &meta, now)
	})
}

// upsert writes meta keyed on device_id. A mac taken by another row surfaces as ErrMacConflict.
func upsert(tx *gorm.DB, meta *DeviceMeta, now int64) error {
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"mac":         meta.Mac,
			"ip":          meta.IP,
			"description": meta.Description,
			"update_time": now,
		}),
	}).Create(meta).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrMacConflict
	}
	return err
}

// DeviceByID returns the device or nil when absent.
func (s *sqliteStore) DeviceByID(ctx context.Context, id string) (*DeviceMeta, error) {
	return s.first(ctx, "device_id = ?", id)
}

// DeviceByMac returns the device owning the normalized mac or nil.
func (s *sqliteStore) DeviceByMac(ctx context.Context, mac string) (*DeviceMeta, error) {
	mac = domain.NormalizeMac(mac)
	if mac == "" {
		return nil, nil
	}
	return s.first(ctx, "mac = ?", mac)
}

func (s *sqliteStore) first(ctx context.Context, query string, arg string) (*DeviceMeta, error) {
	var meta DeviceMeta
	if err := s.db.WithContext(ctx).Where(query, arg).First(&meta).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &meta, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListDevices filters by exact id, normalized mac or description substring.
func (s *sqliteStore) ListDevices(ctx context.Context, keyword string) ([]DeviceMeta, error) {
	list := make([]DeviceMeta, 0)
	query := s.db.WithContext(ctx).Model(&DeviceMeta{})

	if keyword != "" {
		query = query.Where(
			`device_id = ? OR (mac <> '' AND mac = ?) OR description LIKE ? ESCAPE '\'`,
			keyword,
			domain.NormalizeMac(keyword),
			"%"+likeEscaper.Replace(keyword)+"%",
		)
	}

	if err := query.Order("create_time ASC").Order("device_id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateDescription changes a device description.
func (s *sqliteStore) UpdateDescription(ctx context.Context, id, description string) error {
	result := s.db.WithContext(ctx).
		Model(&DeviceMeta{}).
		Where("device_id = ?", id).
		Updates(map[string]any{
			"description": description,
			"update_time": s.now().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device by id.
func (s *sqliteStore) DeleteDevice(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("device_id = ?", id).
		Delete(&DeviceMeta{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
