// Storage opens the gorm/sqlite database backing the analytics and
// configuration tables of models.go. Grounded in the teacher's
// internal/storage/db_test.go, which exercises a gorm.Open(sqlite.Open(...))
// Storage{DB *gorm.DB} against exactly this schema shape (the teacher's own
// db.go instead opens a badger store that AutoMigrates nothing and never
// matches its own test file — that inconsistency is not carried forward;
// the gorm path the test already assumes is the one this module implements
// for real, using glebarez/sqlite as the teacher's go.mod already requires).
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the gorm handle shared by config.ConfigManager and
// analytics.StatsManager.
type Storage struct {
	DB *gorm.DB
}

// Open creates (if needed) and migrates the sqlite database at dbPath.
func Open(dbPath string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(
		&AppSetting{},
		&DailyStat{},
		&SpeedTestHistory{},
		&GalleryHistoryRecord{},
		&CategoryCounter{},
	); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Storage{DB: db}, nil
}

// OpenInUserConfigDir opens the engine's database under the OS config
// directory, the same placement strategy as the teacher's NewStorage.
func OpenInUserConfigDir(appName string) (*Storage, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(base, appName, "data", "engine.db"))
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetString retrieves a single configuration value, returning "" if unset.
func (s *Storage) GetString(key string) (string, error) {
	var row AppSetting
	err := s.DB.Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetString upserts a configuration value.
func (s *Storage) SetString(key, val string) error {
	row := AppSetting{Key: key, Value: val}
	return s.DB.Save(&row).Error
}

// IncrementDailyBytes adds delta bytes to today's DailyStat row.
func (s *Storage) IncrementDailyBytes(delta int64) error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Bytes += delta })
}

// IncrementDailyFiles increments today's file count by one.
func (s *Storage) IncrementDailyFiles() error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Files++ })
}

func (s *Storage) bumpDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	var row DailyStat
	err := s.DB.Where("date = ?", today).First(&row).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if err == gorm.ErrRecordNotFound {
		row = DailyStat{Date: today}
	}
	mutate(&row)
	return s.DB.Save(&row).Error
}

// GetDailyHistory returns the most recent n days of statistics, newest first.
func (s *Storage) GetDailyHistory(n int) ([]DailyStat, error) {
	var rows []DailyStat
	err := s.DB.Order("date desc").Limit(n).Find(&rows).Error
	return rows, err
}

// GetTotalLifetime sums Bytes across all recorded days.
func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

// GetTotalFiles sums Files across all recorded days.
func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

// RecordGalleryHistory inserts a completion record for a gallery that
// reached a terminal status.
func (s *Storage) RecordGalleryHistory(rec GalleryHistoryRecord) error {
	return s.DB.Create(&rec).Error
}

// GetGalleryHistory returns the most recent n gallery completion records.
func (s *Storage) GetGalleryHistory(n int) ([]GalleryHistoryRecord, error) {
	var rows []GalleryHistoryRecord
	err := s.DB.Order("id desc").Limit(n).Find(&rows).Error
	return rows, err
}

// IncrementCategoryCounter bumps the rolling (category, severity) counter
// used by the control API's error-summary endpoint.
func (s *Storage) IncrementCategoryCounter(category, severity string) error {
	var row CategoryCounter
	err := s.DB.Where("category = ? AND severity = ?", category, severity).First(&row).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if err == gorm.ErrRecordNotFound {
		row = CategoryCounter{Category: category, Severity: severity}
	}
	row.Count++
	return s.DB.Save(&row).Error
}

// GetCategoryCounters returns every counter row recorded so far.
func (s *Storage) GetCategoryCounters() ([]CategoryCounter, error) {
	var rows []CategoryCounter
	err := s.DB.Find(&rows).Error
	return rows, err
}

// RecordSpeedTest persists a single speed-test result.
func (s *Storage) RecordSpeedTest(rec SpeedTestHistory) error {
	return s.DB.Create(&rec).Error
}

// GetSpeedTestHistory returns the most recent n speed-test results.
func (s *Storage) GetSpeedTestHistory(n int) ([]SpeedTestHistory, error) {
	var rows []SpeedTestHistory
	err := s.DB.Order("id desc").Limit(n).Find(&rows).Error
	return rows, err
}
