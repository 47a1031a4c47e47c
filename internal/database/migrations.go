package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropOrphanedDownloadContent = "2026-10-01_drop_orphaned_download_content"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanedDownloadContent, apply: dropOrphanedDownloadContent},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanedDownloadContent removes offline story bodies whose metadata record is
// gone, left behind by downloads interrupted between the two writes.
func dropOrphanedDownloadContent(db *gorm.DB) error {
	return db.Exec(
		`DELETE FROM kv_entries
		WHERE entry_key LIKE ?
		AND NOT EXISTS (
			SELECT 1 FROM kv_entries AS meta
			WHERE meta.namespace = kv_entries.namespace
			AND meta.entry_key = ? || substr(kv_entries.entry_key, ?)
		)`,
		kvstore.DownloadContentPrefix+"%",
		kvstore.DownloadPrefix,
		len(kvstore.DownloadContentPrefix)+1,
	).Error
}
