package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacySourceTags = "2026-05-12_normalize_legacy_source_tags"

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
		{name: migrationNormalizeLegacySourceTags, apply: normalizeLegacySourceTags},
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

// normalizeLegacySourceTags rewrites the hyphenated origin tags used before
// the data-source enum was closed.
func normalizeLegacySourceTags(db *gorm.DB) error {
	renames := map[string]string{
		"bulk-import":  "registry_import",
		"crowd-source": "crowdsource",
	}
	for legacy, current := range renames {
		for _, table := range []string{"providers", "plan_acceptances"} {
			if err := db.Table(table).
				Where("data_source = ?", legacy).
				Update("data_source", current).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
