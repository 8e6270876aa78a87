package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/directory"
	"github.com/PlanFactsLab/planfacts/backend/internal/imports"
	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// TranslateError is on so unique-constraint violations surface as
// gorm.ErrDuplicatedKey, which the vote path treats as the authoritative
// duplicate signal.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&directory.Provider{},
		&directory.Plan{},
		&trust.PlanAcceptance{},
		&trust.VerificationLog{},
		&trust.VoteLog{},
		&imports.ImportConflict{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
