package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/directory"
	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

func TestApplyMigrationsNormalizesLegacySourceTags(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&directory.Provider{}, &trust.PlanAcceptance{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	provider := directory.Provider{
		ProviderID:  "npi-1",
		DisplayName: "Dr. Amara Okafor",
		Specialty:   trust.SpecialtyOfficeBased,
		DataSource:  trust.DataSource("bulk-import"),
	}
	if err := database.Create(&provider).Error; err != nil {
		testContext.Fatalf("failed to insert provider: %v", err)
	}
	acceptance := trust.PlanAcceptance{
		AcceptanceID: "fact-1",
		ProviderID:   "npi-1",
		PlanID:       "plan-1",
		Status:       trust.StatusAccepted,
		Specialty:    trust.SpecialtyOfficeBased,
		DataSource:   trust.DataSource("crowd-source"),
	}
	if err := database.Create(&acceptance).Error; err != nil {
		testContext.Fatalf("failed to insert acceptance: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedProvider directory.Provider
	if err := database.Where("provider_id = ?", "npi-1").Take(&storedProvider).Error; err != nil {
		testContext.Fatalf("failed to reload provider: %v", err)
	}
	if storedProvider.DataSource != trust.SourceRegistryImport {
		testContext.Fatalf("expected provider tag normalized, got %s", storedProvider.DataSource)
	}

	var storedAcceptance trust.PlanAcceptance
	if err := database.Where("acceptance_id = ?", "fact-1").Take(&storedAcceptance).Error; err != nil {
		testContext.Fatalf("failed to reload acceptance: %v", err)
	}
	if storedAcceptance.DataSource != trust.SourceCrowdsource {
		testContext.Fatalf("expected acceptance tag normalized, got %s", storedAcceptance.DataSource)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeLegacySourceTags).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&directory.Provider{}, &trust.PlanAcceptance{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single migration record, got %d", count)
	}
}
