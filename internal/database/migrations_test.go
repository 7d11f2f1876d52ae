package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&catalog.Category{}, &catalog.Item{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	legacyItems := []catalog.Item{
		{ID: "item-free", Title: "Free Set", Access: "free", PreviewPageCount: 10, CreatedAt: now, UpdatedAt: now},
		{ID: "item-students", Title: "Student Set", Access: "students", PreviewPageCount: 10, CreatedAt: now, UpdatedAt: now},
		{ID: "item-paid", Title: "Paid Set", Access: catalog.AccessPaid, PreviewPageCount: 10, CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&legacyItems).Error; err != nil {
		testContext.Fatalf("failed to insert items: %v", err)
	}
	if err := database.Create(&catalog.Category{ID: "cat-1", Name: "Théologie Pratique", Slug: ""}).Error; err != nil {
		testContext.Fatalf("failed to insert category: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expectedAccess := map[string]catalog.AccessCategory{
		"item-free":     catalog.AccessOpen,
		"item-students": catalog.AccessVerifiedOnly,
		"item-paid":     catalog.AccessPaid,
	}
	for itemID, want := range expectedAccess {
		var stored catalog.Item
		if err := database.Where("id = ?", itemID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", itemID, err)
		}
		if stored.Access != want {
			testContext.Fatalf("expected %s access %q, got %q", itemID, want, stored.Access)
		}
	}

	var category catalog.Category
	if err := database.Where("id = ?", "cat-1").Take(&category).Error; err != nil {
		testContext.Fatalf("failed to reload category: %v", err)
	}
	if category.Slug != "theologie-pratique" {
		testContext.Fatalf("expected backfilled slug, got %q", category.Slug)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeLegacyAccessTypes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-running migrations should be a no-op: %v", err)
	}
	var recordCount int64
	if err := database.Model(&migrationRecord{}).Count(&recordCount).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if recordCount != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", recordCount)
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := Open(Config{Driver: "sqlite", Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"catalog_items", "volumes", "purchases", "categories", "user_profiles", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "mysql"}, zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
