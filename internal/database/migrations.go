package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeLegacyAccessTypes = "2026-09-14_normalize_legacy_access_types"
	migrationBackfillCategorySlugs      = "2026-09-21_backfill_category_slugs"
)

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
		{name: migrationNormalizeLegacyAccessTypes, apply: normalizeLegacyAccessTypes},
		{name: migrationBackfillCategorySlugs, apply: backfillCategorySlugs},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// normalizeLegacyAccessTypes rewrites the storefront's earlier free/students values.
func normalizeLegacyAccessTypes(db *gorm.DB) error {
	if err := db.Model(&catalog.Item{}).
		Where("access_type = ?", "free").
		Update("access_type", catalog.AccessOpen).Error; err != nil {
		return err
	}
	return db.Model(&catalog.Item{}).
		Where("access_type = ?", "students").
		Update("access_type", catalog.AccessVerifiedOnly).Error
}

func backfillCategorySlugs(db *gorm.DB) error {
	var categories []catalog.Category
	if err := db.Where("slug = ''").Find(&categories).Error; err != nil {
		return err
	}
	for _, category := range categories {
		slug := catalog.Slugify(category.Name)
		if slug == "" {
			slug = category.ID
		}
		if err := db.Model(&catalog.Category{}).Where("id = ?", category.ID).Update("slug", slug).Error; err != nil {
			return err
		}
	}
	return nil
}
