package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/formsync/formsync/internal/models"
)

// AutoMigrate creates or updates the schema the collaboration engine reads
// and writes. Forms and fields are normally created by the form builder; the
// tables are migrated here so a standalone deployment works out of the box.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	if err := db.AutoMigrate(
		&models.Form{},
		&models.Field{},
		&models.FormResponse{},
		&models.CacheEntry{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
