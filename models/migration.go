package models

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MigrateTable creates or updates the sync tables. A failure is fatal: the service cannot
// keep mappings without them.
func MigrateTable(db *gorm.DB, logger logrus.FieldLogger) {
	if err := AutoMigrate(db); err != nil {
		logger.WithError(err).Fatal("migrate sync tables")
	}
	logger.Info("sync tables migrated")
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&IdMapping{},
		&SyncCursor{},
		&SyncConflict{},
		&SyncHistory{},
		&WebhookEvent{},
	)
}
