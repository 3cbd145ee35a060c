package models

import (
	"log"

	"github.com/serviciudad/activos_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrateAll(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&Asset{},
		&Inspection{}, &Evidence{},
		&DocumentCounter{},
		&ActaGeneration{}, &ActaOutboxRecord{},
		&AuditEntry{},
	)
}
