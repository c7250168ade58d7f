package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations applies all schema migrations with gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: long-term memory table
		{
			ID: "001_memories",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&MemoryRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("memories")
			},
		},

		// Migration 002: saved session snapshots
		{
			ID: "002_saved_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SavedSession{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("saved_sessions")
			},
		},
	})

	return m.Migrate()
}
