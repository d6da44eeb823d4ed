package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/tarjeta-registro/internal/repository"
	"gorm.io/gorm"
)

func addRegistrationLastPolledAt() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_registration_last_polled_at",
		Migrate: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&repository.RegistrationModel{}, "LastPolledAt") {
				if err := tx.Migrator().AddColumn(&repository.RegistrationModel{}, "LastPolledAt"); err != nil {
					return err
				}
			}
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_registrations_awaiting_confirmation`,
				`CREATE INDEX IF NOT EXISTS idx_registrations_poll_order ON registration_records ((COALESCE(last_polled_at, updated_at))) WHERE state = 'sent'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			if err := execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_registrations_poll_order`,
				`CREATE INDEX IF NOT EXISTS idx_registrations_awaiting_confirmation ON registration_records (updated_at) WHERE state = 'sent'`,
			}); err != nil {
				return err
			}
			if tx.Migrator().HasColumn(&repository.RegistrationModel{}, "LastPolledAt") {
				return tx.Migrator().DropColumn(&repository.RegistrationModel{}, "LastPolledAt")
			}
			return nil
		},
	}
}
