package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/tarjeta-registro/internal/repository"
	"gorm.io/gorm"
)

func addRegistrationAuthorityReference() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_registration_authority_reference",
		Migrate: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&repository.RegistrationModel{}, "AuthorityReference") {
				if err := tx.Migrator().AddColumn(&repository.RegistrationModel{}, "AuthorityReference"); err != nil {
					return err
				}
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_registrations_awaiting_confirmation ON registration_records (updated_at) WHERE state = 'sent'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Exec(`DROP INDEX IF EXISTS idx_registrations_awaiting_confirmation`).Error; err != nil {
				return err
			}
			if tx.Migrator().HasColumn(&repository.RegistrationModel{}, "AuthorityReference") {
				return tx.Migrator().DropColumn(&repository.RegistrationModel{}, "AuthorityReference")
			}
			return nil
		},
	}
}
