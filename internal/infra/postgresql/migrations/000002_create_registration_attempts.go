package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/tarjeta-registro/internal/repository"
	"gorm.io/gorm"
)

func createRegistrationAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_registration_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_registration_attempts_registration_id ON registration_attempts (registration_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AttemptModel{})
		},
	}
}
