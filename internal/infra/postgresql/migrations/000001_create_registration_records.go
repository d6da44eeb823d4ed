package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/tarjeta-registro/internal/repository"
	"gorm.io/gorm"
)

func createRegistrationRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_registration_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RegistrationModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_registrations_reservation_created ON registration_records (reservation_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_registrations_state_created ON registration_records (state, created_at)`,
				// At most one non-terminal record per reservation.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_registrations_active_reservation ON registration_records (reservation_id) WHERE state IN ('pending', 'sent', 'retrying')`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RegistrationModel{})
		},
	}
}
