package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDeliveredFromRead = "2026-03-01_backfill_delivered_from_read"
	migrationRepairUnreadCounters      = "2026-03-02_repair_unread_counters"
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

// applyMigrations runs each named data migration once, in order, recording it in db_migrations.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDeliveredFromRead, apply: backfillDeliveredFromRead},
		{name: migrationRepairUnreadCounters, apply: RepairUnreadCounters},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDeliveredFromRead gives every read message a delivery time.
func backfillDeliveredFromRead(db *gorm.DB) error {
	return db.Model(&messaging.Message{}).
		Where("read_at_ms IS NOT NULL AND delivered_at_ms IS NULL").
		Update("delivered_at_ms", gorm.Expr("read_at_ms")).Error
}

// RepairUnreadCounters recomputes both slot counters from the unread user messages written by
// the opposite slot.
func RepairUnreadCounters(db *gorm.DB) error {
	const unreadFrom = "(SELECT COUNT(*) FROM messages WHERE messages.conversation_id = conversations.conversation_id" +
		" AND messages.sender_id = conversations.%s AND messages.kind = 'user' AND messages.read_at_ms IS NULL)"
	return db.Exec(
		"UPDATE conversations SET unread_low = " + fmt.Sprintf(unreadFrom, "participant_high") +
			", unread_high = " + fmt.Sprintf(unreadFrom, "participant_low"),
	).Error
}
