package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func int64Pointer(value int64) *int64 {
	return &value
}

func TestApplyMigrationsRepairsUnreadState(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := Migrate(database); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	conversation := messaging.Conversation{
		ConversationID:  "c-1",
		ParticipantLow:  "p-100",
		ParticipantHigh: "p-200",
		PairKey:         "p-100:p-200",
		Status:          messaging.ConversationStatusActive,
		LastMessageAtMs: 4,
		UnreadLow:       9,
		UnreadHigh:      0,
		CreatedAtMs:     1,
	}
	if err := database.Create(&conversation).Error; err != nil {
		testContext.Fatalf("failed to insert conversation: %v", err)
	}
	messages := []messaging.Message{
		{MessageID: "m-1", ConversationID: "c-1", SenderID: "p-100", Body: "a", Kind: messaging.MessageKindUser, CreatedAtMs: 1},
		{MessageID: "m-2", ConversationID: "c-1", SenderID: "p-100", Body: "b", Kind: messaging.MessageKindUser, CreatedAtMs: 2, ReadAtMs: int64Pointer(5)},
		{MessageID: "m-3", ConversationID: "c-1", SenderID: "p-200", Body: "c", Kind: messaging.MessageKindUser, CreatedAtMs: 3},
		{MessageID: "m-4", ConversationID: "c-1", SenderID: "p-100", Body: "d", Kind: messaging.MessageKindSystem, CreatedAtMs: 4},
	}
	if err := database.Create(&messages).Error; err != nil {
		testContext.Fatalf("failed to insert messages: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored messaging.Conversation
	if err := database.Where("conversation_id = ?", "c-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload conversation: %v", err)
	}
	if stored.UnreadLow != 1 || stored.UnreadHigh != 1 {
		testContext.Fatalf("expected counters 1/1, got %d/%d", stored.UnreadLow, stored.UnreadHigh)
	}

	var read messaging.Message
	if err := database.Where("message_id = ?", "m-2").Take(&read).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if read.DeliveredAtMs == nil || *read.DeliveredAtMs != 5 {
		testContext.Fatalf("expected delivered time to be backfilled from read time, got %v", read.DeliveredAtMs)
	}

	var records []migrationRecord
	if err := database.Order("name").Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 || records[1].Name != migrationRepairUnreadCounters {
		testContext.Fatalf("unexpected migration records %+v", records)
	}
	if records[0].AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// A second run is a no-op even if counters drift again.
	if err := database.Model(&messaging.Conversation{}).Where("conversation_id = ?", "c-1").Update("unread_low", 7).Error; err != nil {
		testContext.Fatalf("failed to update conversation: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("conversation_id = ?", "c-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload conversation: %v", err)
	}
	if stored.UnreadLow != 7 {
		testContext.Fatalf("expected recorded migration to be skipped, got %d", stored.UnreadLow)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverPostgres}); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "rojgar.db")
	database, err := Open(Options{Driver: DriverSQLite, Path: databasePath})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"conversations", "messages", "profiles", "jobs", "job_applications", "notifications", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
