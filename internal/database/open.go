package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/rojgar/internal/jobs"
	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"github.com/MarcoPoloResearchLab/rojgar/internal/notifications"
	"github.com/MarcoPoloResearchLab/rojgar/internal/profiles"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and locates the database.
type Options struct {
	Driver string
	// Path is the SQLite file (or file: URI) used by the sqlite driver.
	Path string
	// DSN is the connection string used by the postgres driver.
	DSN    string
	Logger *zap.Logger
}

// Open connects to the configured database, migrates the schema and applies pending data
// migrations.
func Open(options Options) (*gorm.DB, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if options.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(options.Path), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		if options.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(options.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&messaging.Conversation{},
		&messaging.Message{},
		&profiles.Profile{},
		&jobs.Job{},
		&jobs.Application{},
		&notifications.Notification{},
		&migrationRecord{},
	)
}
