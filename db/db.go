package db

import (
	"equipment_lending/models"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrStale     = errors.New("record changed concurrently")
	ErrDuplicate = errors.New("record already exists")
)

type Options struct {
	Driver      string // postgres | sqlite
	DSN         string
	SQLitePath  string
	LogLevel    logger.LogLevel
	MaxOpenConn int
}

func gormConfig(level logger.LogLevel) *gorm.Config {
	if level == 0 {
		level = logger.Warn
	}
	return &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
}

// Open connects to the configured store. It does not migrate.
func Open(opts Options) (*gorm.DB, error) {
	switch opts.Driver {
	case "", "postgres":
		gdb, err := gorm.Open(postgres.Open(opts.DSN), gormConfig(opts.LogLevel))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if opts.MaxOpenConn > 0 {
			sqlDB, err := gdb.DB()
			if err != nil {
				return nil, err
			}
			sqlDB.SetMaxOpenConns(opts.MaxOpenConn)
		}
		return gdb, nil
	case "sqlite":
		return OpenSQLite(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", opts.Driver)
	}
}

// OpenSQLite opens a pure-Go sqlite database file. One connection keeps
// writers serialized; busy_timeout covers the remaining lock waits.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, gormConfig(logger.Silent))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Equipment{},
		&models.Transaction{},
		&models.AuditLog{},
		&models.Notification{},
		&models.Classroom{},
		&models.LendingPolicy{},
	); err != nil {
		return err
	}

	// A unit is in at most one person's hands.
	if err := db.Exec(fmt.Sprintf(`
	  CREATE UNIQUE INDEX IF NOT EXISTS %s_one_possession_per_unit
	  ON %s (equipment_id)
	  WHERE status IN (%s);
	`, models.TransactionTable, models.TransactionTable, quoteStatuses(models.PossessionStatuses))).Error; err != nil {
		return err
	}

	// One outstanding request per (user, unit).
	if err := db.Exec(fmt.Sprintf(`
	  CREATE UNIQUE INDEX IF NOT EXISTS %s_one_pending_per_user_unit
	  ON %s (user_id, equipment_id)
	  WHERE status = '%s';
	`, models.TransactionTable, models.TransactionTable, models.LoanPending)).Error; err != nil {
		return err
	}

	// conflict check scans by unit and window
	if err := db.Exec(fmt.Sprintf(`
	  CREATE INDEX IF NOT EXISTS %s_unit_window
	  ON %s (equipment_id, start_time, expected_return_time);
	`, models.TransactionTable, models.TransactionTable)).Error; err != nil {
		return err
	}

	return nil
}

func quoteStatuses(set []models.LoanStatus) string {
	parts := make([]string, len(set))
	for i, s := range set {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if isDuplicate(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// The modernc driver does not go through gorm's sqlite error translator.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
