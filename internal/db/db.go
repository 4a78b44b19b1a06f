package db

import (
	"fmt"
	"time"

	"pagecast/internal/auth"
	"pagecast/internal/contacts"
	"pagecast/internal/jobs"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the database for the given driver ("postgres" or "sqlite").
func Connect(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case "postgres", "":
		gdb, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), cfg)
	case "sqlite":
		gdb, err = gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY
		// under concurrent claims.
		sqlDB.SetMaxOpenConns(1)
		gdb.Exec("PRAGMA journal_mode=WAL")
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&auth.User{},
		&contacts.Contact{},
		&contacts.Page{},
		&jobs.Job{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_jobs_sweep on jobs(kind, status, scheduled_for);`,
		`create index if not exists idx_jobs_stale on jobs(status, updated_at);`,
		`create index if not exists idx_jobs_owner on jobs(owner_id, created_at);`,
		`create index if not exists idx_contacts_owner_psid on contacts(owner_id, psid);`,
		`create index if not exists idx_contacts_send_job on contacts(owner_id, last_send_job_id);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
