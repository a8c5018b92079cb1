package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"transcodeq/migrations"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

func migrationDir(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "postgres", nil
	case DialectSQLite:
		return "sqlite", nil
	}
	return "", fmt.Errorf("unknown migration dialect %q", dialect)
}

// Migrate applies every pending embedded migration for dialect.
func Migrate(db *sql.DB, dialect string) error {
	const op = "storage.Migrate"

	dir, err := migrationDir(dialect)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.Up(db, dir); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func MigrationVersion(db *sql.DB, dialect string) (int64, error) {
	const op = "storage.MigrationVersion"

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(dialect); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	v, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

// OpenSQL opens a plain database/sql handle for driver ("postgres" uses lib/pq).
func OpenSQL(driver, url string) (*sql.DB, string, error) {
	switch driver {
	case "postgres":
		db, err := sql.Open("postgres", url)
		return db, DialectPostgres, err
	case "sqlite":
		db, err := sql.Open("sqlite", sqliteDSN(url))
		return db, DialectSQLite, err
	}
	return nil, "", fmt.Errorf("storage.OpenSQL: unsupported driver %q", driver)
}
