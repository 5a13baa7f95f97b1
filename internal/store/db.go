package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nrednav/cuid2"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == DriverSQLite {
		// single writer; also keeps a shared in-memory database alive
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	return db, nil
}

// OpenMemory opens a private in-memory SQLite database.
func OpenMemory() (*sqlx.DB, error) {
	return Open(DriverSQLite, memoryDSN())
}

func memoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", cuid2.Generate())
}
