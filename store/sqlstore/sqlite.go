package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var sqliteDialect = &dialect{
	name:      DriverSQLite,
	seqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	rebind:    func(q string) string { return q },
	classify:  classifySQLite,
}

// NewSQLite opens a SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func NewSQLite(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has one writer anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return newStore(db, sqliteDialect)
}

func classifySQLite(err error) errClass {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return classOther
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintUnique,
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return classDuplicate
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
		return classConflict
	}
	return classOther
}
