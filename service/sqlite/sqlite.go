package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/imagvfx/grade/service"
)

// Open opens a db at path.
// It will check stat of the db file before open it.
// It returns an error if the check or openning of the db failed.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	_, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	err = pragma(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Create creates a new initialized db.
// Tables are created only when missing, so calling it on an existing db is fine.
func Create(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	err = pragma(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	err = createTables(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenOrCreate opens the db at path, creating it when it doesn't exist yet.
func OpenOrCreate(path string) (*sql.DB, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Create(path)
	}
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	// Older dbs might miss tables added later.
	err = createTables(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pragma(db *sql.DB) error {
	// Enable Write-Ahead Logging. See https://sqlite.org/wal.html
	if _, err := db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	// Enable foreign key checks.
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("foreign keys pragma: %w", err)
	}
	return nil
}

func createTables(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = CreateBlobsTable(tx)
	if err != nil {
		return err
	}
	err = CreateCacheEntriesTable(tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Services serves the blob index and the result cache from one db.
type Services struct {
	bs *BlobService
	cs *CacheService
}

func NewServices(db *sql.DB) *Services {
	return &Services{
		bs: NewBlobService(db),
		cs: NewCacheService(db),
	}
}

func (s *Services) BlobService() service.BlobService {
	return s.bs
}

func (s *Services) CacheService() service.CacheService {
	return s.cs
}
