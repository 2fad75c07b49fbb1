package sqlite

import (
	"database/sql"

	"github.com/imagvfx/grade/service"
)

// CreateCacheEntriesTable creates cache_entries table to a database if not exists.
// It is ok to call it multiple times.
func CreateCacheEntriesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			base TEXT NOT NULL,
			limits TEXT NOT NULL,
			result TEXT NOT NULL,
			outputs TEXT NOT NULL,
			PRIMARY KEY (base, limits)
		);
	`)
	return err
}

// CacheService interacts with a database for the result cache.
type CacheService struct {
	db *sql.DB
}

// NewCacheService creates a new CacheService.
func NewCacheService(db *sql.DB) *CacheService {
	return &CacheService{db: db}
}

// PutEntry inserts an entry, replacing the one with the same base and limits.
func (s *CacheService) PutEntry(e *service.CacheEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT INTO cache_entries (base, limits, result, outputs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(base, limits) DO UPDATE SET
			result = excluded.result,
			outputs = excluded.outputs
	`,
		e.Base,
		e.Limits,
		e.Result,
		e.Outputs,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FindEntries finds every cache entry.
func (s *CacheService) FindEntries() ([]*service.CacheEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`
		SELECT base, limits, result, outputs FROM cache_entries
		ORDER BY base, limits
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]*service.CacheEntry, 0)
	for rows.Next() {
		e := &service.CacheEntry{}
		err := rows.Scan(&e.Base, &e.Limits, &e.Result, &e.Outputs)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	return entries, tx.Commit()
}

// DeleteEntries deletes every entry of a base fingerprint.
func (s *CacheService) DeleteEntries(base string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`DELETE FROM cache_entries WHERE base = ?`, base)
	if err != nil {
		return err
	}
	return tx.Commit()
}
