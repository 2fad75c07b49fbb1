package sqlite

import (
	"database/sql"
	"time"

	"github.com/imagvfx/grade/service"
)

// CreateBlobsTable creates blobs table to a database if not exists.
// It is ok to call it multiple times.
func CreateBlobsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			last_access INTEGER NOT NULL
		);
	`)
	return err
}

// BlobService interacts with a database for the blob store index.
type BlobService struct {
	db *sql.DB
}

// NewBlobService creates a new BlobService.
func NewBlobService(db *sql.DB) *BlobService {
	return &BlobService{db: db}
}

// AddBlob adds a blob row. An existing row for the key is replaced.
func (s *BlobService) AddBlob(b *service.Blob) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT INTO blobs (key, size, last_access)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			size = excluded.size,
			last_access = excluded.last_access
	`,
		b.Key,
		b.Size,
		b.LastAccess.UnixNano(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// TouchBlob updates last access time of a blob.
func (s *BlobService) TouchBlob(key string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`UPDATE blobs SET last_access = ? WHERE key = ?`, at.UnixNano(), key)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveBlob removes a blob row.
func (s *BlobService) RemoveBlob(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`DELETE FROM blobs WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FindBlobs finds all blob rows ordered by key.
func (s *BlobService) FindBlobs() ([]*service.Blob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT key, size, last_access FROM blobs ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	blobs := make([]*service.Blob, 0)
	for rows.Next() {
		b := &service.Blob{}
		var at int64
		err := rows.Scan(&b.Key, &b.Size, &at)
		if err != nil {
			return nil, err
		}
		b.LastAccess = time.Unix(0, at)
		blobs = append(blobs, b)
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	return blobs, tx.Commit()
}
