// Package session persists the viewer's last-read line per file between
// runs. This is CLI-level convenience state, deliberately outside the data
// plane: the index and cache never touch disk.
package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const bucketName = "positions"

// Store keeps per-path reading positions in a BoltDB file.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the session store at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Debug().
		Str("db_path", dbPath).
		Msg("Session store opened")

	return &Store{db: db}, nil
}

// LastPosition returns the saved line number for a file, or 0 if none.
func (s *Store) LastPosition(filePath string) (int, error) {
	var line uint64

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		val := b.Get([]byte(filePath))
		if val == nil {
			return nil
		}
		if len(val) < 8 {
			return fmt.Errorf("invalid position value for %s", filePath)
		}
		line = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get position: %w", err)
	}

	return int(line), nil
}

// SavePosition stores the line number the viewer last showed for a file.
func (s *Store) SavePosition(filePath string, line int) error {
	if line < 0 {
		line = 0
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		var val [8]byte
		binary.BigEndian.PutUint64(val[:], uint64(line))
		return b.Put([]byte(filePath), val[:])
	})
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// Forget removes the saved position for a file.
func (s *Store) Forget(filePath string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(filePath))
	})
	if err != nil {
		return fmt.Errorf("failed to forget position: %w", err)
	}
	return nil
}

// List returns all saved positions keyed by file path.
func (s *Store) List() (map[string]int, error) {
	positions := make(map[string]int)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) >= 8 {
				positions[string(k)] = int(binary.BigEndian.Uint64(v))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	return positions, nil
}

// Close closes the session store.
func (s *Store) Close() error {
	return s.db.Close()
}
