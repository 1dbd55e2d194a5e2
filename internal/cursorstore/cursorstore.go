// Package cursorstore is the durable key→integer cursor map the Watcher uses to
// resume relay/firehose/polling streams across restarts (§4.A).
package cursorstore

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/avaast/appview/pkg/atmodel"
)

var cursorBucket = []byte("cursors")

// Store is a single-writer, many-reader durable key→int64 map backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cursor database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, atmodel.NewStorageError("open cursor store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, atmodel.NewStorageError("create cursor bucket", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Set atomically inserts or replaces key's cursor value.
func (s *Store) Set(key string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put([]byte(key), buf)
	})
	if err != nil {
		return atmodel.NewStorageError(fmt.Sprintf("set cursor %q", key), err)
	}
	return nil
}

// Get returns key's cursor value and whether it was present. Callers must
// tolerate a missing cursor (first run).
func (s *Store) Get(key string) (value int64, found bool, err error) {
	txErr := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(cursorBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		value = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	if txErr != nil {
		return 0, false, atmodel.NewStorageError(fmt.Sprintf("get cursor %q", key), txErr)
	}
	return value, found, nil
}
