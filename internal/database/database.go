package database

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// ErrNotFound is returned by GetData when the key is absent.
var ErrNotFound = errors.New("key not found")

// OpenDatabase opens (creating if needed) the bolt file at path.
func OpenDatabase(path string) (*bolt.DB, error) {
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	slog.Debug("bolt database opened", "component", "Database", "path", path)
	return db, nil
}

func EnsureBucket(db *bolt.DB, bucketName string) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return fmt.Errorf("create bucket %q: %w", bucketName, err)
		}
		return nil
	})
}

func GetData(db *bolt.DB, bucketName string, key string) ([]byte, error) {
	var value []byte

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}

		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key %q in bucket %q: %w", key, bucketName, ErrNotFound)
		}

		// v is only valid inside the transaction.
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return value, nil
}

func PutData(db *bolt.DB, bucketName string, key string, data []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}
		return b.Put([]byte(key), data)
	})
}

func DeleteKey(db *bolt.DB, bucketName string, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}
		return b.Delete([]byte(key))
	})
}

func GetAllData(db *bolt.DB, bucketName string) (map[string][]byte, error) {
	values := make(map[string][]byte)

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}

		return b.ForEach(func(k []byte, v []byte) error {
			valueCopy := make([]byte, len(v))
			copy(valueCopy, v)

			values[string(k)] = valueCopy
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return values, nil
}
